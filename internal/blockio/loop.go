package blockio

import (
	"fmt"
	"strings"

	"github.com/subgraph/citadel-core/internal/shell"
)

// WithLoop attaches path as a loop device with the given logical sector
// size, runs fn against the resulting device node, and detaches the loop
// device afterward regardless of whether fn succeeds. partscan controls
// whether the kernel scans the attached device for a partition table,
// needed when the loop device backs a whole-disk image rather than a
// single filesystem.
func WithLoop(path string, sectorSize int, partscan bool, fn func(loopDev string) error) error {
	args := "--show -f"
	if sectorSize > 0 {
		args += fmt.Sprintf(" -b %d", sectorSize)
	}
	if partscan {
		args += " -P"
	}

	out, err := shell.ExecCmd(fmt.Sprintf("losetup %s %s", args, path), true, nil)
	if err != nil {
		return fmt.Errorf("blockio: losetup attach %s: %w", path, err)
	}
	loopDev := strings.TrimSpace(out)
	if loopDev == "" {
		return fmt.Errorf("blockio: losetup attach %s: no device returned", path)
	}

	fnErr := fn(loopDev)

	if _, err := shell.ExecCmd(fmt.Sprintf("losetup -d %s", loopDev), true, nil); err != nil {
		if fnErr != nil {
			return fmt.Errorf("%w (cleanup also failed: %v)", fnErr, err)
		}
		return fmt.Errorf("blockio: losetup detach %s: %w", loopDev, err)
	}

	return fnErr
}
