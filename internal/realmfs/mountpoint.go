// Package realmfs implements the RealmFS image abstraction: loading and
// validating a shared, dm-verity-backed filesystem image, deriving its
// canonical Mountpoint, and the fork/resize/interactive-update
// operations that mutate an image on disk.
package realmfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/subgraph/citadel-core/internal/header"
	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/subgraph/citadel-core/internal/shell"
	"github.com/subgraph/citadel-core/internal/verity"
)

var log = logger.Logger()

// RunDirectory is where RealmFS mountpoint directories are created.
const RunDirectory = "/run/citadel/realmfs"

const mountBin = "mount"
const umountBin = "umount"
const mountpointExt = ".mountpoint"

// Mountpoint is the path at which an activated RealmFS is mounted.
// Identity derives solely from the path: two Mountpoints are equal iff
// their paths are equal.
type Mountpoint struct {
	path string
}

// NewMountpoint builds the canonical Mountpoint for a RealmFS name and
// verity tag: RunDirectory/realmfs-<name>-<tag>.mountpoint.
func NewMountpoint(name, tag string) Mountpoint {
	filename := fmt.Sprintf("realmfs-%s-%s%s", name, tag, mountpointExt)
	return Mountpoint{path: filepath.Join(RunDirectory, filename)}
}

// Path returns the full directory path of the mountpoint.
func (m Mountpoint) Path() string { return m.path }

// Equal reports whether two mountpoints have the same path.
func (m Mountpoint) Equal(o Mountpoint) bool { return m.path == o.path }

func (m Mountpoint) String() string { return m.path }

// Exists reports whether the mountpoint directory exists.
func (m Mountpoint) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// IsMounted tests for the presence of an "etc" entry inside the
// mountpoint directory, the same arbitrary-but-reliable signal the
// original implementation uses instead of parsing /proc/mounts.
func (m Mountpoint) IsMounted() bool {
	_, err := os.Stat(filepath.Join(m.path, "etc"))
	return err == nil
}

// RealmFSField returns the RealmFS name encoded in the mountpoint's
// filename, parsed with the canonical rfind-last-dash rule: everything
// between the "realmfs-" prefix and the final dash is the name, so a
// name containing dashes parses correctly. The split-on-every-dash
// parser is ambiguous for such names and is not used.
func (m Mountpoint) RealmFSField() (name, tag string, err error) {
	return parseMountpointFilename(m.path)
}

func parseMountpointFilename(path string) (name, tag string, err error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, mountpointExt) {
		return "", "", fmt.Errorf("realmfs: %q is not a mountpoint path", path)
	}
	trimmed := strings.TrimSuffix(base, mountpointExt)
	if !strings.HasPrefix(trimmed, "realmfs-") {
		return "", "", fmt.Errorf("realmfs: %q does not have the realmfs- prefix", path)
	}
	rest := strings.TrimPrefix(trimmed, "realmfs-")

	i := strings.LastIndex(rest, "-")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("realmfs: %q does not have a name-tag structure", path)
	}
	return rest[:i], rest[i+1:], nil
}

// IsValid reports whether path is a syntactically valid mountpoint path
// under RunDirectory.
func IsValid(path string) bool {
	if !strings.HasPrefix(path, RunDirectory) {
		return false
	}
	_, _, err := parseMountpointFilename(path)
	return err == nil
}

// AllMountpoints lists every mountpoint directory currently present
// under RunDirectory.
func AllMountpoints() ([]Mountpoint, error) {
	entries, err := os.ReadDir(RunDirectory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("realmfs: read %s: %w", RunDirectory, err)
	}

	var out []Mountpoint
	for _, e := range entries {
		p := filepath.Join(RunDirectory, e.Name())
		if IsValid(p) {
			out = append(out, Mountpoint{path: p})
		}
	}
	return out, nil
}

// VerityDevice returns the dm-verity device name this mountpoint's image
// is expected to be mapped under.
func (m Mountpoint) VerityDevice() (string, error) {
	name, tag, err := m.RealmFSField()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("verity-realmfs-%s-%s", name, tag), nil
}

func (m Mountpoint) verityDevicePath() (string, error) {
	dev, err := m.VerityDevice()
	if err != nil {
		return "", err
	}
	return filepath.Join("/dev/mapper", dev), nil
}

// Activate idempotently brings the mountpoint to the Active state for
// the given image: creating the directory, setting up (or adopting) the
// dm-verity device, then mounting it read-only. If the mountpoint is
// already mounted, Activate is a no-op.
func (m Mountpoint) Activate(imagePath string, nosignatures bool, verifySignature func() error) error {
	if m.IsMounted() {
		return nil
	}

	if !m.Exists() {
		if err := os.MkdirAll(m.path, 0755); err != nil {
			return fmt.Errorf("realmfs: create mountpoint dir %s: %w", m.path, err)
		}
	}

	verityPath, err := m.verityDevicePath()
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(verityPath); statErr == nil {
		log.Warnf("dm-verity device %s already exists which was not expected", verityPath)
	} else if err := m.setupVerity(imagePath, nosignatures, verifySignature); err != nil {
		_ = os.Remove(m.path)
		return err
	}

	if _, err := shell.ExecCmd(fmt.Sprintf("%s -oro %s %s", mountBin, verityPath, m.path), true, nil); err != nil {
		m.Deactivate()
		return fmt.Errorf("realmfs: mount %s at %s: %w", verityPath, m.path, err)
	}
	return nil
}

func (m Mountpoint) setupVerity(imagePath string, nosignatures bool, verifySignature func() error) error {
	if !nosignatures {
		if err := verifySignature(); err != nil {
			return err
		}
	}

	v, err := verity.New(imagePath)
	if err != nil {
		return err
	}

	h, err := header.Open(imagePath)
	if err != nil {
		return err
	}
	if !h.HasFlag(header.FlagHashTree) {
		log.Infof("generating verity hash tree for %s", imagePath)
		mi := h.Metainfo()
		if _, err := v.GenerateHashtree(mi.VeritySalt, mi.NBlocks); err != nil {
			return fmt.Errorf("realmfs: generate hashtree: %w", err)
		}
		log.Infof("done generating verity hash tree for %s", imagePath)
	}

	if _, err := v.Setup(); err != nil {
		return fmt.Errorf("realmfs: setup verity device: %w", err)
	}
	return nil
}

// Deactivate unmounts the directory, tears down its dm-verity device,
// and removes the directory. Errors at each step are logged as warnings
// rather than returned, matching the best-effort teardown the original
// performs so that one failed step does not block the rest.
func (m Mountpoint) Deactivate() {
	if !m.Exists() {
		return
	}
	log.Infof("unmounting %s and removing directory", m)

	if m.IsMounted() {
		if _, err := shell.ExecCmd(fmt.Sprintf("%s %s", umountBin, m.path), true, nil); err != nil {
			log.Warnf("failed to unmount directory %s: %v", m, err)
		}
	}

	if verityPath, err := m.verityDevicePath(); err == nil {
		if _, statErr := os.Stat(verityPath); statErr == nil {
			if dev, devErr := m.VerityDevice(); devErr == nil {
				if err := verity.Close(dev); err != nil {
					log.Warnf("failed to remove dm-verity device %s: %v", verityPath, err)
				}
			}
		}
	}

	if err := os.Remove(m.path); err != nil {
		log.Warnf("failed to remove mountpoint directory %s: %v", m, err)
	}
}
