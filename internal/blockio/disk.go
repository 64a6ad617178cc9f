// Package blockio provides the low-level building blocks the provisioner
// and RealmFS/Verity layers share: physical disk enumeration, loop-device
// attach/detach, and an flock-based exclusive file lock.
package blockio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/subgraph/citadel-core/internal/shell"
)

const sysBlockDir = "/sys/block"

// Disk describes a physical block device as a DiskProvisioner install
// target candidate.
type Disk struct {
	Name      string // e.g. "sda", "nvme0n1"
	Model     string
	Size      uint64 // bytes
	Removable bool
}

// Path returns the device node for the disk, e.g. "/dev/sda".
func (d Disk) Path() string {
	return "/dev/" + d.Name
}

// SizeString renders Size the way the installer's disk picker does:
// whole gibibytes, computed by the same right-shift the original uses
// (size in bytes >> 30 to go from bytes to GiB, rounded down).
func (d Disk) SizeString() string {
	return fmt.Sprintf("%dG", d.Size>>30)
}

// ProbeAll enumerates every disk device under /sys/block, skipping
// partitions, loop devices, and other non-disk block devices the way
// isDiskDevice does: a device counts only if it has a "device/model"
// file under its /sys/block entry.
func ProbeAll() ([]Disk, error) {
	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		return nil, fmt.Errorf("blockio: read %s: %w", sysBlockDir, err)
	}

	var disks []Disk
	for _, e := range entries {
		name := e.Name()
		if !isDiskDevice(name) {
			continue
		}
		size, err := readSize(name)
		if err != nil {
			return nil, err
		}
		disks = append(disks, Disk{
			Name:      name,
			Model:     readModel(name),
			Size:      size,
			Removable: isRemovable(name),
		})
	}

	sort.Slice(disks, func(i, j int) bool { return disks[i].Name < disks[j].Name })
	return disks, nil
}

func isDiskDevice(name string) bool {
	_, err := os.Stat(filepath.Join(sysBlockDir, name, "device", "model"))
	return err == nil
}

func readModel(name string) string {
	b, err := os.ReadFile(filepath.Join(sysBlockDir, name, "device", "model"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func isRemovable(name string) bool {
	b, err := os.ReadFile(filepath.Join(sysBlockDir, name, "removable"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == "1"
}

// readSize reads /sys/block/<name>/size, which the kernel reports in
// 512-byte sectors, and converts to bytes.
func readSize(name string) (uint64, error) {
	b, err := os.ReadFile(filepath.Join(sysBlockDir, name, "size"))
	if err != nil {
		return 0, fmt.Errorf("blockio: read size for %s: %w", name, err)
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("blockio: parse size for %s: %w", name, err)
	}
	return sectors * 512, nil
}

// Deactivate runs blkdeactivate against path, tearing down any existing
// device-mapper/LVM stack before the provisioner repartitions it.
func Deactivate(path string) error {
	if _, err := shell.ExecCmd(fmt.Sprintf("blkdeactivate %s", path), true, nil); err != nil {
		return fmt.Errorf("blockio: deactivate %s: %w", path, err)
	}
	return nil
}
