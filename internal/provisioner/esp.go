package provisioner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/subgraph/citadel-core/internal/progressbus"
)

const loaderConf = "default boot\ntimeout 5\n"

const bootConfTemplate = "title Subgraph OS (Citadel $KERNEL_VERSION)\n" +
	"linux /bzImage-$KERNEL_VERSION\n" +
	"options root=/dev/mapper/rootfs $KERNEL_CMDLINE\n"

const syslinuxConfTemplate = "UI menu.c32\nPROMPT 0\n\n" +
	"MENU TITLE Boot Subgraph OS (Citadel)\nTIMEOUT 50\nDEFAULT subgraph\n\n" +
	"LABEL subgraph\n" +
	"    MENU LABEL Subgraph OS\n" +
	"    LINUX ../bzImage-$KERNEL_VERSION\n" +
	"    APPEND root=/dev/mapper/rootfs $KERNEL_CMDLINE\n"

// setupBoot formats and populates the ESP partition directly through
// go-diskfs's vfat filesystem implementation, replacing the original's
// mkfs.vfat + mount + cp + umount sequence with in-process file writes.
// The only host mount is the one setupSyslinux makes around its
// extlinux call, when InstallSyslinux is set.
func (p *Provisioner) setupBoot() error {
	bootPartition := p.targetPartition(1)

	d, err := diskfs.Open(bootPartition, diskfs.WithOpenMode(diskfs.ReadWriteExclusive))
	if err != nil {
		return fmt.Errorf("provisioner: open boot partition %s: %w", bootPartition, err)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "CITADEL-ESP",
	})
	if err != nil {
		return fmt.Errorf("provisioner: format boot partition %s as vfat: %w", bootPartition, err)
	}

	if err := fs.Mkdir("/loader/entries"); err != nil {
		return fmt.Errorf("provisioner: create /loader/entries: %w", err)
	}
	if err := espWriteFile(fs, "/loader/loader.conf", []byte(loaderConf)); err != nil {
		return err
	}

	bootConf := strings.NewReplacer(
		"$KERNEL_CMDLINE", kernelCmdline,
		"$KERNEL_VERSION", p.opts.KernelVersion,
	).Replace(bootConfTemplate)
	if err := espWriteFile(fs, "/loader/entries/boot.conf", []byte(bootConf)); err != nil {
		return err
	}

	if err := p.espCopyArtifact(fs, p.bzImageName(), "/"+p.bzImageName()); err != nil {
		return err
	}
	if err := fs.Mkdir("/EFI/BOOT"); err != nil {
		return fmt.Errorf("provisioner: create /EFI/BOOT: %w", err)
	}
	if err := p.espCopyArtifact(fs, "bootx64.efi", "/EFI/BOOT/bootx64.efi"); err != nil {
		return err
	}

	if p.opts.InstallSyslinux {
		if err := p.setupSyslinux(fs); err != nil {
			return err
		}
	}

	if p.opts.InstallSyslinux {
		if err := p.setupSyslinuxPostUmount(); err != nil {
			return err
		}
	}

	p.publish(progressbus.BootSetup, "boot partition populated")
	return nil
}

func espWriteFile(fs filesystem.FileSystem, path string, data []byte) error {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("provisioner: create %s on ESP: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("provisioner: write %s on ESP: %w", path, err)
	}
	return nil
}

func (p *Provisioner) espCopyArtifact(fs filesystem.FileSystem, filename, espPath string) error {
	data, err := os.ReadFile(p.artifactPath(filename))
	if err != nil {
		return fmt.Errorf("provisioner: read artifact %s: %w", filename, err)
	}
	return espWriteFile(fs, espPath, data)
}

func (p *Provisioner) setupSyslinux(fs filesystem.FileSystem) error {
	syslinuxSrc := p.artifactPath("syslinux")
	entries, err := os.ReadDir(syslinuxSrc)
	if err != nil {
		return fmt.Errorf("provisioner: no syslinux directory found in artifact directory, cannot install syslinux: %w", err)
	}

	if err := fs.Mkdir("/syslinux"); err != nil {
		return fmt.Errorf("provisioner: create /syslinux: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(syslinuxSrc, e.Name()))
		if err != nil {
			return fmt.Errorf("provisioner: read syslinux artifact %s: %w", e.Name(), err)
		}
		if err := espWriteFile(fs, "/syslinux/"+e.Name(), data); err != nil {
			return err
		}
	}

	cfg := strings.NewReplacer(
		"$KERNEL_CMDLINE", kernelCmdline,
		"$KERNEL_VERSION", p.opts.KernelVersion,
	).Replace(syslinuxConfTemplate)
	if err := espWriteFile(fs, "/syslinux/syslinux.cfg", []byte(cfg)); err != nil {
		return err
	}

	// extlinux has no Go binding and needs a real mounted filesystem to
	// write its boot-sector metadata into, unlike the rest of this step;
	// mount the ESP just for this one call and unmount immediately after.
	bootPartition := p.targetPartition(1)
	if err := p.run(fmt.Sprintf("/bin/mount %s %s", bootPartition, installMount)); err != nil {
		return err
	}
	defer p.cleanup("/bin/umount " + installMount)

	return p.run(fmt.Sprintf("/sbin/extlinux --install %s/syslinux", installMount))
}

func (p *Provisioner) setupSyslinuxPostUmount() error {
	mbrbin := p.artifactPath("syslinux/gptmbr.bin")
	if _, err := os.Stat(mbrbin); err != nil {
		return fmt.Errorf("provisioner: could not find MBR image %s", mbrbin)
	}
	if err := p.run(fmt.Sprintf("/bin/dd bs=440 count=1 conv=notrunc if=%s of=%s", mbrbin, p.opts.Target)); err != nil {
		return err
	}
	return p.run(fmt.Sprintf("/sbin/parted -s %s set 1 legacy_boot on", p.opts.Target))
}
