package provisioner

import (
	"fmt"
	"os"

	"github.com/subgraph/citadel-core/internal/progressbus"
)

var partitionCommands = []string{
	"/sbin/blkdeactivate $TARGET",
	"/sbin/parted -s $TARGET mklabel gpt",
	"/sbin/parted -s $TARGET mkpart boot fat32 1MiB 513MiB",
	"/sbin/parted -s $TARGET set 1 boot on",
	"/sbin/parted -s $TARGET mkpart data ext4 513MiB 100%",
	"/sbin/parted -s $TARGET set 2 lvm on",
}

var luksCommands = []string{
	"/sbin/cryptsetup -q --uuid=$LUKS_UUID luksFormat $LUKS_PARTITION $LUKS_PASSFILE",
	"/sbin/cryptsetup open --type luks --key-file $LUKS_PASSFILE $LUKS_PARTITION luks-install",
}

var lvmCommands = []string{
	"/sbin/pvcreate -ff --yes /dev/mapper/luks-install",
	"/sbin/vgcreate --yes citadel /dev/mapper/luks-install",
	"/sbin/lvcreate --yes --size 2g --name rootfsA citadel",
	"/sbin/lvcreate --yes --size 2g --name rootfsB citadel",
	"/sbin/lvcreate --yes --extents 100%VG --name storage citadel",
}

var createStorageCommands = []string{
	"/bin/mkfs.btrfs /dev/mapper/citadel-storage",
	"/bin/mount /dev/mapper/citadel-storage $INSTALL_MOUNT",
}

var finishCommands = []string{
	"/sbin/vgchange -an citadel",
	"/sbin/cryptsetup luksClose luks-install",
}

// Run executes the full 7-step disk install pipeline: Partition, LUKS,
// LVM, ESP/boot, storage, rootfs install, finalize. Any step's failure
// aborts the remainder after a best-effort unwind and publishes a
// progressbus.Failed event; success publishes progressbus.Completed.
func (p *Provisioner) Run() error {
	if err := p.Verify(); err != nil {
		p.fail(err.Error())
		return err
	}

	steps := []struct {
		fn    func() error
		onErr func()
	}{
		{p.partitionDisk, nil},
		{p.setupLUKS, func() { p.cleanup("/bin/rm -f " + luksPassfile) }},
		{p.setupLVM, func() { p.cleanup("/sbin/cryptsetup luksClose luks-install") }},
		{p.setupBoot, func() { p.cleanup("/bin/umount " + installMount) }},
		{p.createStorage, func() { p.cleanup("/bin/umount " + installMount) }},
		{p.installRootfsPartitions, nil},
		{p.finish, nil},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			if step.onErr != nil {
				step.onErr()
			}
			p.fail(err.Error())
			return err
		}
	}

	return nil
}

func (p *Provisioner) partitionDisk() error {
	if err := p.runTemplates(partitionCommands, map[string]string{"$TARGET": p.opts.Target}); err != nil {
		return err
	}
	p.publish(progressbus.DiskPartitioned, "target disk partitioned")
	return nil
}

func (p *Provisioner) setupLUKS() error {
	if err := os.MkdirAll(installMount, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", installMount, err)
	}
	if err := os.WriteFile(luksPassfile, []byte(p.opts.LuksPassphrase), 0600); err != nil {
		return fmt.Errorf("provisioner: write luks passphrase file: %w", err)
	}

	luksPartition := p.targetPartition(2)
	err := p.runTemplates(luksCommands, map[string]string{
		"$LUKS_UUID":      fixedLuksUUID,
		"$LUKS_PARTITION": luksPartition,
		"$LUKS_PASSFILE":  luksPassfile,
	})
	// Best-effort: always try to remove the passphrase file, even on
	// failure, matching the original's eager cleanup.
	if rmErr := os.Remove(luksPassfile); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Warnf("provisioner: remove %s: %v", luksPassfile, rmErr)
	}
	if err != nil {
		return err
	}
	p.publish(progressbus.LuksSetup, "LUKS volume unlocked")
	return nil
}

func (p *Provisioner) setupLVM() error {
	if err := p.runTemplates(lvmCommands, nil); err != nil {
		return err
	}
	p.publish(progressbus.LvmSetup, "LVM volumes created")
	return nil
}

func (p *Provisioner) createStorage() error {
	if err := p.runTemplates(createStorageCommands, map[string]string{"$INSTALL_MOUNT": installMount}); err != nil {
		return err
	}
	if err := p.populateStorage(false); err != nil {
		return err
	}
	if err := p.run("/bin/umount " + installMount); err != nil {
		return err
	}
	p.publish(progressbus.StorageCreated, "storage volume populated")
	return nil
}

func (p *Provisioner) installRootfsPartitions() error {
	rootfs := p.artifactPath("citadel-rootfs.img")
	if err := InstallRootfs(rootfs, "rootfsA", true, p.exec); err != nil {
		return fmt.Errorf("provisioner: install rootfs to slot A: %w", err)
	}
	if err := InstallRootfs(rootfs, "rootfsB", false, p.exec); err != nil {
		return fmt.Errorf("provisioner: install rootfs to slot B: %w", err)
	}
	p.publish(progressbus.RootfsInstalled, "rootfs installed to both slots")
	return nil
}

func (p *Provisioner) finish() error {
	if err := p.runTemplates(finishCommands, map[string]string{"$TARGET": p.opts.Target}); err != nil {
		return err
	}
	p.publish(progressbus.Completed, "LUKS volume closed, install finalized")
	return nil
}
