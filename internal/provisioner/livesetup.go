package provisioner

import (
	"fmt"
	"os"
	"strings"

	"github.com/subgraph/citadel-core/internal/progressbus"
	"github.com/subgraph/citadel-core/internal/realmfs"
	"github.com/subgraph/citadel-core/internal/shell"
)

const liveArtifactImage = "/run/citadel/images/base-realmfs.img"

// NewLiveSetup constructs a Provisioner for the in-RAM LiveSetup variant
// pipeline, which never touches a target device, LUKS, or LVM.
func NewLiveSetup(exec shell.Executor, bus *progressbus.Bus) *Provisioner {
	if exec == nil {
		exec = shell.Default
	}
	return &Provisioner{exec: exec, bus: bus, storage: "/sysroot/storage"}
}

// RunLiveSetup mounts tmpfs over /sysroot/var, /home, and /storage,
// bind-mounts the realms directory, and — when the kernel cmdline
// carries `citadel.live` — activates the base RealmFS from the
// initramfs-staged artifact and populates storage the same way a full
// install would, minus anything that touches a real disk.
func (p *Provisioner) RunLiveSetup() error {
	tmpfsMounts := []string{
		"/bin/mount -t tmpfs var-tmpfs /sysroot/var",
		"/bin/mount -t tmpfs home-tmpfs /sysroot/home",
		"/bin/mount -t tmpfs storage-tmpfs /sysroot/storage",
	}
	for _, cmd := range tmpfsMounts {
		if err := p.run(cmd); err != nil {
			return err
		}
	}

	if err := os.MkdirAll("/sysroot/storage/realms", 0755); err != nil {
		return fmt.Errorf("provisioner: create /sysroot/storage/realms: %w", err)
	}
	if err := p.run("/bin/mount --bind /sysroot/storage/realms /sysroot/realms"); err != nil {
		return err
	}

	cmdline, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return fmt.Errorf("provisioner: read /proc/cmdline: %w", err)
	}
	if !strings.Contains(string(cmdline), "citadel.live") {
		return nil
	}
	return p.setupLiveRealm()
}

func (p *Provisioner) setupLiveRealm() error {
	realmfsDir := "/sysroot/storage/realms/realmfs-images"
	if err := os.MkdirAll(realmfsDir, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", realmfsDir, err)
	}

	baseImage := realmfsDir + "/base-realmfs.img"
	if err := os.Symlink(liveArtifactImage, baseImage); err != nil && !os.IsExist(err) {
		return fmt.Errorf("provisioner: symlink %s -> %s: %w", baseImage, liveArtifactImage, err)
	}

	rfs, err := realmfs.LoadFromPath(liveArtifactImage)
	if err != nil {
		return fmt.Errorf("provisioner: load base RealmFS from %s: %w", liveArtifactImage, err)
	}
	if err := rfs.Activate(false); err != nil {
		return fmt.Errorf("provisioner: activate base RealmFS: %w", err)
	}

	p.storage = "/sysroot/storage"
	return p.populateStorage(true)
}
