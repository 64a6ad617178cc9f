// Package provisioner drives the disk-install pipeline that turns a bare
// target device and a set of signed image artifacts into a bootable
// Citadel system: partition, LUKS, LVM, ESP, storage population, rootfs
// install, finalize. It also implements the LiveSetup variant pipeline
// run when booted with `citadel.live`, which does the same storage
// population work against an in-RAM tmpfs instead of touching a disk.
//
// Every externally observable step publishes a progressbus.Event so a
// caller (the CLI, or eventually the service API) can render progress
// without polling.
package provisioner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/subgraph/citadel-core/internal/progressbus"
	"github.com/subgraph/citadel-core/internal/shell"
)

var log = logger.Logger()

// fixedLuksUUID is the UUID every install assigns to the LUKS-formatted
// data partition, matching the original's hardcoded value.
const fixedLuksUUID = "683a17fc-4457-42cc-a946-cde67195a101"

const (
	extraImageName  = "citadel-extra.img"
	installMount    = "/run/installer/mnt"
	luksPassfile    = "/run/installer/luks-passphrase"
	defaultArtifDir = "/run/citadel/images"
)

const kernelCmdline = "add_efi_memmap intel_iommu=off cryptomgr.notests rcupdate.rcu_expedited=1 " +
	"rcu_nocbs=0-64 tsc=reliable no_timer_check noreplace-smp i915.fastboot=1 quiet splash"

// Options configures one provisioning run.
type Options struct {
	// Target is the block device to partition and install onto. Unused
	// for LiveSetup.
	Target string
	// CitadelPassphrase becomes the `citadel` user's login password,
	// hashed into citadel-state/passwd.
	CitadelPassphrase string
	// LuksPassphrase both unlocks the LUKS volume and derives the key
	// that encrypts the initial keyring file.
	LuksPassphrase string
	// ArtifactDir holds the install artifacts (bootx64.efi, bzImage-*,
	// citadel-kernel-*.img, citadel-extra.img, base-realmfs.img,
	// citadel-rootfs.img, and optionally syslinux/).
	ArtifactDir string
	// InstallSyslinux additionally installs a BIOS-bootable syslinux
	// configuration alongside the EFI loader entries.
	InstallSyslinux bool
	// KernelVersion names the kernel release the artifact filenames are
	// suffixed with (e.g. bzImage-<KernelVersion>).
	KernelVersion string
	// Channel names the resources/<channel>/ directory the extra and
	// kernel images are staged under.
	Channel string
}

func (o Options) artifactDir() string {
	if o.ArtifactDir != "" {
		return o.ArtifactDir
	}
	return defaultArtifDir
}

func (o Options) channel() string {
	if o.Channel != "" {
		return o.Channel
	}
	return "dev"
}

// Provisioner runs one install or LiveSetup pipeline, publishing its
// progress to bus.
type Provisioner struct {
	opts    Options
	exec    shell.Executor
	bus     *progressbus.Bus
	storage string // mount point the storage filesystem is reachable at during this run
}

// New constructs a Provisioner for a full disk install.
func New(opts Options, exec shell.Executor, bus *progressbus.Bus) *Provisioner {
	if exec == nil {
		exec = shell.Default
	}
	return &Provisioner{opts: opts, exec: exec, bus: bus, storage: installMount}
}

func (p *Provisioner) publish(stage progressbus.Stage, text string) {
	log.Infof("provisioner: %s: %s", stage, text)
	if p.bus != nil {
		p.bus.PublishStage(stage, text)
	}
}

func (p *Provisioner) fail(reason string) {
	log.Warnf("provisioner: install failed: %s", reason)
	if p.bus != nil {
		p.bus.PublishFailed(reason)
	}
}

// Verify checks that the target device and every required artifact are
// present before the pipeline runs any destructive step.
func (p *Provisioner) Verify() error {
	if _, err := os.Stat(p.opts.Target); err != nil {
		return fmt.Errorf("provisioner: target device %s does not exist", p.opts.Target)
	}
	for _, name := range p.requiredArtifacts() {
		path := p.artifactPath(name)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("provisioner: required install artifact %s does not exist in %s", name, p.opts.artifactDir())
		}
	}
	return nil
}

func (p *Provisioner) requiredArtifacts() []string {
	names := []string{
		"bootx64.efi",
		p.bzImageName(),
		p.kernelImageName(),
		extraImageName,
	}
	return names
}

func (p *Provisioner) bzImageName() string     { return "bzImage-" + p.opts.KernelVersion }
func (p *Provisioner) kernelImageName() string { return "citadel-kernel-" + p.opts.KernelVersion + ".img" }

func (p *Provisioner) artifactPath(name string) string {
	return filepath.Join(p.opts.artifactDir(), name)
}

func (p *Provisioner) targetPartition(num int) string {
	return fmt.Sprintf("%s%d", p.opts.Target, num)
}

// runTemplates executes each line of lines after substituting every
// (from, to) pair in subs, passing each substituted line to the
// executor unsplit, as a single shell command line.
func (p *Provisioner) runTemplates(lines []string, subs map[string]string) error {
	for _, line := range lines {
		for from, to := range subs {
			line = strings.ReplaceAll(line, from, to)
		}
		if _, err := p.exec.ExecCmd(line, true, nil); err != nil {
			return fmt.Errorf("provisioner: run %q: %w", line, err)
		}
	}
	return nil
}

func (p *Provisioner) run(cmdStr string) error {
	_, err := p.exec.ExecCmd(cmdStr, true, nil)
	if err != nil {
		return fmt.Errorf("provisioner: run %q: %w", cmdStr, err)
	}
	return nil
}

// best-effort cleanup helper: logs a warning rather than returning an
// error, matching spec.md §7's "cleanup errors during unwind are logged
// at warn, never mask the originating error."
func (p *Provisioner) cleanup(cmdStr string) {
	if _, err := p.exec.ExecCmd(cmdStr, true, nil); err != nil {
		log.Warnf("provisioner: cleanup step %q failed: %v", cmdStr, err)
	}
}
