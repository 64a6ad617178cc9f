package provisioner

import (
	"fmt"

	"github.com/subgraph/citadel-core/internal/header"
	"github.com/subgraph/citadel-core/internal/keyring"
	"github.com/subgraph/citadel-core/internal/shell"
)

// InstallRootfs writes a signed rootfs artifact onto one of the two LVM
// rootfs slots and, when prefer is true, marks that slot as the one the
// bootloader should boot by default. No `original_source/image.rs`
// survived to ground this against (it is absent from `_INDEX.md`), so
// the "prefer a slot" mechanism is designed directly from spec.md's
// "once preferring slot A, once slot B with --no-prefer" phrase: an LVM
// tag on the target logical volume, moved to whichever slot is
// currently preferred, since LVM tags are exactly the kind of small
// out-of-band marker this decision needs and the pipeline already
// depends on LVM for the rootfs slots themselves.
//
// Verity setup against the installed image happens at boot time, not
// here — this only validates the artifact's header and signature before
// writing it, matching spec.md §4.1's "signatures must have been
// verified by the caller."
func InstallRootfs(artifactPath, lvName string, prefer bool, exec shell.Executor) error {
	hdr, err := header.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("provisioner: open rootfs artifact %s: %w", artifactPath, err)
	}
	if hdr.Metainfo().ImageType != header.TypeRootfs {
		return fmt.Errorf("provisioner: %s is not a rootfs image (image-type=%s)", artifactPath, hdr.Metainfo().ImageType)
	}
	pubkey, err := keyring.Resolve(hdr.Metainfo().Channel)
	if err != nil {
		return fmt.Errorf("provisioner: resolve channel key for %s: %w", artifactPath, err)
	}
	if !hdr.VerifySignature(pubkey) {
		return fmt.Errorf("provisioner: signature verification failed on rootfs image %s", artifactPath)
	}

	device := "/dev/mapper/citadel-" + lvName
	ddCmd := fmt.Sprintf("/bin/dd if=%s of=%s bs=4M conv=fsync", artifactPath, device)
	if _, err := exec.ExecCmdWithStream(ddCmd, true, nil); err != nil {
		return fmt.Errorf("provisioner: write rootfs image to %s: %w", device, err)
	}

	if prefer {
		if _, err := exec.ExecCmd("/sbin/lvchange --deltag citadel-current citadel/rootfsA", true, nil); err != nil {
			log.Warnf("provisioner: clear citadel-current tag on rootfsA: %v", err)
		}
		if _, err := exec.ExecCmd("/sbin/lvchange --deltag citadel-current citadel/rootfsB", true, nil); err != nil {
			log.Warnf("provisioner: clear citadel-current tag on rootfsB: %v", err)
		}
		if _, err := exec.ExecCmd(fmt.Sprintf("/sbin/lvchange --addtag citadel-current citadel/%s", lvName), true, nil); err != nil {
			return fmt.Errorf("provisioner: tag %s as preferred boot slot: %w", lvName, err)
		}
	}
	return nil
}
