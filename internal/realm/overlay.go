package realm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/subgraph/citadel-core/internal/shell"
)

const (
	realmsRunPath  = "/run/citadel/realms"
	realmsBasePath = "/realms"
)

// Overlay manages the overlayfs (or btrfs subvolume holding one) stacked
// above a realm's read-only RealmFS mountpoint. Kind None has no Overlay
// value at all — ForRealm returns ok=false for it.
type Overlay struct {
	realm string
	kind  OverlayKind
}

// NewOverlay builds an Overlay for realm name under kind. kind must be
// OverlayTmpFS or OverlayStorage; use ForRealm to handle OverlayNone.
func NewOverlay(realmName string, kind OverlayKind) Overlay {
	return Overlay{realm: realmName, kind: kind}
}

// ForRealm returns the Overlay for cfg's configured kind, or ok=false if
// the realm runs directly on its RealmFS with no overlay at all.
func ForRealm(realmName string, cfg Config) (ov Overlay, ok bool) {
	switch cfg.Overlay {
	case OverlayTmpFS, OverlayStorage:
		return NewOverlay(realmName, cfg.Overlay), true
	default:
		return Overlay{}, false
	}
}

// RemoveAny tears down whichever overlay kind (tmpfs or storage) happens
// to exist for realmName, logging rather than failing if removal errors
// — used during realm deletion, where a missing or already-torn-down
// overlay is not itself a failure.
func RemoveAny(realmName string) {
	for _, kind := range []OverlayKind{OverlayStorage, OverlayTmpFS} {
		ov := NewOverlay(realmName, kind)
		if !ov.Exists() {
			continue
		}
		if _, err := ov.Remove(); err != nil {
			log.Warnf("error removing %s overlay for realm %q: %v", kind, realmName, err)
		}
	}
}

func (o Overlay) directory() string {
	base := realmsRunPath
	if o.kind == OverlayStorage {
		base = realmsBasePath
	}
	return filepath.Join(base, fmt.Sprintf("realm-%s", o.realm), "overlay")
}

// Exists reports whether the overlay's base directory or subvolume is
// already present.
func (o Overlay) Exists() bool {
	_, err := os.Stat(o.directory())
	return err == nil
}

// Lower returns the target of the overlay's "lower" symlink, if present.
func (o Overlay) Lower() (string, bool) {
	link := filepath.Join(o.directory(), "lower")
	target, err := os.Readlink(link)
	if err != nil {
		return "", false
	}
	return target, true
}

// Create sets up the overlay's upperdir, workdir, mountpoint, and a
// "lower" symlink back to lower, then mounts an overlayfs combining them
// named realm-<name>-overlay, returning the mountpoint.
func (o Overlay) Create(lower string) (string, error) {
	log.Infof("creating %s overlay over rootfs mounted at %s", o.kind, lower)

	base := o.directory()
	var err error
	switch o.kind {
	case OverlayTmpFS:
		err = o.prepareTmpfs(base)
	case OverlayStorage:
		err = o.prepareBtrfs(base)
	default:
		return "", fmt.Errorf("realm: cannot create overlay of kind %q", o.kind)
	}
	if err != nil {
		return "", err
	}
	return o.setupOverlay(base, lower)
}

func (o Overlay) prepareTmpfs(base string) error {
	if _, err := os.Stat(base); err == nil {
		log.Infof("tmpfs overlay directory already exists, removing it before setting up overlay")
		o.umount()
		if err := os.RemoveAll(base); err != nil {
			return fmt.Errorf("realm: remove stale overlay directory %s: %w", base, err)
		}
	}
	return nil
}

func (o Overlay) prepareBtrfs(base string) error {
	if _, err := os.Stat(base); err == nil {
		log.Infof("btrfs overlay subvolume already exists, removing it before setting up overlay")
		o.umount()
		if _, err := shell.ExecCmd(fmt.Sprintf("btrfs subvolume delete %s", base), true, nil); err != nil {
			return fmt.Errorf("realm: remove stale overlay subvolume %s: %w", base, err)
		}
	}
	if _, err := shell.ExecCmd(fmt.Sprintf("btrfs subvolume create %s", base), true, nil); err != nil {
		return fmt.Errorf("realm: create overlay subvolume %s: %w", base, err)
	}
	return nil
}

func (o Overlay) setupOverlay(base, lower string) (string, error) {
	upper := filepath.Join(base, "upperdir")
	work := filepath.Join(base, "workdir")
	mountpoint := filepath.Join(base, "mountpoint")

	for _, dir := range []string{upper, work, mountpoint} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("realm: create overlay directory %s: %w", dir, err)
		}
	}

	lowerLink := filepath.Join(base, "lower")
	if err := os.Symlink(lower, lowerLink); err != nil {
		return "", fmt.Errorf("realm: symlink lower overlay dir %s: %w", lowerLink, err)
	}

	cmd := fmt.Sprintf(
		"mount -t overlay realm-%s-overlay -olowerdir=%s,upperdir=%s,workdir=%s %s",
		o.realm, lower, upper, work, mountpoint,
	)
	if _, err := shell.ExecCmd(cmd, true, nil); err != nil {
		return "", fmt.Errorf("realm: mount overlay for %q: %w", o.realm, err)
	}
	return mountpoint, nil
}

func (o Overlay) umount() {
	mountpoint := filepath.Join(o.directory(), "mountpoint")
	if _, err := shell.ExecCmd(fmt.Sprintf("umount %s", mountpoint), true, nil); err != nil {
		log.Warnf("could not unmount overlay mountpoint %s: %v", mountpoint, err)
	}
}

// Remove unmounts the overlay, deletes its directory or subvolume, and
// returns the lower path it was created over so the caller can release
// the underlying RealmFS mountpoint.
func (o Overlay) Remove() (string, error) {
	base := o.directory()

	o.umount()

	lower, haveLower := o.Lower()

	var err error
	switch o.kind {
	case OverlayTmpFS:
		err = os.RemoveAll(base)
	case OverlayStorage:
		_, err = shell.ExecCmd(fmt.Sprintf("btrfs subvolume delete %s", base), true, nil)
	default:
		err = fmt.Errorf("realm: cannot remove overlay of kind %q", o.kind)
	}
	if err != nil {
		return "", fmt.Errorf("realm: remove %s overlay %s: %w", o.kind, base, err)
	}
	if !haveLower {
		return "", fmt.Errorf("realm: unable to read lower symlink of overlay %s", base)
	}
	return lower, nil
}
