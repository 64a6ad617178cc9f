package realmfs

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/subgraph/citadel-core/internal/blockio"
	"github.com/subgraph/citadel-core/internal/header"
	"github.com/subgraph/citadel-core/internal/keyring"
	"github.com/subgraph/citadel-core/internal/shell"
	"github.com/subgraph/citadel-core/internal/verity"
)

const numBackups = 2

const e2fsckBin = "e2fsck"
const resize2fsBin = "resize2fs"

// AddressAllocator hands out and releases a bridge IP allocation for an
// update session's nspawn container. internal/realm supplies the real
// implementation; Update only depends on this narrow interface to avoid
// an import cycle between realmfs and realm.
type AddressAllocator interface {
	AllocateAddressFor(name string) (addr, gateway string, err error)
	FreeAllocationFor(name string) error
}

// Update manages resizing and interactively updating a RealmFS image: it
// works against a reflinked scratch copy of the image under an exclusive
// file lock, and only replaces the original once the session is applied.
type Update struct {
	realmfs   *RealmFS
	name      string
	target    string
	mountpath string
	lock      *blockio.FileLock

	resize           ResizeSize
	hasResize        bool
	networkAllocated bool
	allocator        AddressAllocator
}

// NewUpdate begins an update session for realmfs, acquiring its exclusive
// update lock and failing if a sealing keypair is not available in the
// kernel keyring (fork and update both require the realmfs-user keys).
func NewUpdate(r *RealmFS) (*Update, error) {
	lock, err := blockio.TryAcquire(r.pathWithExtension("lock"))
	if err != nil {
		return nil, fmt.Errorf("realmfs: unable to obtain update lock for %q: %w", r.name, err)
	}

	if _, err := keyring.UserPrivateKey(); err != nil {
		if relErr := lock.Release(); relErr != nil {
			log.Warnf("failed to release update lock for %q: %v", r.name, relErr)
		}
		return nil, fmt.Errorf("realmfs: cannot update, no sealing keys available: %w", err)
	}

	mi := r.Header().Metainfo()
	tag := verity.Tag(mi.VerityRoot)

	resize, hasResize := r.AutoResizeSize()

	return &Update{
		realmfs:   r,
		name:      fmt.Sprintf("%s-%s-update", r.name, tag),
		target:    r.pathWithExtension("update"),
		mountpath: filepath.Join(RunDirectory, fmt.Sprintf("realmfs-%s-%s.update", r.name, tag)),
		lock:      lock,
		resize:    resize,
		hasResize: hasResize,
	}, nil
}

func (u *Update) metainfoNBlocks() uint64 {
	return u.realmfs.Header().Metainfo().NBlocks + 1
}

// GrowTo requests that the update target size be at least size blocks,
// doing nothing if the image is already that size or larger.
func (u *Update) GrowTo(size ResizeSize) {
	if u.metainfoNBlocks() >= size.NBlocks() {
		log.Infof("realmfs image %q is already at least %d blocks, doing nothing", u.realmfs.name, size.NBlocks())
		return
	}
	u.resize, u.hasResize = size, true
}

// GrowBy requests that the update target size be size blocks larger than
// the image's current metainfo size.
func (u *Update) GrowBy(size ResizeSize) {
	u.resize = BlockResizeSize(u.metainfoNBlocks() + size.NBlocks())
	u.hasResize = true
}

func (u *Update) createUpdateCopy() error {
	if _, err := os.Stat(u.target); err == nil {
		log.Infof("update file %s already exists, removing it", u.target)
		if err := os.Remove(u.target); err != nil {
			return fmt.Errorf("realmfs: remove stale update file %s: %w", u.target, err)
		}
	}
	if err := copyImageFile(u.realmfs.path, u.target); err != nil {
		return err
	}
	if err := u.truncateVerity(); err != nil {
		return err
	}
	return u.resizeImageFile()
}

// truncateVerity strips any appended dm-verity hashtree from the update
// copy, so the copy starts out as raw header-plus-filesystem data again.
func (u *Update) truncateVerity() error {
	fileBlocks, err := u.realmfs.FileNBlocks()
	if err != nil {
		return err
	}
	metaBlocks := u.metainfoNBlocks()

	if u.realmfs.Header().HasFlag(header.FlagHashTree) {
		return u.setTargetLen(metaBlocks)
	}
	if fileBlocks > metaBlocks {
		log.Warnf("realmfs image %q size is greater than metainfo.nblocks but FLAG_HASH_TREE is not set", u.realmfs.name)
	}
	return nil
}

// resizeImageFile grows the update copy to the requested resize target,
// if one was set. Shrinking is never permitted, and a single update
// session may grow the image by at most 8 GiB.
func (u *Update) resizeImageFile() error {
	if !u.hasResize {
		return nil
	}
	nblocks := u.resize.NBlocks() + 1
	if nblocks < u.metainfoNBlocks() {
		return fmt.Errorf("realmfs: cannot shrink image %q", u.realmfs.name)
	}
	if nblocks-u.metainfoNBlocks() > GigResizeSize(8).NBlocks() {
		return fmt.Errorf("realmfs: can only grow image %q by a maximum of 8gb in a single update", u.realmfs.name)
	}
	return u.setTargetLen(nblocks)
}

func (u *Update) setTargetLen(nblocks uint64) error {
	f, err := os.OpenFile(u.target, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("realmfs: open %s: %w", u.target, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(nblocks) * header.Size); err != nil {
		return fmt.Errorf("realmfs: set length of %s: %w", u.target, err)
	}
	return nil
}

func (u *Update) resizeDevice(loopDev string) error {
	log.Infof("running e2fsck on %s", loopDev)
	if _, err := shell.ExecCmd(fmt.Sprintf("%s -f -p %s", e2fsckBin, loopDev), true, nil); err != nil {
		return fmt.Errorf("realmfs: e2fsck %s: %w", loopDev, err)
	}
	log.Infof("running resize2fs on %s", loopDev)
	if _, err := shell.ExecCmd(fmt.Sprintf("%s %s", resize2fsBin, loopDev), true, nil); err != nil {
		return fmt.Errorf("realmfs: resize2fs %s: %w", loopDev, err)
	}
	return nil
}

// Resize runs a non-interactive grow of the image, if AutoResizeSize or a
// prior GrowTo/GrowBy call set a pending target, writing the result back
// via rotate once sealed.
func (u *Update) Resize() error {
	if !u.hasResize {
		return nil
	}
	if err := u.createUpdateCopy(); err != nil {
		return err
	}
	err := blockio.WithLoop(u.target, header.Size, false, func(loopDev string) error {
		return u.resizeDevice(loopDev)
	})
	if err != nil {
		return err
	}
	if err := u.seal(); err != nil {
		return err
	}
	return u.rotate()
}

func (u *Update) mountUpdateImage() error {
	return blockio.WithLoop(u.target, header.Size, false, func(loopDev string) error {
		if u.hasResize {
			if err := u.resizeDevice(loopDev); err != nil {
				return err
			}
		}
		if _, err := os.Stat(u.mountpath); err != nil {
			if err := os.MkdirAll(u.mountpath, 0755); err != nil {
				return fmt.Errorf("realmfs: create update mountpoint %s: %w", u.mountpath, err)
			}
		}
		if _, err := shell.ExecCmd(fmt.Sprintf("mount -orw,noatime %s %s", loopDev, u.mountpath), true, nil); err != nil {
			return fmt.Errorf("realmfs: mount update image at %s: %w", u.mountpath, err)
		}
		return nil
	})
}

func (u *Update) unmountUpdateImage() {
	if _, err := os.Stat(u.mountpath); err != nil {
		return
	}
	if _, err := shell.ExecCmd(fmt.Sprintf("umount %s", u.mountpath), true, nil); err != nil {
		log.Warnf("failed to unmount update directory %s: %v", u.mountpath, err)
	}
	if err := os.Remove(u.mountpath); err != nil {
		log.Warnf("failed to remove update mountpoint directory %s: %v", u.mountpath, err)
	}
}

func (u *Update) setup() error {
	if err := u.createUpdateCopy(); err != nil {
		return err
	}
	return u.mountUpdateImage()
}

// Cleanup removes the scratch update copy, unmounts and removes its
// mountpoint if still mounted, releases any bridge address allocation,
// and releases the update lock. Callers must call Cleanup when done with
// an Update session, whether or not it was applied.
func (u *Update) Cleanup() {
	u.unmountUpdateImage()

	if _, err := os.Stat(u.target); err == nil {
		if err := os.Remove(u.target); err != nil {
			log.Warnf("failed to remove update image copy %s: %v", u.target, err)
		}
	}

	if u.networkAllocated && u.allocator != nil {
		if err := u.allocator.FreeAllocationFor(u.name); err != nil {
			log.Warnf("error releasing address allocation for realmfs %q update: %v", u.realmfs.name, err)
		}
		u.networkAllocated = false
	}

	if err := u.lock.Release(); err != nil {
		log.Warnf("failed to release update lock for %q: %v", u.realmfs.name, err)
	}
}

// seal regenerates the dm-verity hashtree over the update copy with a
// fresh random salt, then signs the resulting metainfo under the
// realmfs-user keyring keypair.
func (u *Update) seal() error {
	nblocks := u.metainfoNBlocks() - 1
	if u.hasResize {
		nblocks = u.resize.NBlocks()
	}

	saltBytes := make([]byte, 32)
	if _, err := rand.Read(saltBytes); err != nil {
		return fmt.Errorf("realmfs: generate verity salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	v, err := verity.New(u.target)
	if err != nil {
		return err
	}
	out, err := v.GenerateHashtree(salt, nblocks)
	if err != nil {
		return fmt.Errorf("realmfs: seal %q: %w", u.realmfs.name, err)
	}
	rootHash, ok := out.RootHash()
	if !ok {
		return fmt.Errorf("realmfs: seal %q: no root hash returned from verity format", u.realmfs.name)
	}
	log.Infof("root hash is %s", rootHash)

	priv, err := keyring.UserPrivateKey()
	if err != nil {
		return fmt.Errorf("realmfs: seal %q: %w", u.realmfs.name, err)
	}

	log.Infof("signing new image with user realmfs keys")
	mi := GenerateMetainfo(u.realmfs.name, nblocks, salt, rootHash)
	metaRaw, err := header.EncodeMetainfo(mi)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, metaRaw)

	h, err := header.Open(u.target)
	if err != nil {
		return err
	}
	h.SetFlag(header.FlagHashTree)
	return h.UpdateMetainfo(metaRaw, sig, u.target)
}

// rotate retires the current image to a numbered backup (keeping at most
// numBackups generations) and promotes the sealed update copy to be the
// new current image.
func (u *Update) rotate() error {
	backup := func(n int) string {
		return filepath.Join(BasePath, fmt.Sprintf("%s-realmfs.img.%d", u.realmfs.name, n))
	}

	for i := numBackups - 1; i >= 1; i-- {
		from := backup(i - 1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, backup(i)); err != nil {
				return fmt.Errorf("realmfs: rotate backup %s: %w", from, err)
			}
		}
	}
	if err := os.Rename(u.realmfs.path, backup(0)); err != nil {
		return fmt.Errorf("realmfs: rotate current image %s: %w", u.realmfs.path, err)
	}
	if err := os.Rename(u.target, u.realmfs.path); err != nil {
		return fmt.Errorf("realmfs: promote update copy to %s: %w", u.realmfs.path, err)
	}
	return nil
}

func (u *Update) applyUpdate() error {
	u.unmountUpdateImage()
	if err := u.seal(); err != nil {
		return err
	}
	return u.rotate()
}

func promptYesNo(prompt string, defaultYes bool) bool {
	yn := "(y/N)"
	if defaultYes {
		yn = "(Y/n)"
	}
	fmt.Printf("%s %s : ", prompt, yn)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultYes
	}
	c := line[0]
	return c == 'y' || c == 'Y'
}

// RunInteractiveUpdate opens an interactive shell inside an ephemeral
// systemd-nspawn container mounting the update copy, then prompts
// whether to apply the changes back to the realmfs image. alloc supplies
// the bridge address for the container's network namespace.
func (u *Update) RunInteractiveUpdate(alloc AddressAllocator) error {
	u.allocator = alloc

	if err := u.setup(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Opening update shell for '%s-realmfs.img'\n", u.realmfs.name)
	fmt.Println()
	fmt.Println("Exit shell with ctrl-d or 'exit' to return to realm manager")
	fmt.Println()

	if err := u.runUpdateShell("/usr/libexec/configure-host0.sh && exec /bin/bash"); err != nil {
		u.Cleanup()
		return err
	}

	if promptYesNo("Apply changes?", true) {
		if err := u.applyUpdate(); err != nil {
			log.Warnf("failed to apply update changes: %v", err)
		}
	}

	u.Cleanup()
	return nil
}

// runUpdateShell allocates a bridge address and runs command inside a
// systemd-nspawn container rooted at the mounted update copy.
func (u *Update) runUpdateShell(command string) error {
	addr, gw, err := u.allocator.AllocateAddressFor(u.name)
	if err != nil {
		return fmt.Errorf("realmfs: allocate update network address: %w", err)
	}
	u.networkAllocated = true

	cmd := fmt.Sprintf(
		"/usr/bin/systemd-nspawn --setenv=IFCONFIG_IP=%s --setenv=IFCONFIG_GW=%s --quiet --machine=%s --directory=%s --network-zone=clear /bin/bash -c %s",
		addr, gw, u.name, u.mountpath, shellQuote(command),
	)
	if _, err := shell.ExecCmdWithStream(cmd, true, nil); err != nil {
		return fmt.Errorf("realmfs: run update shell: %w", err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
