package realmfs

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subgraph/citadel-core/internal/header"
	"github.com/subgraph/citadel-core/internal/keyring"
	"github.com/subgraph/citadel-core/internal/security"
	"github.com/subgraph/citadel-core/internal/shell"
	"github.com/subgraph/citadel-core/internal/verity"
)

// BasePath is the default directory RealmFS images are stored in and
// loaded from by name.
const BasePath = "/storage/realms/realmfs-images"

// MaxNameLen bounds a RealmFS name the same way a Realm name is bounded.
const MaxNameLen = security.MaxNameLen

// RealmFS is a loaded RealmFS image: its name, backing file path, and
// cached header. Ownership of mountpoint refcounting lives in the realm
// package's Manager, not here — RealmFS only knows how to compute its
// own canonical Mountpoint, not how many realms currently depend on it.
type RealmFS struct {
	name   string
	path   string
	header *header.Header
}

// LoadByName locates and loads the RealmFS image stored under the
// standard name convention: BasePath/<name>-realmfs.img.
func LoadByName(name string) (*RealmFS, error) {
	if !security.IsValidName(name, MaxNameLen) {
		return nil, fmt.Errorf("realmfs: invalid name %q", name)
	}
	path := ImagePath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("realmfs: no image found at %s", path)
	}
	return LoadFromPath(path)
}

// ImagePath returns the conventional path for a RealmFS image by name.
func ImagePath(name string) string {
	return filepath.Join(BasePath, name+"-realmfs.img")
}

// LoadFromPath loads and validates a RealmFS image at an exact path.
func LoadFromPath(path string) (*RealmFS, error) {
	h, err := loadRealmFSHeader(path)
	if err != nil {
		return nil, err
	}
	mi := h.Metainfo()
	return &RealmFS{name: mi.RealmFSName, path: path, header: h}, nil
}

func loadRealmFSHeader(path string) (*header.Header, error) {
	h, err := header.Open(path)
	if err != nil {
		return nil, fmt.Errorf("realmfs: %w", err)
	}
	mi := h.Metainfo()
	if mi.ImageType != header.TypeRealmFS {
		return nil, fmt.Errorf("realmfs: image file %s is not a realmfs image", path)
	}
	if mi.RealmFSName == "" {
		return nil, fmt.Errorf("realmfs: image file %s has no realmfs-name field", path)
	}
	if !security.IsValidName(mi.RealmFSName, MaxNameLen) {
		return nil, fmt.Errorf("realmfs: invalid realmfs name %q in %s", mi.RealmFSName, path)
	}
	return h, nil
}

// IsValidImage reports whether path has a header readable as a valid
// RealmFS image.
func IsValidImage(path string) bool {
	_, err := loadRealmFSHeader(path)
	return err == nil
}

// NamedImageExists reports whether a RealmFS image for name exists at
// its conventional path and passes header validation.
func NamedImageExists(name string) bool {
	if !security.IsValidName(name, MaxNameLen) {
		return false
	}
	return IsValidImage(ImagePath(name))
}

// ListNames enumerates every valid RealmFS image under BasePath by
// name, matching `realmsd/src/dbus.rs`'s `realmfs_list` (manager-held
// list of loaded RealmFS values, reduced here to names: the header of
// each `<name>-realmfs.img` file is opened to check it is a valid RealmFS
// image, and the name is taken from the filename).
func ListNames() ([]string, error) {
	entries, err := os.ReadDir(BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("realmfs: read %s: %w", BasePath, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		const suffix = "-realmfs.img"
		if !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), suffix)
		if IsValidImage(filepath.Join(BasePath, e.Name())) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Name returns the realmfs-name metainfo field of this image.
func (r *RealmFS) Name() string { return r.name }

// Path returns the path to the backing image file.
func (r *RealmFS) Path() string { return r.path }

// Header returns the image's header, reloading it from disk first if its
// mtime has changed since the last access.
func (r *RealmFS) Header() *header.Header {
	if _, err := r.header.ReloadIfStale(r.path); err != nil {
		log.Warnf("error reloading stale image header for %s: %v", r.path, err)
	}
	return r.header
}

// Mountpoint computes this RealmFS's canonical Mountpoint from its
// current name and verity tag. Because the header may have been
// reloaded with a new verity-root since the last call, callers should
// not cache the result across activity that could mutate the image.
func (r *RealmFS) Mountpoint() Mountpoint {
	mi := r.Header().Metainfo()
	return NewMountpoint(r.name, verity.Tag(mi.VerityRoot))
}

// IsUserRealmFS reports whether this image is sealed under the
// realmfs-user channel rather than a distribution channel.
func (r *RealmFS) IsUserRealmFS() bool {
	return r.Header().Metainfo().Channel == keyring.ChannelUser
}

// VerifySignature checks the image header's signature under the public
// key appropriate for its channel: the realmfs-user kernel-keyring key
// if the image is user-sealed, otherwise the channel key resolved via
// internal/keyring.
func (r *RealmFS) VerifySignature() error {
	mi := r.Header().Metainfo()

	pubkey, err := keyring.Resolve(mi.Channel)
	if err != nil {
		return fmt.Errorf("realmfs: resolve channel key for %s: %w", r.name, err)
	}
	if !r.Header().VerifySignature(pubkey) {
		return fmt.Errorf("realmfs: header signature verification failed on realmfs image %q", r.name)
	}
	log.Infof("header signature verified on realmfs image %q", r.name)
	return nil
}

// Activate brings this RealmFS's Mountpoint to the Active state.
func (r *RealmFS) Activate(nosignatures bool) error {
	return r.Mountpoint().Activate(r.path, nosignatures, r.VerifySignature)
}

// IsActivated reports whether this RealmFS's mountpoint is currently
// mounted.
func (r *RealmFS) IsActivated() bool {
	return r.Mountpoint().IsMounted()
}

// Notes returns the free-text sidecar notes file content for this
// image, if one exists.
func (r *RealmFS) Notes() (string, bool) {
	b, err := os.ReadFile(r.pathWithExtension("notes"))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// SaveNotes writes (or, if notes is empty, removes) the sidecar notes
// file for this image.
func (r *RealmFS) SaveNotes(notes string) error {
	path := r.pathWithExtension("notes")
	if notes == "" {
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		}
		return nil
	}
	return os.WriteFile(path, []byte(notes), 0644)
}

func (r *RealmFS) pathWithExtension(ext string) string {
	if filepath.Ext(r.path) == ".img" {
		return r.path + "." + ext
	}
	return pathReplaceExt(r.path, ext)
}

func pathReplaceExt(path, ext string) string {
	return path[:len(path)-len(filepath.Ext(path))] + "." + ext
}

// PathWithFilename replaces the image's filename component, keeping its
// parent directory, useful for deriving sibling paths like fork targets
// and the .update scratch file.
func (r *RealmFS) PathWithFilename(filename string) string {
	return filepath.Join(filepath.Dir(r.path), filename)
}

// Fork reflink-copies this image to a new name and re-signs it under the
// realmfs-user kernel-keyring keypair. Fails if the target name already
// exists or the user keypair is unavailable.
func (r *RealmFS) Fork(newName string) (*RealmFS, error) {
	if !security.IsValidName(newName, MaxNameLen) {
		return nil, fmt.Errorf("realmfs: invalid name %q", newName)
	}
	newPath := r.PathWithFilename(newName + "-realmfs.img")
	if _, err := os.Stat(newPath); err == nil {
		return nil, fmt.Errorf("realmfs: image for name %q already exists", newName)
	}

	priv, err := keyring.UserPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("realmfs: cannot fork, no signing keys available: %w", err)
	}

	log.Infof("forking realmfs image %q to new name %q", r.name, newName)

	forked, err := r.forkToPath(newName, newPath, priv)
	if err != nil {
		if _, statErr := os.Stat(newPath); statErr == nil {
			_ = os.Remove(newPath)
		}
		return nil, fmt.Errorf("realmfs: fork %q to %q: %w", r.name, newName, err)
	}
	return forked, nil
}

func (r *RealmFS) forkToPath(newName, newPath string, priv ed25519.PrivateKey) (*RealmFS, error) {
	if err := copyImageFile(r.path, newPath); err != nil {
		return nil, err
	}

	mi := r.Header().Metainfo()
	newMI := GenerateMetainfo(newName, mi.NBlocks, mi.VeritySalt, mi.VerityRoot)
	metaRaw, err := header.EncodeMetainfo(newMI)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, metaRaw)

	forked, err := LoadFromPath(newPath)
	if err != nil {
		return nil, err
	}
	if err := forked.header.UpdateMetainfo(metaRaw, sig, newPath); err != nil {
		return nil, err
	}
	return forked, nil
}

// GenerateMetainfo builds the TOML metainfo for a RealmFS image named
// name from the given block count and verity fields, with the channel
// always set to realmfs-user; used by Fork (new name, the source's block
// count and verity fields) and by Update's seal step.
func GenerateMetainfo(name string, nblocks uint64, veritySalt, verityRoot string) header.Metainfo {
	return header.Metainfo{
		ImageType:   header.TypeRealmFS,
		RealmFSName: name,
		NBlocks:     nblocks,
		Channel:     keyring.ChannelUser,
		VeritySalt:  veritySalt,
		VerityRoot:  verityRoot,
	}
}

// FileNBlocks returns the length, in 4096-byte blocks, of the actual
// image file on disk, erroring if it is shorter than the header claims.
func (r *RealmFS) FileNBlocks() (uint64, error) {
	fi, err := os.Stat(r.path)
	if err != nil {
		return 0, fmt.Errorf("realmfs: stat %s: %w", r.path, err)
	}
	if fi.Size()%header.Size != 0 {
		return 0, fmt.Errorf("realmfs: image %s size is not a multiple of block size", r.path)
	}
	nblocks := uint64(fi.Size()) / header.Size
	if nblocks < r.Header().Metainfo().NBlocks+1 {
		return 0, fmt.Errorf("realmfs: image %s is shorter than its header's nblocks field", r.path)
	}
	return nblocks, nil
}

// copyImageFile reflink-copies the image to a new path, failing if the
// destination already exists.
func copyImageFile(from, to string) error {
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("realmfs: cannot copy image to %s, already exists", to)
	}
	if _, err := shell.ExecCmd(fmt.Sprintf("cp --reflink=auto %s %s", from, to), true, nil); err != nil {
		return fmt.Errorf("realmfs: copy %s to %s: %w", from, to, err)
	}
	return nil
}
