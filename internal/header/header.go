// Package header implements Citadel's signed image header: a fixed
// 4096-byte block prepended to every rootfs, kernel, extra, and RealmFS
// image. It carries a magic, a flag word, length-prefixed metainfo, and a
// detached signature over that metainfo. Everything downstream — Verity,
// RealmFS, the provisioner's image-install step — opens one of these
// before touching the image body.
package header

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// Size is the fixed on-disk size of a header block.
	Size = 4096

	magicLen    = 4
	flagsLen    = 4
	lengthLen   = 4
	metaOffset  = magicLen + flagsLen + lengthLen
	sigLen      = ed25519.SignatureSize
	maxMetaSize = Size - metaOffset - sigLen

	// FlagHashTree marks that a dm-verity hashtree has been appended
	// after the image's data blocks.
	FlagHashTree uint32 = 1 << 0
)

// Magic identifies a Citadel image header.
var Magic = [magicLen]byte{'C', 'T', 'D', 'L'}

// Image type values carried in metainfo's image-type field.
const (
	TypeRootfs  = "rootfs"
	TypeRealmFS = "realmfs"
	TypeKernel  = "kernel"
	TypeExtra   = "extra"
)

// Metainfo is the TOML-like key/value payload signed by the channel key.
type Metainfo struct {
	ImageType   string `toml:"image-type"`
	Channel     string `toml:"channel"`
	NBlocks     uint64 `toml:"nblocks"`
	VeritySalt  string `toml:"verity-salt"`
	VerityRoot  string `toml:"verity-root"`
	RealmFSName string `toml:"realmfs-name,omitempty"`
}

// Header is a parsed, cached image header. Reads that need freshness go
// through ReloadIfStale, which performs a single stat+reload swap instead
// of re-parsing on every access.
type Header struct {
	mu sync.Mutex

	flags     uint32
	metaRaw   []byte
	metainfo  Metainfo
	signature []byte
	modTime   time.Time
}

// Open reads and parses the header block at the start of path. It does not
// validate the signature or the on-disk size against nblocks; call
// VerifySignature and Validate separately.
func Open(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("header: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, Size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("header: read %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("header: stat %s: %w", path, err)
	}

	h, err := parse(buf)
	if err != nil {
		return nil, fmt.Errorf("header: %s: %w", path, err)
	}
	h.modTime = st.ModTime()
	return h, nil
}

func parse(buf []byte) (*Header, error) {
	if len(buf) != Size {
		return nil, fmt.Errorf("short header: %d bytes", len(buf))
	}
	if !bytes.Equal(buf[:magicLen], Magic[:]) {
		return nil, fmt.Errorf("bad magic %x", buf[:magicLen])
	}

	flags := binary.LittleEndian.Uint32(buf[magicLen : magicLen+flagsLen])
	metaLen := binary.LittleEndian.Uint32(buf[magicLen+flagsLen : metaOffset])
	if int(metaLen) > maxMetaSize {
		return nil, fmt.Errorf("metainfo length %d exceeds maximum %d", metaLen, maxMetaSize)
	}

	metaRaw := make([]byte, metaLen)
	copy(metaRaw, buf[metaOffset:metaOffset+int(metaLen)])

	sig := make([]byte, sigLen)
	copy(sig, buf[metaOffset+int(metaLen):metaOffset+int(metaLen)+sigLen])

	var mi Metainfo
	if err := toml.Unmarshal(metaRaw, &mi); err != nil {
		return nil, fmt.Errorf("parse metainfo: %w", err)
	}

	return &Header{
		flags:     flags,
		metaRaw:   metaRaw,
		metainfo:  mi,
		signature: sig,
	}, nil
}

// HasFlag reports whether f is set in the header's flag word.
func (h *Header) HasFlag(f uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flags&f != 0
}

// SetFlag sets f in the header's in-memory flag word. Callers must persist
// the change with UpdateMetainfo (or a dedicated rewrite) for it to survive.
func (h *Header) SetFlag(f uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flags |= f
}

// Metainfo returns a copy of the parsed metainfo.
func (h *Header) Metainfo() Metainfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metainfo
}

// VerifySignature reports whether the header's signature verifies over its
// raw metainfo bytes under pub.
func (h *Header) VerifySignature(pub ed25519.PublicKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ed25519.Verify(pub, h.metaRaw, h.signature)
}

// Validate checks that fileSize is consistent with the header's nblocks
// and hashtree flag: exactly (nblocks+1)*Size for an unsealed image, or
// larger (by however many hashtree pages were appended) when
// FlagHashTree is set.
func (h *Header) Validate(fileSize int64) error {
	h.mu.Lock()
	expected := (int64(h.metainfo.NBlocks) + 1) * Size
	sealed := h.flags&FlagHashTree != 0
	h.mu.Unlock()

	if sealed {
		if fileSize <= expected {
			return fmt.Errorf("sealed image size %d not larger than data size %d", fileSize, expected)
		}
		return nil
	}
	if fileSize != expected {
		return fmt.Errorf("image size %d does not match nblocks (expected %d)", fileSize, expected)
	}
	return nil
}

// UpdateMetainfo writes a new header block to path, replacing the
// metainfo and signature but preserving every byte beyond Size — the
// image body and any appended hashtree are untouched. The target is
// always the image file itself, never a mountpoint path.
func (h *Header) UpdateMetainfo(metaRaw, signature []byte, path string) error {
	if len(metaRaw) > maxMetaSize {
		return fmt.Errorf("header: metainfo length %d exceeds maximum %d", len(metaRaw), maxMetaSize)
	}
	if len(signature) != sigLen {
		return fmt.Errorf("header: signature length %d, want %d", len(signature), sigLen)
	}

	var mi Metainfo
	if err := toml.Unmarshal(metaRaw, &mi); err != nil {
		return fmt.Errorf("header: parse new metainfo: %w", err)
	}

	buf := make([]byte, Size)
	copy(buf[:magicLen], Magic[:])

	h.mu.Lock()
	binary.LittleEndian.PutUint32(buf[magicLen:magicLen+flagsLen], h.flags)
	h.mu.Unlock()

	binary.LittleEndian.PutUint32(buf[magicLen+flagsLen:metaOffset], uint32(len(metaRaw)))
	copy(buf[metaOffset:], metaRaw)
	copy(buf[metaOffset+len(metaRaw):], signature)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("header: open %s for write: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("header: write %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("header: stat %s: %w", path, err)
	}

	h.mu.Lock()
	h.metaRaw = append([]byte(nil), metaRaw...)
	h.metainfo = mi
	h.signature = append([]byte(nil), signature...)
	h.modTime = st.ModTime()
	h.mu.Unlock()

	return nil
}

// ReloadIfStale re-reads the header from path if its mtime has changed
// since the last load, reporting whether the metainfo bytes differ from
// what was cached. Safe to call from multiple goroutines.
func (h *Header) ReloadIfStale(path string) (bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("header: stat %s: %w", path, err)
	}

	h.mu.Lock()
	unchanged := st.ModTime().Equal(h.modTime)
	h.mu.Unlock()
	if unchanged {
		return false, nil
	}

	fresh, err := Open(path)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	changed := !bytes.Equal(fresh.metaRaw, h.metaRaw)
	h.flags = fresh.flags
	h.metaRaw = fresh.metaRaw
	h.metainfo = fresh.metainfo
	h.signature = fresh.signature
	h.modTime = fresh.modTime
	h.mu.Unlock()

	return changed, nil
}

// EncodeMetainfo renders mi as the TOML-like bytes stored in a header.
func EncodeMetainfo(mi Metainfo) ([]byte, error) {
	b, err := toml.Marshal(mi)
	if err != nil {
		return nil, fmt.Errorf("header: encode metainfo: %w", err)
	}
	return b, nil
}
