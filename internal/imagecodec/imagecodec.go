// Package imagecodec handles the two compression concerns around
// Citadel images that live outside the signed header/verity pipeline:
// decompressing an xz-compressed image artifact in place after it has
// been sparse-copied into the storage tree, and producing a fast,
// non-cryptographic checksum of an image while it is staged, so a
// corrupted transfer can be caught before the slow decompress/verity
// steps run.
package imagecodec

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/ulikunitz/xz"
)

var log = logger.Logger()

// xzMagic is the 6-byte stream header every xz file starts with.
var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// IsXZCompressed reports whether the file at path begins with the xz
// stream magic.
func IsXZCompressed(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("imagecodec: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, len(xzMagic))
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("imagecodec: read magic of %s: %w", path, err)
	}
	return n == len(xzMagic) && bytes.Equal(buf, xzMagic), nil
}

// DecompressInPlace replaces the xz-compressed artifact at path with its
// decompressed contents, matching `citadel-image decompress`'s
// behavior: the caller names the final, uncompressed filename
// (`base-realmfs.img`, not `base-realmfs.img.xz`) even though the bytes
// shipped under that name are still xz-compressed. A file that is
// already plain (no xz magic) is left untouched — decompression is
// idempotent so a restarted install step can call it unconditionally.
func DecompressInPlace(path string) error {
	compressed, err := IsXZCompressed(path)
	if err != nil {
		return err
	}
	if !compressed {
		return nil
	}

	log.Infof("imagecodec: decompressing %s in place", path)

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("imagecodec: open %s: %w", path, err)
	}
	defer src.Close()

	r, err := xz.NewReader(src)
	if err != nil {
		return fmt.Errorf("imagecodec: create xz reader for %s: %w", path, err)
	}

	tmp := path + ".decompress.tmp"
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("imagecodec: create %s: %w", tmp, err)
	}

	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("imagecodec: decompress %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("imagecodec: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("imagecodec: replace %s with decompressed contents: %w", path, err)
	}
	return nil
}

// CompressToXZ writes an xz-compressed copy of src to dst, used by
// `cmd/citadel-image`'s compress verb to produce the artifacts the
// provisioner later decompresses in place.
func CompressToXZ(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("imagecodec: open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("imagecodec: create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("imagecodec: create %s: %w", dst, err)
	}
	defer out.Close()

	w, err := xz.NewWriter(out)
	if err != nil {
		return fmt.Errorf("imagecodec: create xz writer for %s: %w", dst, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("imagecodec: compress %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("imagecodec: finish xz stream for %s: %w", dst, err)
	}
	return nil
}

// StagingChecksum runs path's contents through a fast zstd encoder and
// returns the CRC-32 of the compressed output as a cheap, order- and
// truncation-sensitive fingerprint of a staged artifact. It is not a
// cryptographic digest — signature verification on the decompressed
// image is what actually authenticates an artifact — this only lets a
// staging step notice a truncated or corrupted copy before spending
// time on the real xz decompress and verity setup.
func StagingChecksum(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("imagecodec: open %s: %w", path, err)
	}
	defer f.Close()

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return 0, fmt.Errorf("imagecodec: create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, f); err != nil {
		enc.Close()
		return 0, fmt.Errorf("imagecodec: staging checksum of %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("imagecodec: finish zstd stream for %s: %w", path, err)
	}

	return crc32.ChecksumIEEE(compressed.Bytes()), nil
}
