package imagecodec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

func writeXZFile(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestIsXZCompressed(t *testing.T) {
	dir := t.TempDir()
	xzPath := filepath.Join(dir, "a.img")
	writeXZFile(t, xzPath, []byte("hello image bytes"))

	ok, err := IsXZCompressed(xzPath)
	if err != nil {
		t.Fatalf("IsXZCompressed: %v", err)
	}
	if !ok {
		t.Error("expected xz file to be detected")
	}

	plainPath := filepath.Join(dir, "b.img")
	if err := os.WriteFile(plainPath, []byte("not compressed"), 0644); err != nil {
		t.Fatal(err)
	}
	ok, err = IsXZCompressed(plainPath)
	if err != nil {
		t.Fatalf("IsXZCompressed: %v", err)
	}
	if ok {
		t.Error("expected plain file to not be detected as xz")
	}
}

func TestDecompressInPlaceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base-realmfs.img")
	want := []byte("this is the decompressed image body")
	writeXZFile(t, path, want)

	if err := DecompressInPlace(path); err != nil {
		t.Fatalf("DecompressInPlace: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDecompressInPlaceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "already-plain.img")
	want := []byte("never compressed")
	if err := os.WriteFile(path, want, 0644); err != nil {
		t.Fatal(err)
	}

	if err := DecompressInPlace(path); err != nil {
		t.Fatalf("DecompressInPlace on plain file: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q unchanged", got, want)
	}
}

func TestCompressToXZThenDecompressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	want := []byte("round trip through compress and decompress")
	if err := os.WriteFile(src, want, 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "out", "src.img.xz")
	if err := CompressToXZ(src, dst); err != nil {
		t.Fatalf("CompressToXZ: %v", err)
	}
	if err := DecompressInPlace(dst); err != nil {
		t.Fatalf("DecompressInPlace: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStagingChecksumDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.img")
	b := filepath.Join(dir, "b.img")
	if err := os.WriteFile(a, []byte("identical content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("identical content!"), 0644); err != nil {
		t.Fatal(err)
	}

	csA, err := StagingChecksum(a)
	if err != nil {
		t.Fatalf("StagingChecksum a: %v", err)
	}
	csB, err := StagingChecksum(b)
	if err != nil {
		t.Fatalf("StagingChecksum b: %v", err)
	}
	if csA == csB {
		t.Error("expected different checksums for different content")
	}

	csA2, err := StagingChecksum(a)
	if err != nil {
		t.Fatalf("StagingChecksum a again: %v", err)
	}
	if csA != csA2 {
		t.Error("expected stable checksum for identical content")
	}
}
