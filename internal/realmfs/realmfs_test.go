package realmfs

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/subgraph/citadel-core/internal/header"
)

func writeTestRealmFSImage(t *testing.T, path, name string) ed25519.PublicKey {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	mi := GenerateMetainfo(name, 1, "deadbeef", "cafebabe")
	mi.Channel = "dev"
	metaRaw, err := header.EncodeMetainfo(mi)
	if err != nil {
		t.Fatalf("encode metainfo: %v", err)
	}
	sig := ed25519.Sign(priv, metaRaw)

	buf := make([]byte, header.Size)
	copy(buf[:4], header.Magic[:])
	binaryPutUint32(buf[8:12], uint32(len(metaRaw)))
	copy(buf[12:], metaRaw)
	copy(buf[12+len(metaRaw):], sig)

	body := make([]byte, header.Size*2)
	copy(body, buf)

	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return pub
}

func binaryPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main-realmfs.img")
	writeTestRealmFSImage(t, path, "main")

	r, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if r.Name() != "main" {
		t.Fatalf("Name() = %q, want main", r.Name())
	}
	if r.Path() != path {
		t.Fatalf("Path() = %q, want %q", r.Path(), path)
	}
}

func TestIsValidImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main-realmfs.img")
	writeTestRealmFSImage(t, path, "main")

	if !IsValidImage(path) {
		t.Error("expected valid realmfs image to be recognized")
	}

	badPath := filepath.Join(dir, "bad.img")
	if err := os.WriteFile(badPath, make([]byte, header.Size), 0644); err != nil {
		t.Fatalf("write bad image: %v", err)
	}
	if IsValidImage(badPath) {
		t.Error("expected zeroed file to fail validation")
	}
}

func TestNotesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main-realmfs.img")
	writeTestRealmFSImage(t, path, "main")

	r, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if _, ok := r.Notes(); ok {
		t.Error("expected no notes initially")
	}

	if err := r.SaveNotes("hello"); err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}
	notes, ok := r.Notes()
	if !ok || notes != "hello" {
		t.Fatalf("Notes() = (%q, %v), want (hello, true)", notes, ok)
	}

	if err := r.SaveNotes(""); err != nil {
		t.Fatalf("SaveNotes(empty): %v", err)
	}
	if _, ok := r.Notes(); ok {
		t.Error("expected notes to be removed after clearing")
	}
}

func TestPathWithFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main-realmfs.img")
	writeTestRealmFSImage(t, path, "main")

	r, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	got := r.PathWithFilename("other-realmfs.img")
	want := filepath.Join(dir, "other-realmfs.img")
	if got != want {
		t.Fatalf("PathWithFilename = %q, want %q", got, want)
	}
}

func TestGenerateMetainfo(t *testing.T) {
	mi := GenerateMetainfo("main", 10, "salt", "root")
	if mi.ImageType != header.TypeRealmFS {
		t.Errorf("ImageType = %q, want %q", mi.ImageType, header.TypeRealmFS)
	}
	if mi.RealmFSName != "main" || mi.NBlocks != 10 {
		t.Errorf("unexpected metainfo: %+v", mi)
	}
	if mi.Channel != "realmfs-user" {
		t.Errorf("Channel = %q, want realmfs-user", mi.Channel)
	}
}

func TestImagePath(t *testing.T) {
	got := ImagePath("main")
	want := filepath.Join(BasePath, "main-realmfs.img")
	if got != want {
		t.Fatalf("ImagePath = %q, want %q", got, want)
	}
}
