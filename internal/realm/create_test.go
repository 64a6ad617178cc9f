package realm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathHelpers(t *testing.T) {
	if got, want := dirName("main"), "realm-main"; got != want {
		t.Errorf("dirName = %q, want %q", got, want)
	}
	if got, want := BasePathFor("main"), filepath.Join(BasePath, "realm-main"); got != want {
		t.Errorf("BasePathFor = %q, want %q", got, want)
	}
	if got, want := TempBasePath("main"), filepath.Join(BasePath, ".tmp", "realm-main"); got != want {
		t.Errorf("TempBasePath = %q, want %q", got, want)
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "nested.txt"), []byte("world"), 0644); err != nil {
		t.Fatalf("write nested file: %v", err)
	}

	if err := copyTree(src, dst); err != nil {
		t.Fatalf("copyTree: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	if err != nil || string(got) != "hello" {
		t.Errorf("file.txt = %q, %v, want hello, nil", got, err)
	}
	got2, err := os.ReadFile(filepath.Join(dst, "sub", "nested.txt"))
	if err != nil || string(got2) != "world" {
		t.Errorf("sub/nested.txt = %q, %v, want world, nil", got2, err)
	}
}
