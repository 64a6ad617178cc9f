package verity

import "testing"

func TestParseVeritysetupOutput(t *testing.T) {
	text := "VERITY header information for image\n" +
		"UUID:            \tNone\n" +
		"Hash type:       \t1\n" +
		"Data blocks:     \t1024\n" +
		"Salt:            \tabcdef\n" +
		"Root hash:       \t0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef\n"

	out := ParseVeritysetupOutput(text)

	root, ok := out.RootHash()
	if !ok || root != "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" {
		t.Fatalf("RootHash() = %q, %v", root, ok)
	}
	salt, ok := out.Salt()
	if !ok || salt != "abcdef" {
		t.Fatalf("Salt() = %q, %v", salt, ok)
	}
	blocks, ok := out.DataBlocks()
	if !ok || blocks != 1024 {
		t.Fatalf("DataBlocks() = %d, %v", blocks, ok)
	}
}

func TestTag(t *testing.T) {
	root := "0123456789abcdef0123456789abcdef"
	if got, want := Tag(root), "0123456789abcdef"; got != want {
		t.Fatalf("Tag() = %q, want %q", got, want)
	}
	if got, want := Tag("short"), "short"; got != want {
		t.Fatalf("Tag(short) = %q, want %q", got, want)
	}
}
