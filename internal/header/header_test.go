package header

import (
	"crypto/ed25519"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeTestImage(t *testing.T, mi Metainfo, priv ed25519.PrivateKey, nBodyBlocks int) string {
	t.Helper()

	metaRaw, err := EncodeMetainfo(mi)
	if err != nil {
		t.Fatalf("encode metainfo: %v", err)
	}
	sig := ed25519.Sign(priv, metaRaw)

	buf := make([]byte, Size)
	copy(buf[:magicLen], Magic[:])
	binary.LittleEndian.PutUint32(buf[magicLen+flagsLen:metaOffset], uint32(len(metaRaw)))
	copy(buf[metaOffset:], metaRaw)
	copy(buf[metaOffset+len(metaRaw):], sig)

	path := filepath.Join(t.TempDir(), "image.img")
	body := make([]byte, Size*nBodyBlocks)
	if err := os.WriteFile(path, append(buf, body...), 0644); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}

func TestOpenAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	mi := Metainfo{
		ImageType:  TypeRealmFS,
		Channel:    "dev",
		NBlocks:    2,
		VeritySalt: "aa",
		VerityRoot: "bb",
	}
	path := writeTestImage(t, mi, priv, 2)

	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !h.VerifySignature(pub) {
		t.Fatal("expected signature to verify")
	}
	if got := h.Metainfo().ImageType; got != TypeRealmFS {
		t.Fatalf("ImageType = %q, want %q", got, TypeRealmFS)
	}
	if err := h.Validate(int64((mi.NBlocks + 1) * Size)); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	if h.VerifySignature(otherPub) {
		t.Fatal("expected signature to fail under wrong key")
	}
}

func TestValidateHashTree(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	mi := Metainfo{ImageType: TypeRootfs, Channel: "dev", NBlocks: 1}
	path := writeTestImage(t, mi, priv, 1)

	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	unsealed := int64((mi.NBlocks + 1) * Size)
	if err := h.Validate(unsealed); err != nil {
		t.Fatalf("Validate unsealed: %v", err)
	}
	if err := h.Validate(unsealed + 1); err == nil {
		t.Fatal("expected mismatch error for unsealed image with extra bytes")
	}

	h.SetFlag(FlagHashTree)
	if err := h.Validate(unsealed + Size); err != nil {
		t.Fatalf("Validate sealed with hashtree pages: %v", err)
	}
	if err := h.Validate(unsealed); err == nil {
		t.Fatal("expected error when sealed image has no extra hashtree bytes")
	}
}

func TestUpdateMetainfoAndReload(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	mi := Metainfo{ImageType: TypeRealmFS, Channel: "dev", NBlocks: 1, RealmFSName: "main"}
	path := writeTestImage(t, mi, priv, 1)

	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	newMi := mi
	newMi.RealmFSName = "work"
	newMetaRaw, err := EncodeMetainfo(newMi)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	newSig := ed25519.Sign(priv, newMetaRaw)

	if err := h.UpdateMetainfo(newMetaRaw, newSig, path); err != nil {
		t.Fatalf("UpdateMetainfo: %v", err)
	}
	if got := h.Metainfo().RealmFSName; got != "work" {
		t.Fatalf("RealmFSName = %q, want work", got)
	}

	fresh, err := Open(path)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if got := fresh.Metainfo().RealmFSName; got != "work" {
		t.Fatalf("reopened RealmFSName = %q, want work", got)
	}

	changed, err := h.ReloadIfStale(path)
	if err != nil {
		t.Fatalf("ReloadIfStale: %v", err)
	}
	if changed {
		t.Fatal("expected no change: header already reflects the write it made")
	}
}
