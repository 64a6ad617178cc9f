package realmconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/subgraph/citadel-core/internal/realm"
)

func TestSaveLoadGlobal(t *testing.T) {
	dir := t.TempDir()
	cfg := GlobalDefaultsFor(false)
	if err := SaveGlobal(dir, cfg); err != nil {
		t.Fatalf("SaveGlobal: %v", err)
	}
	got, err := LoadGlobal(dir)
	if err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	if got.RealmFS != "main" || len(got.RealmDepends) != 1 || got.RealmDepends[0] != "apt-cacher" {
		t.Errorf("got %+v", got)
	}
}

func TestGlobalDefaultsForLive(t *testing.T) {
	cfg := GlobalDefaultsFor(true)
	if cfg.RealmFS != "base" || cfg.Overlay != realm.OverlayTmpFS {
		t.Errorf("live defaults = %+v", cfg)
	}
}

func TestLoadMissingGlobalIsZeroValue(t *testing.T) {
	cfg, err := LoadGlobal(t.TempDir())
	if err != nil {
		t.Fatalf("LoadGlobal missing: %v", err)
	}
	if !reflect.DeepEqual(cfg, realm.Config{}) {
		t.Errorf("got %+v, want zero value", cfg)
	}
}

func TestAptCacherConfigReservedIP(t *testing.T) {
	cfg := AptCacherConfig()
	if cfg.ReservedIP != 213 || !cfg.SystemRealm {
		t.Errorf("got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("AptCacherConfig should validate: %v", err)
	}
}

func TestCreateLock(t *testing.T) {
	dir := t.TempDir()
	if err := CreateLock(dir); err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".realmlock")); err != nil {
		t.Errorf(".realmlock not created: %v", err)
	}
}

func TestWriteTerminalScheme(t *testing.T) {
	dir := t.TempDir()
	if err := WriteTerminalScheme(dir, "embers"); err != nil {
		t.Fatalf("WriteTerminalScheme: %v", err)
	}
	if _, ok := SchemeByName("embers"); !ok {
		t.Errorf("expected embers scheme to be known")
	}
	if _, ok := SchemeByName("nonexistent"); ok {
		t.Errorf("expected nonexistent scheme to be unknown")
	}
}

func TestWriteTerminalSchemeUnknownIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	if err := WriteTerminalScheme(dir, "nonexistent-scheme"); err != nil {
		t.Errorf("unknown scheme should not error, got %v", err)
	}
}

func TestValidateSchemaRejectsUnknownField(t *testing.T) {
	err := ValidateSchema(map[string]any{"not-a-real-field": true})
	if err == nil {
		t.Fatal("expected schema validation to reject unknown field")
	}
}

func TestValidateSchemaAcceptsKnownFields(t *testing.T) {
	err := ValidateSchema(map[string]any{
		"use-gpu":     true,
		"overlay":     "tmpfs",
		"reserved-ip": 213,
	})
	if err != nil {
		t.Errorf("expected valid config to pass schema validation, got %v", err)
	}
}

func TestValidateSchemaRejectsOutOfRangeReservedIP(t *testing.T) {
	err := ValidateSchema(map[string]any{"reserved-ip": 999})
	if err == nil {
		t.Fatal("expected schema validation to reject reserved-ip out of range")
	}
}
