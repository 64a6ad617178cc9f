package realm

import "testing"

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{ReservedIP: 0, Overlay: OverlayNone}, false},
		{Config{ReservedIP: 254, Overlay: OverlayTmpFS}, false},
		{Config{ReservedIP: 255}, true},
		{Config{ReservedIP: -1}, true},
		{Config{Overlay: "bogus"}, true},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if c.wantErr && err == nil {
			t.Errorf("Validate(%+v): expected error, got nil", c.cfg)
		}
		if !c.wantErr && err != nil {
			t.Errorf("Validate(%+v): unexpected error: %v", c.cfg, err)
		}
	}
}

func TestConfigMergeDefaults(t *testing.T) {
	def := Config{Overlay: OverlayTmpFS, RealmFS: "main", TerminalScheme: "dark"}
	c := Config{}

	merged := c.MergeDefaults(def)
	if merged.Overlay != OverlayTmpFS || merged.RealmFS != "main" || merged.TerminalScheme != "dark" {
		t.Errorf("merged = %+v, want defaults applied", merged)
	}

	c2 := Config{Overlay: OverlayStorage, RealmFS: "custom"}
	merged2 := c2.MergeDefaults(def)
	if merged2.Overlay != OverlayStorage || merged2.RealmFS != "custom" {
		t.Errorf("merged2 = %+v, want explicit values preserved", merged2)
	}
	if merged2.TerminalScheme != "dark" {
		t.Errorf("merged2.TerminalScheme = %q, want dark (defaulted)", merged2.TerminalScheme)
	}
}

func TestEncodeDecodeConfig(t *testing.T) {
	cfg := Config{
		UseNetwork:   true,
		Overlay:      OverlayStorage,
		RealmFS:      "main",
		RealmDepends: []string{"apt-cacher"},
		ReservedIP:   42,
	}

	raw, err := EncodeConfig(cfg)
	if err != nil {
		t.Fatalf("EncodeConfig: %v", err)
	}
	got, err := DecodeConfig(raw)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if got.UseNetwork != cfg.UseNetwork || got.Overlay != cfg.Overlay || got.RealmFS != cfg.RealmFS || got.ReservedIP != cfg.ReservedIP {
		t.Errorf("round-tripped config = %+v, want %+v", got, cfg)
	}
	if len(got.RealmDepends) != 1 || got.RealmDepends[0] != "apt-cacher" {
		t.Errorf("RealmDepends = %v, want [apt-cacher]", got.RealmDepends)
	}
}
