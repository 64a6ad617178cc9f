package realmconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// base16Scheme is a named 16-color palette written into a realm's home
// directory so its shell/terminal profile can source it. base16.rs's
// actual color tables did not survive into the reference sources this
// package is grounded on; the small built-in set below covers the one
// scheme the installer names by default ("embers") plus one common
// alternative ("default-dark"), in the same base16 hex-digit-per-slot shape
// mod.rs's Base16Scheme type implies.
type base16Scheme struct {
	name   string
	colors [16]string
}

var schemes = map[string]base16Scheme{
	"embers": {
		name: "embers",
		colors: [16]string{
			"16161d", "832e3b", "a57563", "c6908a", "887a74", "2c2b2d", "31292c", "6f6866",
			"757065", "832e3b", "919ed6", "c6908a", "977c98", "775c86", "8a8587", "b3a3ad",
		},
	},
	"default-dark": {
		name: "default-dark",
		colors: [16]string{
			"181818", "ac4142", "90a959", "f4bf75", "6a9fb5", "aa759f", "75b5aa", "d8d8d8",
			"6b6b6b", "ac4142", "90a959", "f4bf75", "6a9fb5", "aa759f", "75b5aa", "f8f8f8",
		},
	},
}

// SchemeByName returns the scheme named by slug, and whether it exists.
func SchemeByName(slug string) (name string, ok bool) {
	s, ok := schemes[slug]
	return s.name, ok
}

// WriteTerminalScheme writes the base16 palette named by scheme into
// home as a shell-sourceable `.base16_theme` file (`export COLOR00=...`,
// one slot per line), mirroring `Base16Scheme::write_realm_files`'s role
// of dropping per-realm files a shell profile can source at login. An
// unknown scheme name is a warning, not an error: realm creation still
// proceeds without terminal colors.
func WriteTerminalScheme(home, scheme string) error {
	s, ok := schemes[scheme]
	if !ok {
		log.Warnf("realmconfig: unknown terminal scheme %q, skipping", scheme)
		return nil
	}

	var b strings.Builder
	for i, hex := range s.colors {
		fmt.Fprintf(&b, "export COLOR%02d='%s'\n", i, hex)
	}
	path := filepath.Join(home, ".base16_theme")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("realmconfig: write %s: %w", path, err)
	}
	return nil
}
