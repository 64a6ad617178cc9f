// Package realm implements realm creation/destruction, the tmpfs/btrfs
// overlay that sits over a RealmFS mountpoint, and the start/stop
// lifecycle that spawns a realm's systemd-nspawn container.
package realm

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/subgraph/citadel-core/internal/logger"
)

var log = logger.Logger()

// OverlayKind selects what, if anything, sits above a realm's read-only
// RealmFS mountpoint.
type OverlayKind string

const (
	OverlayNone    OverlayKind = "none"
	OverlayTmpFS   OverlayKind = "tmpfs"
	OverlayStorage OverlayKind = "storage"
)

// Config holds one realm's per-realm options, the same shape as a
// `config` TOML file under its realm directory. internal/realmconfig
// owns loading and saving these files; Config is the plain value type
// both it and internal/realm operate on.
type Config struct {
	UseGPU            bool        `toml:"use-gpu,omitempty"`
	UseWayland        bool        `toml:"use-wayland,omitempty"`
	UseX11            bool        `toml:"use-x11,omitempty"`
	UseSound          bool        `toml:"use-sound,omitempty"`
	UseSharedDir      bool        `toml:"use-shared-dir,omitempty"`
	UseNetwork        bool        `toml:"use-network,omitempty"`
	UseKVM            bool        `toml:"use-kvm,omitempty"`
	UseEphemeralHome  bool        `toml:"use-ephemeral-home,omitempty"`
	Overlay           OverlayKind `toml:"overlay,omitempty"`
	RealmFS           string      `toml:"realmfs,omitempty"`
	TerminalScheme    string      `toml:"terminal-scheme,omitempty"`
	RealmDepends      []string    `toml:"realm-depends,omitempty"`
	SystemRealm       bool        `toml:"system-realm,omitempty"`
	ReservedIP        int         `toml:"reserved-ip,omitempty"`
	ExtraBindmountsRO []string    `toml:"extra-bindmounts-ro,omitempty"`
}

// DefaultConfig returns the zero-value config with the defaults the
// original implementation ships: no overlay beyond none, realmfs "main".
func DefaultConfig() Config {
	return Config{
		Overlay: OverlayNone,
		RealmFS: "main",
	}
}

// MergeDefaults fills any zero-valued field of c from def, the global
// `/storage/realms/config` defaults. Bool fields are left as-is since
// Go cannot distinguish "unset" from "false" for them without a pointer
// type the rest of this domain doesn't need; only the fields that have
// a meaningful zero value are defaulted.
func (c Config) MergeDefaults(def Config) Config {
	if c.Overlay == "" {
		c.Overlay = def.Overlay
	}
	if c.RealmFS == "" {
		c.RealmFS = def.RealmFS
	}
	if c.TerminalScheme == "" {
		c.TerminalScheme = def.TerminalScheme
	}
	if len(c.RealmDepends) == 0 {
		c.RealmDepends = def.RealmDepends
	}
	if len(c.ExtraBindmountsRO) == 0 {
		c.ExtraBindmountsRO = def.ExtraBindmountsRO
	}
	return c
}

// Validate checks that c's reserved-ip and overlay fields hold values
// that make sense, matching the data model's 0..=254 bound on
// reserved-ip and closed enum on overlay.
func (c Config) Validate() error {
	if c.ReservedIP < 0 || c.ReservedIP > 254 {
		return fmt.Errorf("realm: reserved-ip %d out of range 0..=254", c.ReservedIP)
	}
	switch c.Overlay {
	case "", OverlayNone, OverlayTmpFS, OverlayStorage:
	default:
		return fmt.Errorf("realm: invalid overlay kind %q", c.Overlay)
	}
	return nil
}

// EncodeConfig renders c as the TOML bytes written to a realm's config
// file.
func EncodeConfig(c Config) ([]byte, error) {
	b, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("realm: encode config: %w", err)
	}
	return b, nil
}

// DecodeConfig parses the TOML bytes of a realm's config file.
func DecodeConfig(b []byte) (Config, error) {
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("realm: decode config: %w", err)
	}
	return c, nil
}
