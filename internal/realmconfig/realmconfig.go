// Package realmconfig owns reading and writing the TOML config files that
// live under a realm's directory and the global `/storage/realms/config`
// defaults file, plus the fixed-content config files the provisioner
// stamps out for the built-in main and apt-cacher realms.
//
// internal/realm defines the Config value type and its TOML codec;
// this package decides where those bytes live on disk and what the
// built-in realms' files actually say.
package realmconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/subgraph/citadel-core/internal/realm"
)

var log = logger.Logger()

// GlobalConfigPath is the global realm-defaults file under a mounted
// storage volume.
func GlobalConfigPath(storageRoot string) string {
	return filepath.Join(storageRoot, "realms", "config")
}

// RealmConfigPath is the per-realm config file inside a realm's own
// directory.
func RealmConfigPath(realmDir string) string {
	return filepath.Join(realmDir, "config")
}

// LoadGlobal reads and decodes the global realm-defaults file. A missing
// file is not an error: it simply yields the zero Config, so callers can
// MergeDefaults against it unconditionally.
func LoadGlobal(storageRoot string) (realm.Config, error) {
	return loadConfig(GlobalConfigPath(storageRoot))
}

// LoadRealmConfig reads and decodes the per-realm config file under
// realmDir.
func LoadRealmConfig(realmDir string) (realm.Config, error) {
	return loadConfig(RealmConfigPath(realmDir))
}

func loadConfig(path string) (realm.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return realm.Config{}, nil
		}
		return realm.Config{}, fmt.Errorf("realmconfig: read %s: %w", path, err)
	}
	cfg, err := realm.DecodeConfig(data)
	if err != nil {
		return realm.Config{}, fmt.Errorf("realmconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// SaveGlobal writes cfg to the global realm-defaults file.
func SaveGlobal(storageRoot string, cfg realm.Config) error {
	return saveConfig(GlobalConfigPath(storageRoot), cfg)
}

// SaveRealmConfig writes cfg to realmDir's config file.
func SaveRealmConfig(realmDir string, cfg realm.Config) error {
	return saveConfig(RealmConfigPath(realmDir), cfg)
}

func saveConfig(path string, cfg realm.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("realmconfig: %s: %w", path, err)
	}
	data, err := realm.EncodeConfig(cfg)
	if err != nil {
		return fmt.Errorf("realmconfig: %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("realmconfig: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("realmconfig: write %s: %w", path, err)
	}
	return nil
}

// MainRealmDependsOn is the realm the installer-written global config
// always lists as a dependency of every realm, matching the original's
// fixed GLOBAL_REALM_CONFIG/LIVE_REALM_CONFIG constants.
const MainRealmDependsOn = "apt-cacher"

// GlobalDefaultsFor returns the installer-time global `realms/config`
// contents: realmfs "main" for a normal install, "base" with a tmpfs
// overlay for LiveSetup, both depending on the apt-cacher realm.
func GlobalDefaultsFor(live bool) realm.Config {
	cfg := realm.Config{
		RealmFS:      "main",
		RealmDepends: []string{MainRealmDependsOn},
	}
	if live {
		cfg.RealmFS = "base"
		cfg.Overlay = realm.OverlayTmpFS
	}
	return cfg
}

// AptCacherConfig is the fixed config the provisioner writes for the
// built-in apt-cacher system realm: a headless, network-isolated realm
// pinned to reserved IP 213 with read-only access to the host's
// apt-cacher-ng data directory.
func AptCacherConfig() realm.Config {
	return realm.Config{
		UseSharedDir:      false,
		UseSound:          false,
		UseX11:            false,
		UseWayland:        false,
		SystemRealm:       true,
		ReservedIP:        213,
		ExtraBindmountsRO: []string{"/usr/share/apt-cacher-ng"},
	}
}

// MainRealmConfig is the config the provisioner writes for the main
// realm, naming the base16 terminal scheme its home directory was seeded
// with.
func MainRealmConfig(scheme string) realm.Config {
	return realm.Config{TerminalScheme: scheme}
}

// EnsureSharedDir creates the shared-between-realms directory under
// storageRoot/realms/Shared, owned by the realm user (uid/gid 1000).
func EnsureSharedDir(storageRoot string) error {
	dir := filepath.Join(storageRoot, "realms", "Shared")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("realmconfig: create %s: %w", dir, err)
	}
	if err := os.Chown(dir, 1000, 1000); err != nil {
		return fmt.Errorf("realmconfig: chown %s: %w", dir, err)
	}
	return nil
}

// EnsureDefaultRealmSymlink creates storageRoot/realms/default.realm as a
// symlink to the given realm's directory, replacing any existing link.
func EnsureDefaultRealmSymlink(storageRoot, target string) error {
	link := filepath.Join(storageRoot, "realms", "default.realm")
	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("realmconfig: remove existing %s: %w", link, err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("realmconfig: symlink %s -> %s: %w", link, target, err)
	}
	return nil
}
