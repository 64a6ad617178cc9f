package provisioner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/subgraph/citadel-core/internal/imagecodec"
	"github.com/subgraph/citadel-core/internal/realmconfig"
)

const mainTerminalScheme = "embers"

// populateStorage writes the deterministic tree spec.md §4.6 describes
// under the mounted storage volume: the base RealmFS image, the main and
// apt-cacher realms, the shared skel/Shared directories, the global
// realm config, the channel resource directory (install only), the
// citadel passwd entry, and the initial keyring. live selects between
// the real install's /etc/skel and LiveSetup's /sysroot/etc/skel, and
// skips steps that only make sense once (keyring creation, resource
// staging, base RealmFS staging) since LiveSetup reuses an
// already-activated RealmFS from the initramfs instead.
func (p *Provisioner) populateStorage(live bool) error {
	if !live {
		if err := p.createKeyring(); err != nil {
			return err
		}
		if err := p.setupStorageResources(); err != nil {
			return err
		}
		if err := p.setupBaseRealmFS(); err != nil {
			return err
		}
	}

	if err := p.setupRealmSkel(live); err != nil {
		return err
	}
	if err := p.setupMainRealm(live); err != nil {
		return err
	}
	if err := p.setupAptCacherRealm(live); err != nil {
		return err
	}
	if err := p.setupCitadelPassphrase(live); err != nil {
		return err
	}

	log.Infof("provisioner: creating global realm config file")
	if err := realmconfig.SaveGlobal(p.storage, realmconfig.GlobalDefaultsFor(live)); err != nil {
		return err
	}

	log.Infof("provisioner: creating /Shared realms directory")
	if err := realmconfig.EnsureSharedDir(p.storage); err != nil {
		return err
	}
	return nil
}

func (p *Provisioner) skelSource(live bool) string {
	if live {
		return "/sysroot/etc/skel"
	}
	return "/etc/skel"
}

func (p *Provisioner) setupBaseRealmFS() error {
	realmfsDir := filepath.Join(p.storage, "realms", "realmfs-images")
	if err := os.MkdirAll(realmfsDir, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", realmfsDir, err)
	}
	if err := p.sparseCopyArtifact("base-realmfs.img", realmfsDir); err != nil {
		return err
	}
	return imagecodec.DecompressInPlace(filepath.Join(realmfsDir, "base-realmfs.img"))
}

func (p *Provisioner) setupRealmSkel(live bool) error {
	realmSkel := filepath.Join(p.storage, "realms", "skel")
	if err := os.MkdirAll(realmSkel, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", realmSkel, err)
	}
	return copyTreeChown(p.skelSource(live), realmSkel, 1000, 1000)
}

func (p *Provisioner) setupMainRealm(live bool) error {
	realmDir := filepath.Join(p.storage, "realms", "realm-main")
	home := filepath.Join(realmDir, "home")
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", home, err)
	}
	if err := os.Chown(home, 1000, 1000); err != nil {
		return fmt.Errorf("provisioner: chown %s: %w", home, err)
	}

	if err := copyTreeChown(filepath.Join(p.storage, "realms", "skel"), home, 1000, 1000); err != nil {
		return err
	}

	if _, ok := realmconfig.SchemeByName(mainTerminalScheme); ok {
		if err := realmconfig.WriteTerminalScheme(home, mainTerminalScheme); err != nil {
			return err
		}
		if err := realmconfig.SaveRealmConfig(realmDir, realmconfig.MainRealmConfig(mainTerminalScheme)); err != nil {
			return err
		}
	}

	log.Infof("provisioner: creating default.realm symlink")
	if err := realmconfig.EnsureDefaultRealmSymlink(p.storage, realmDir); err != nil {
		return err
	}
	return realmconfig.CreateLock(realmDir)
}

func (p *Provisioner) setupAptCacherRealm(live bool) error {
	realmDir := filepath.Join(p.storage, "realms", "realm-apt-cacher")
	home := filepath.Join(realmDir, "home")
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", home, err)
	}
	if err := os.Chown(home, 1000, 1000); err != nil {
		return fmt.Errorf("provisioner: chown %s: %w", home, err)
	}

	cacheDir := filepath.Join(home, "apt-cacher-ng")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", cacheDir, err)
	}
	if err := os.Chown(cacheDir, 1000, 1000); err != nil {
		return fmt.Errorf("provisioner: chown %s: %w", cacheDir, err)
	}

	if err := copyTreeChown(filepath.Join(p.storage, "realms", "skel"), home, 1000, 1000); err != nil {
		return err
	}

	if err := realmconfig.SaveRealmConfig(realmDir, realmconfig.AptCacherConfig()); err != nil {
		return err
	}
	return realmconfig.CreateLock(realmDir)
}

func (p *Provisioner) setupStorageResources() error {
	resources := filepath.Join(p.storage, "resources", p.opts.channel())
	if err := os.MkdirAll(resources, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", resources, err)
	}
	if err := p.sparseCopyArtifact(extraImageName, resources); err != nil {
		return err
	}
	return p.sparseCopyArtifact(p.kernelImageName(), resources)
}

func (p *Provisioner) sparseCopyArtifact(filename, destDir string) error {
	src := p.artifactPath(filename)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", destDir, err)
	}
	dst := filepath.Join(destDir, filename)
	return p.run(fmt.Sprintf("/bin/cp --sparse=always %s %s", src, dst))
}

// copyTreeChown recursively copies src into dst, chowning every created
// file and directory to uid:gid. A missing src is not an error: a realm
// seeded from an absent skel directory is simply empty, matching the
// original's "if skel doesn't exist, nothing to copy" behavior.
func copyTreeChown(src, dst string, uid, gid int) error {
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			return os.Chown(target, uid, gid)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, info.Mode()); err != nil {
			return err
		}
		return os.Chown(target, uid, gid)
	})
}
