package realm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/subgraph/citadel-core/internal/security"
)

// BasePath is the root directory realm directories live under.
const BasePath = "/realms"

// MaxNameLen bounds a realm name the same way a RealmFS name is bounded.
const MaxNameLen = security.MaxNameLen

func tmpDir() string { return filepath.Join(BasePath, ".tmp") }

func dirName(name string) string { return "realm-" + name }

// TempBasePath returns the staging path a realm directory is built at
// before being atomically renamed into place.
func TempBasePath(name string) string { return filepath.Join(tmpDir(), dirName(name)) }

// BasePathFor returns the final path of a realm's directory.
func BasePathFor(name string) string { return filepath.Join(BasePath, dirName(name)) }

// Create builds a new realm directory for name: a home directory owned
// by uid/gid 1000 and seeded from BasePath/skel if present, staged under
// .tmp and then renamed atomically into place. It fails if the realm
// directory already exists.
func Create(name string) error {
	if !security.IsValidName(name, MaxNameLen) {
		return fmt.Errorf("realm: invalid name %q", name)
	}
	if _, err := os.Stat(BasePathFor(name)); err == nil {
		return fmt.Errorf("realm: directory %s already exists", BasePathFor(name))
	}

	if err := createHome(name); err != nil {
		tmp := TempBasePath(name)
		if _, statErr := os.Stat(tmp); statErr == nil {
			_ = os.RemoveAll(tmp)
		}
		return err
	}
	return moveFromTemp(name)
}

func createHome(name string) error {
	home := filepath.Join(TempBasePath(name), "home")
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("realm: create home directory %s: %w", home, err)
	}
	if err := os.Chown(home, 1000, 1000); err != nil {
		return fmt.Errorf("realm: chown home directory %s: %w", home, err)
	}

	skel := filepath.Join(BasePath, "skel")
	if _, err := os.Stat(skel); err != nil {
		return nil
	}
	log.Infof("populating realm home directory with files from %s", skel)
	if err := copyTree(skel, home); err != nil {
		return fmt.Errorf("realm: copy skel tree from %s to %s: %w", skel, home, err)
	}
	return nil
}

func moveFromTemp(name string) error {
	from, to := TempBasePath(name), BasePathFor(name)
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("realm: cannot move %s to %s, target already exists", from, to)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("realm: move %s to %s: %w", from, to, err)
	}
	return nil
}

func moveToTemp(name string) error {
	from, to := BasePathFor(name), TempBasePath(name)
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("realm: cannot move %s to %s, target already exists", from, to)
	}
	if err := os.MkdirAll(tmpDir(), 0755); err != nil {
		return fmt.Errorf("realm: create tmp staging directory: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("realm: move %s to %s: %w", from, to, err)
	}
	return nil
}

// Delete removes a realm's directory, moving it to the .tmp staging area
// first so the removal is atomic from the perspective of anything
// listing BasePath. If saveHome is set, the realm's home subdirectory is
// rescued to BasePath/removed/home-<name>[.N] before the rest is
// deleted.
func Delete(name string, saveHome bool) error {
	if err := moveToTemp(name); err != nil {
		return err
	}

	if saveHome {
		if err := saveHomeForDelete(name); err != nil {
			return err
		}
	}

	dir := TempBasePath(name)
	log.Infof("removing realm directory %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("realm: remove realm directory %s: %w", dir, err)
	}
	return nil
}

func saveHomeForDelete(name string) error {
	removedDir := filepath.Join(BasePath, "removed")
	if err := os.MkdirAll(removedDir, 0755); err != nil {
		return fmt.Errorf("realm: create %s: %w", removedDir, err)
	}

	target := homeSaveDirectory(name)
	home := filepath.Join(TempBasePath(name), "home")

	if err := os.Rename(home, target); err != nil {
		return fmt.Errorf("realm: move home %s to %s: %w", home, target, err)
	}
	log.Infof("home directory has been moved to %s, delete it at your leisure", target)
	return nil
}

func homeSaveDirectory(name string) string {
	dir := filepath.Join(BasePath, "removed", "home-"+name)
	if _, err := os.Stat(dir); err != nil {
		return dir
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d", dir, n)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}

// copyTree recursively copies the contents of src into dst, preserving
// file modes. Used to seed a new realm's home from /realms/skel.
func copyTree(src, dst string) error {
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
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
