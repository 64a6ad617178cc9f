package realmconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// CreateLock creates the `.realmlock` sentinel file under dir, marking a
// realm directory as fully provisioned and safe to start. Matches
// realm.LockFilePath's naming; kept here rather than in package realm
// since the provisioner, not the realm manager, is what actually creates
// this file.
func CreateLock(dir string) error {
	path := filepath.Join(dir, ".realmlock")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("realmconfig: create %s: %w", path, err)
	}
	return f.Close()
}
