package provisioner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/subgraph/citadel-core/internal/shell"
)

// setupCitadelPassphrase writes citadel-state/passwd with a single
// `citadel:<sha512-crypt-hash>` line. LiveSetup always uses the fixed
// password "citadel" since there is no installer passphrase prompt in
// that boot path; a real install hashes the passphrase the user chose.
// An existing passwd file (LiveSetup re-run against storage that was
// already populated) is left untouched.
func (p *Provisioner) setupCitadelPassphrase(live bool) error {
	path := filepath.Join(p.storage, "citadel-state", "passwd")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	pass := p.opts.CitadelPassphrase
	if live {
		pass = "citadel"
	}

	hash, err := sha512Crypt(pass, p.exec)
	if err != nil {
		log.Warnf("provisioner: hash citadel passphrase: %v", err)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("provisioner: create %s: %w", filepath.Dir(path), err)
	}
	contents := fmt.Sprintf("citadel:%s\n", hash)
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		return fmt.Errorf("provisioner: write %s: %w", path, err)
	}
	return nil
}

// sha512Crypt shells out to openssl's passwd command for a crypt(3)
// SHA-512 hash: no library in the pack implements crypt(3) itself, and
// this is exactly the kind of single well-known system utility the
// provisioner already shells out to elsewhere (parted, cryptsetup,
// lvm) rather than reimplementing. The passphrase is piped via stdin
// rather than passed as an argument so it never appears in a process
// listing or in the command-line logged by shell.ExecCmdWithInput.
func sha512Crypt(pass string, exec shell.Executor) (string, error) {
	out, err := exec.ExecCmdWithInput(pass, "/usr/bin/openssl passwd -6 -stdin", false, nil)
	if err != nil {
		return "", fmt.Errorf("provisioner: openssl passwd: %w", err)
	}
	return strings.TrimSpace(out), nil
}
