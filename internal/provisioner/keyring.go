package provisioner

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// keyringSaltLen and keyringNonceLen size the random values stored
// alongside the encrypted keyring file; secretbox.Overhead is appended
// by the library itself.
const (
	keyringSaltLen  = 32
	keyringNonceLen = 24
)

// createKeyring generates a fresh 256-bit keyring secret and writes it
// to storage/keyring, encrypted under a key derived from the install's
// LUKS passphrase. No `keyring.rs` survived `original_source`'s
// filtering (only `mod keyring;` and a re-export line reference it from
// `lib.rs`), so this is built directly from spec.md §4.6's "initial
// keyring generated and written encrypted under luks-pass" rather than
// ported: scrypt derives a symmetric key from the passphrase plus a
// random salt, and secretbox seals the keyring bytes under a random
// nonce, both already reachable through the pack's x/crypto dependency
// (pulled in transitively by github.com/ProtonMail/go-crypto) rather
// than inventing a bespoke cipher construction.
func (p *Provisioner) createKeyring() error {
	log.Infof("provisioner: creating initial keyring")

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("provisioner: generate keyring secret: %w", err)
	}

	path := filepath.Join(p.storage, "keyring")
	return writeEncryptedKeyring(path, secret, p.opts.LuksPassphrase)
}

func writeEncryptedKeyring(path string, secret []byte, passphrase string) error {
	salt := make([]byte, keyringSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("provisioner: generate keyring salt: %w", err)
	}

	key, err := deriveKeyringKey(passphrase, salt)
	if err != nil {
		return err
	}

	var nonce [keyringNonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("provisioner: generate keyring nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, secret, &nonce, &key)

	// On-disk layout: salt || nonce || sealed box. Both are fixed-length
	// so no length prefix is needed.
	out := make([]byte, 0, keyringSaltLen+keyringNonceLen+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)

	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("provisioner: write %s: %w", path, err)
	}
	return nil
}

// ReadEncryptedKeyring decrypts the keyring file at path under
// passphrase, the inverse of writeEncryptedKeyring.
func ReadEncryptedKeyring(path, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("provisioner: read %s: %w", path, err)
	}
	if len(data) < keyringSaltLen+keyringNonceLen {
		return nil, fmt.Errorf("provisioner: %s is too short to be a valid keyring file", path)
	}

	salt := data[:keyringSaltLen]
	var nonce [keyringNonceLen]byte
	copy(nonce[:], data[keyringSaltLen:keyringSaltLen+keyringNonceLen])
	sealed := data[keyringSaltLen+keyringNonceLen:]

	key, err := deriveKeyringKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	secret, ok := secretbox.Open(nil, sealed, &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("provisioner: decrypt %s: authentication failed (wrong passphrase?)", path)
	}
	return secret, nil
}

func deriveKeyringKey(passphrase string, salt []byte) ([32]byte, error) {
	var key [32]byte
	derived, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return key, fmt.Errorf("provisioner: derive keyring key: %w", err)
	}
	copy(key[:], derived)
	return key, nil
}
