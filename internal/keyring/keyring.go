// Package keyring resolves a channel name to the ed25519 public key that
// verifies signatures over that channel's images, and reads the one
// private signing key Citadel ever holds outside of provisioning time:
// the realmfs-user keypair, which lives only in the kernel keyring.
package keyring

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"golang.org/x/sys/unix"
)

// Reserved channel names.
const (
	ChannelDev  = "dev"
	ChannelUser = "realmfs-user"
)

// devKey is the built-in 32-byte ed25519 public key for the "dev"
// channel, used to verify development-signed images when no
// distribution-specific channel key is configured.
var devKey = mustDecodeHex("3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29")

func mustDecodeHex(s string) ed25519.PublicKey {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		panic("keyring: malformed built-in dev key")
	}
	return ed25519.PublicKey(b)
}

const osReleasePath = "/etc/os-release"

// osReleaseKeyField is the os-release field carrying the hex-encoded
// public key for this build's named channel, e.g.
// CITADEL_CHANNEL_KEY=3b6a27bc...
const osReleaseKeyField = "CITADEL_CHANNEL_KEY"

// Resolve returns the public key that verifies signatures for channel.
// "dev" resolves to the built-in key; any other name is looked up in
// /etc/os-release's CITADEL_CHANNEL_KEY field, except the reserved
// "realmfs-user" channel, whose key is derived from the kernel-keyring
// private key via UserPublicKey instead.
func Resolve(channel string) (ed25519.PublicKey, error) {
	switch channel {
	case ChannelDev:
		return devKey, nil
	case ChannelUser:
		return UserPublicKey()
	default:
		return resolveNamedChannel(channel, osReleasePath)
	}
}

// ResolveOverride parses a "citadel.channel=<name>:<hex-pubkey>" kernel
// cmdline override, returning the channel name and its key directly
// without consulting os-release.
func ResolveOverride(value string) (channel string, key ed25519.PublicKey, err error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("keyring: malformed channel override %q", value)
	}
	key, err = decodeKeyHex(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("keyring: channel override %q: %w", value, err)
	}
	return parts[0], key, nil
}

func resolveNamedChannel(channel, path string) (ed25519.PublicKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, osReleaseKeyField+"=") {
			continue
		}
		val := strings.Trim(strings.TrimPrefix(line, osReleaseKeyField+"="), `"`)
		return decodeKeyHex(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keyring: read %s: %w", path, err)
	}
	return nil, fmt.Errorf("keyring: no key configured for channel %q in %s", channel, path)
}

func decodeKeyHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed key %q: %w", s, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %q has wrong length %d, want %d", s, len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// userKeyDescription is the description under which the realmfs-user
// signing key is stored in the calling process's user keyring.
const userKeyDescription = "citadel:realmfs-user"

const armorBlockType = "CITADEL REALMFS USER PRIVATE KEY"

// UserPrivateKey reads the realmfs-user signing key from the kernel
// keyring. Its absence is a hard error: fork() and interactive RealmFS
// updates cannot proceed without it, and nothing in the provisioning or
// realm-activation path is allowed to fall back silently.
func UserPrivateKey() (ed25519.PrivateKey, error) {
	id, err := unix.KeyctlSearch(unix.KEY_SPEC_USER_KEYRING, "user", userKeyDescription, 0)
	if err != nil {
		return nil, fmt.Errorf("keyring: realmfs-user key not present in kernel keyring: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("keyring: read kernel keyring entry: %w", err)
	}

	seed, err := unarmorSeed(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("keyring: decode realmfs-user key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// UserPublicKey derives the public half of the realmfs-user keypair.
func UserPublicKey() (ed25519.PublicKey, error) {
	priv, err := UserPrivateKey()
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// StoreUserPrivateKey installs priv into the calling process's user
// keyring under the well-known realmfs-user description, armoring the
// raw seed the way the key is expected to already be stored.
func StoreUserPrivateKey(priv ed25519.PrivateKey) error {
	armored, err := armorSeed(priv.Seed())
	if err != nil {
		return fmt.Errorf("keyring: armor realmfs-user key: %w", err)
	}
	if _, err := unix.AddKey("user", userKeyDescription, armored, unix.KEY_SPEC_USER_KEYRING); err != nil {
		return fmt.Errorf("keyring: install realmfs-user key: %w", err)
	}
	return nil
}

func armorSeed(seed []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, armorBlockType, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(seed); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unarmorSeed(data []byte) ([]byte, error) {
	block, err := armor.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	seed, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	return seed, nil
}
