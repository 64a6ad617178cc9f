package provisioner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/subgraph/citadel-core/internal/progressbus"
)

// fakeExecutor records every command it is asked to run and lets a test
// script canned output or errors per-command, mirroring the substitution
// pattern the rest of the package's tests use for shell.Executor.
type fakeExecutor struct {
	calls  []string
	inputs []string
	fail   map[string]error
	output map[string]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: map[string]error{}, output: map[string]string{}}
}

func (f *fakeExecutor) ExecCmd(cmdStr string, sudo bool, envVal []string) (string, error) {
	f.calls = append(f.calls, cmdStr)
	if err, ok := f.fail[cmdStr]; ok {
		return "", err
	}
	return f.output[cmdStr], nil
}

func (f *fakeExecutor) ExecCmdSilent(cmdStr string, sudo bool, envVal []string) (string, error) {
	return f.ExecCmd(cmdStr, sudo, envVal)
}

func (f *fakeExecutor) ExecCmdWithStream(cmdStr string, sudo bool, envVal []string) (string, error) {
	return f.ExecCmd(cmdStr, sudo, envVal)
}

func (f *fakeExecutor) ExecCmdWithInput(inputStr, cmdStr string, sudo bool, envVal []string) (string, error) {
	f.inputs = append(f.inputs, inputStr)
	return f.ExecCmd(cmdStr, sudo, envVal)
}

func TestVerifyRequiresTargetAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	artifacts := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(artifacts, 0755); err != nil {
		t.Fatal(err)
	}

	p := New(Options{Target: target, ArtifactDir: artifacts, KernelVersion: "6.1"}, newFakeExecutor(), nil)

	if err := p.Verify(); err == nil {
		t.Fatal("expected Verify to fail with no artifacts staged")
	}

	for _, name := range p.requiredArtifacts() {
		if err := os.WriteFile(filepath.Join(artifacts, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Verify(); err != nil {
		t.Fatalf("Verify with all artifacts present: %v", err)
	}
}

func TestVerifyFailsOnMissingTarget(t *testing.T) {
	p := New(Options{Target: "/nonexistent/disk"}, newFakeExecutor(), nil)
	if err := p.Verify(); err == nil {
		t.Fatal("expected Verify to fail for a missing target device")
	}
}

func TestRunTemplatesSubstitutesPlaceholders(t *testing.T) {
	exec := newFakeExecutor()
	p := New(Options{}, exec, nil)

	lines := []string{"/sbin/cryptsetup luksFormat --uuid $LUKS_UUID $TARGET"}
	err := p.runTemplates(lines, map[string]string{
		"$LUKS_UUID": fixedLuksUUID,
		"$TARGET":    "/dev/sdz1",
	})
	if err != nil {
		t.Fatalf("runTemplates: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(exec.calls))
	}
	want := "/sbin/cryptsetup luksFormat --uuid " + fixedLuksUUID + " /dev/sdz1"
	if exec.calls[0] != want {
		t.Fatalf("got %q, want %q", exec.calls[0], want)
	}
}

func TestRunTemplatesStopsOnFirstError(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail["first"] = errBoom
	p := New(Options{}, exec, nil)

	err := p.runTemplates([]string{"first", "second"}, nil)
	if err == nil {
		t.Fatal("expected an error from the failing first command")
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected the pipeline to stop after the first failure, got %d calls", len(exec.calls))
	}
}

func TestCleanupNeverReturnsError(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail["/bin/umount /run/installer/mnt"] = errBoom
	p := New(Options{}, exec, nil)

	// cleanup has no return value to assert on; this just confirms it
	// does not panic and still records the attempted command.
	p.cleanup("/bin/umount /run/installer/mnt")
	if len(exec.calls) != 1 {
		t.Fatalf("expected cleanup to still attempt the command, got %d calls", len(exec.calls))
	}
}

func TestSetupCitadelPassphraseWritesHashedEntry(t *testing.T) {
	dir := t.TempDir()
	exec := newFakeExecutor()
	exec.output["/usr/bin/openssl passwd -6 -stdin"] = "$6$abc$def\n"

	p := New(Options{CitadelPassphrase: "correct horse battery staple"}, exec, nil)
	p.storage = dir

	if err := p.setupCitadelPassphrase(false); err != nil {
		t.Fatalf("setupCitadelPassphrase: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "citadel-state", "passwd"))
	if err != nil {
		t.Fatalf("read passwd: %v", err)
	}
	if !strings.HasPrefix(string(data), "citadel:$6$abc$def") {
		t.Fatalf("unexpected passwd contents: %q", data)
	}
	if len(exec.inputs) != 1 || exec.inputs[0] != "correct horse battery staple" {
		t.Fatalf("expected the passphrase to be piped via stdin, got inputs %v", exec.inputs)
	}
}

func TestSetupCitadelPassphraseUsesFixedPasswordWhenLive(t *testing.T) {
	dir := t.TempDir()
	exec := newFakeExecutor()
	exec.output["/usr/bin/openssl passwd -6 -stdin"] = "$6$live$hash\n"

	p := New(Options{CitadelPassphrase: "should not be used"}, exec, nil)
	p.storage = dir

	if err := p.setupCitadelPassphrase(true); err != nil {
		t.Fatalf("setupCitadelPassphrase: %v", err)
	}
	if exec.inputs[0] != "citadel" {
		t.Fatalf("expected LiveSetup to hash the fixed password, got %q", exec.inputs[0])
	}
}

func TestSetupCitadelPassphraseLeavesExistingFileAlone(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "citadel-state")
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		t.Fatal(err)
	}
	passwdPath := filepath.Join(stateDir, "passwd")
	if err := os.WriteFile(passwdPath, []byte("citadel:already-here\n"), 0600); err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	p := New(Options{CitadelPassphrase: "whatever"}, exec, nil)
	p.storage = dir

	if err := p.setupCitadelPassphrase(false); err != nil {
		t.Fatalf("setupCitadelPassphrase: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("expected no openssl invocation when passwd already exists, got %v", exec.calls)
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyring")

	secret := []byte("a 32 byte secret for the box!!!!")
	if err := writeEncryptedKeyring(path, secret, "correct horse battery staple"); err != nil {
		t.Fatalf("writeEncryptedKeyring: %v", err)
	}

	got, err := ReadEncryptedKeyring(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("ReadEncryptedKeyring: %v", err)
	}
	if string(got) != string(secret) {
		t.Fatalf("got %q, want %q", got, secret)
	}
}

func TestKeyringRejectsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyring")

	if err := writeEncryptedKeyring(path, []byte("top secret material here"), "right passphrase"); err != nil {
		t.Fatalf("writeEncryptedKeyring: %v", err)
	}
	if _, err := ReadEncryptedKeyring(path, "wrong passphrase"); err == nil {
		t.Fatal("expected decryption under the wrong passphrase to fail")
	}
}

func TestCreateKeyringWritesUnderStorage(t *testing.T) {
	dir := t.TempDir()
	p := New(Options{LuksPassphrase: "a luks passphrase"}, newFakeExecutor(), nil)
	p.storage = dir

	if err := p.createKeyring(); err != nil {
		t.Fatalf("createKeyring: %v", err)
	}
	secret, err := ReadEncryptedKeyring(filepath.Join(dir, "keyring"), "a luks passphrase")
	if err != nil {
		t.Fatalf("ReadEncryptedKeyring: %v", err)
	}
	if len(secret) != 32 {
		t.Fatalf("expected a 32 byte keyring secret, got %d bytes", len(secret))
	}
}

func TestPipelineFailurePublishesFailedStage(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	exec := newFakeExecutor()
	for _, cmd := range partitionCommands {
		exec.fail[strings.ReplaceAll(cmd, "$TARGET", target)] = errBoom
	}
	bus := progressbus.New()
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	artifacts := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(artifacts, 0755); err != nil {
		t.Fatal(err)
	}
	p := New(Options{Target: target, ArtifactDir: artifacts, KernelVersion: "6.1"}, exec, bus)
	for _, name := range p.requiredArtifacts() {
		if err := os.WriteFile(p.artifactPath(name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Run(); err == nil {
		t.Fatal("expected Run to fail when partitioning fails")
	}

	select {
	case ev := <-events:
		if ev.Stage != progressbus.Failed {
			t.Fatalf("expected a Failed event, got %s", ev.Stage)
		}
		if ev.Fraction != 1.0 {
			t.Fatalf("expected Failed fraction 1.0, got %v", ev.Fraction)
		}
	default:
		t.Fatal("expected a Failed event on the bus")
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
