package realm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/subgraph/citadel-core/internal/eventpub"
	"github.com/subgraph/citadel-core/internal/realmfs"
	"github.com/subgraph/citadel-core/internal/shell"
)

// Flag bits carried by a Realm, mirroring the data model's
// {running, current, system} bitmap.
type Flag uint8

const (
	FlagRunning Flag = 1 << iota
	FlagCurrent
	FlagSystem
)

// Realm is a named, configured realm: a stable directory under
// BasePath, a description, the RealmFS it runs on, and the runtime
// flags tracked by its Manager.
type Realm struct {
	name        string
	description string
	config      Config
	flags       Flag
}

// New constructs a Realm value from its name and config. Managers use
// this when loading realms from disk; Create should be used to actually
// provision a new realm directory first.
func New(name, description string, cfg Config) *Realm {
	if cfg.SystemRealm {
		return &Realm{name: name, description: description, config: cfg, flags: FlagSystem}
	}
	return &Realm{name: name, description: description, config: cfg}
}

func (r *Realm) Name() string        { return r.name }
func (r *Realm) Description() string { return r.description }
func (r *Realm) Config() Config      { return r.config }
func (r *Realm) HasFlag(f Flag) bool { return r.flags&f != 0 }
func (r *Realm) setFlag(f Flag)      { r.flags |= f }
func (r *Realm) clearFlag(f Flag)    { r.flags &^= f }

func (r *Realm) BasePath() string { return BasePathFor(r.name) }

// nspawnBin is the systemd-nspawn binary invoked to launch a realm's
// container, matching the teacher's pattern of naming external binaries
// as package constants near their sole call site.
const nspawnBin = "/usr/bin/systemd-nspawn"

// Manager tracks the running set of realms and coordinates dependency
// ordering and RealmFS mountpoint refcounting — the back-reference the
// original's Weak<RealmManager> gave each RealmFS, kept out of
// internal/realmfs to avoid an import cycle.
type Manager struct {
	mu      sync.Mutex
	realms  map[string]*Realm
	running map[string]bool
	current string
	bridge  *BridgeAllocator
	// mountRefs counts how many running realms currently depend on each
	// RealmFS mountpoint, keyed by mountpoint path.
	mountRefs map[string]int
	// events, if set, receives every Started/Stopped/New/Removed/Current
	// transition this Manager produces, for forwarding onto the
	// external API as named signals.
	events *eventpub.Publisher
}

// NewManager constructs an empty Manager bound to the default bridge.
func NewManager() *Manager {
	return &Manager{
		realms:    make(map[string]*Realm),
		running:   make(map[string]bool),
		mountRefs: make(map[string]int),
		bridge:    DefaultBridge(),
	}
}

// SetEventPublisher attaches p so every subsequent lifecycle transition
// on this Manager is forwarded to it. Passing nil detaches the current
// publisher.
func (m *Manager) SetEventPublisher(p *eventpub.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = p
}

func (m *Manager) emit(kind eventpub.RealmEventKind, name string) {
	m.mu.Lock()
	p := m.events
	m.mu.Unlock()
	if p != nil {
		p.Emit(eventpub.RealmEvent{Kind: kind, Name: name})
	}
}

// Add registers r with the manager, replacing any existing realm of the
// same name.
func (m *Manager) Add(r *Realm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realms[r.name] = r
}

// Get returns the named realm, if registered.
func (m *Manager) Get(name string) (*Realm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.realms[name]
	return r, ok
}

// Current returns the realm currently marked FlagCurrent, if any.
func (m *Manager) Current() (*Realm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return nil, false
	}
	r, ok := m.realms[m.current]
	return r, ok
}

// SetCurrent marks name as the current realm, clearing the flag on
// whichever realm previously held it.
func (m *Manager) SetCurrent(name string) error {
	m.mu.Lock()
	r, ok := m.realms[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("realm: no such realm %q", name)
	}
	if prev, ok := m.realms[m.current]; ok {
		prev.clearFlag(FlagCurrent)
	}
	r.setFlag(FlagCurrent)
	m.current = name
	m.mu.Unlock()

	m.emit(eventpub.RealmCurrent, name)
	return nil
}

// Start activates name's RealmFS, creates its overlay, and spawns its
// systemd-nspawn container, starting any realms it depends on first (in
// the order listed by realm-depends, skipping ones already running).
// Starting an already-running realm is a no-op.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	r, ok := m.realms[name]
	alreadyRunning := m.running[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("realm: no such realm %q", name)
	}
	if alreadyRunning {
		return nil
	}

	for _, dep := range r.config.RealmDepends {
		if err := m.Start(dep); err != nil {
			return fmt.Errorf("realm: starting dependency %q of %q: %w", dep, name, err)
		}
	}

	rfs, err := realmfs.LoadByName(r.config.RealmFS)
	if err != nil {
		return fmt.Errorf("realm: load realmfs %q for realm %q: %w", r.config.RealmFS, name, err)
	}
	if err := rfs.Activate(false); err != nil {
		return fmt.Errorf("realm: activate realmfs %q: %w", r.config.RealmFS, err)
	}
	mountpoint := rfs.Mountpoint().Path()
	m.refMountpoint(mountpoint)

	root := mountpoint
	if ov, hasOverlay := ForRealm(name, r.config); hasOverlay {
		root, err = ov.Create(mountpoint)
		if err != nil {
			m.unrefMountpoint(mountpoint)
			return fmt.Errorf("realm: create overlay for %q: %w", name, err)
		}
	}

	addr := ""
	gw := ""
	if r.config.UseNetwork {
		addr, err = m.bridge.AllocateAddressFor(name, r.config.ReservedIP)
		if err != nil {
			return fmt.Errorf("realm: allocate network address for %q: %w", name, err)
		}
		gw = m.bridge.Gateway()
	}

	if err := spawn(name, root, addr, gw); err != nil {
		return fmt.Errorf("realm: spawn %q: %w", name, err)
	}

	m.mu.Lock()
	m.running[name] = true
	r.setFlag(FlagRunning)
	m.mu.Unlock()

	m.emit(eventpub.RealmStarted, name)
	return nil
}

func spawn(name, directory, addr, gw string) error {
	var env string
	if addr != "" {
		env = fmt.Sprintf("--setenv=IFCONFIG_IP=%s --setenv=IFCONFIG_GW=%s ", addr, gw)
	}
	cmd := fmt.Sprintf(
		"%s %s--quiet --boot --machine=%s --directory=%s --network-zone=clear",
		nspawnBin, env, name, directory,
	)
	_, err := shell.ExecCmdWithStream(cmd, true, nil)
	return err
}

func (m *Manager) refMountpoint(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mountRefs[path]++
}

func (m *Manager) unrefMountpoint(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mountRefs[path] > 0 {
		m.mountRefs[path]--
	}
}

// IsMountpointInUse reports whether any running realm currently depends
// on the RealmFS mounted at path — Mountpoint.Deactivate must not be
// called while this is true.
func (m *Manager) IsMountpointInUse(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mountRefs[path] > 0
}

// Stop tears down name's container, overlay, and RealmFS activation,
// reversing the sequence Start performs. Stopping an already-stopped
// realm is a no-op.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	r, ok := m.realms[name]
	running := m.running[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("realm: no such realm %q", name)
	}
	if !running {
		return nil
	}

	if _, err := shell.ExecCmd(fmt.Sprintf("machinectl stop %s", name), true, nil); err != nil {
		log.Warnf("failed to stop container for realm %q: %v", name, err)
	}

	if ov, hasOverlay := ForRealm(name, r.config); hasOverlay {
		if _, err := ov.Remove(); err != nil {
			log.Warnf("failed to remove overlay for realm %q: %v", name, err)
		}
	}

	if r.config.UseNetwork {
		if err := m.bridge.FreeAllocationFor(name); err != nil {
			log.Warnf("failed to free network allocation for realm %q: %v", name, err)
		}
	}

	rfs, err := realmfs.LoadByName(r.config.RealmFS)
	if err == nil {
		mountpoint := rfs.Mountpoint()
		m.unrefMountpoint(mountpoint.Path())
		if !m.IsMountpointInUse(mountpoint.Path()) {
			mountpoint.Deactivate()
		}
	}

	m.mu.Lock()
	delete(m.running, name)
	r.clearFlag(FlagRunning)
	m.mu.Unlock()

	m.emit(eventpub.RealmStopped, name)
	return nil
}

// Restart stops then starts name.
func (m *Manager) Restart(name string) error {
	if err := m.Stop(name); err != nil {
		return err
	}
	return m.Start(name)
}

// Create provisions a brand-new realm directory and registers it with
// the manager under cfg.
func (m *Manager) Create(name, description string, cfg Config) (*Realm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := Create(name); err != nil {
		return nil, err
	}
	r := New(name, description, cfg)
	m.Add(r)
	m.emit(eventpub.RealmNew, name)
	return r, nil
}

// Destroy stops name if running, tears down any lingering overlay, and
// deletes its realm directory.
func (m *Manager) Destroy(name string, saveHome bool) error {
	if err := m.Stop(name); err != nil {
		return err
	}
	RemoveAny(name)

	m.mu.Lock()
	delete(m.realms, name)
	m.mu.Unlock()

	if err := Delete(name, saveHome); err != nil {
		return err
	}
	m.emit(eventpub.RealmRemoved, name)
	return nil
}

// LockFilePath returns the path of a realm's .realmlock sentinel file.
// internal/realmconfig.CreateLock writes it once a realm directory is
// fully provisioned and safe to start.
func LockFilePath(name string) string {
	return filepath.Join(BasePathFor(name), ".realmlock")
}

// IsLocked reports whether a realm's .realmlock sentinel exists.
func IsLocked(name string) bool {
	_, err := os.Stat(LockFilePath(name))
	return err == nil
}
