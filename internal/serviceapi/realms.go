package serviceapi

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/godbus/dbus/v5"
	"github.com/subgraph/citadel-core/internal/eventpub"
	"github.com/subgraph/citadel-core/internal/realm"
	"github.com/subgraph/citadel-core/internal/realmfs"
	"sigs.k8s.io/yaml"
)

const (
	realmsObjectPath = dbus.ObjectPath("/com/subgraph/realms")
	realmsInterface  = "com.subgraph.realms.Manager"
	realmsBusName    = "com.subgraph.realms"
)

// Status bits, exactly as `realmsd/src/dbus.rs`'s STATUS_REALM_* consts.
const (
	statusRunning = 1 << iota
	statusCurrent
	statusSystem
)

// RealmsService exports the realms-daemon D-Bus surface: List,
// SetCurrent/GetCurrent, Start/Stop/Restart/Terminal/Run,
// RealmFromCitadelPid, RealmConfig, ListRealmFS/UpdateRealmFS, and the
// RealmStarted/Stopped/New/Removed/Current signals `realmsd/src/dbus.rs`
// relays from its EventHandler. Rather than subscribing a private
// dbus.Connection wrapper the way the original's EventHandler does, this
// registers itself as the realm.Manager's eventpub.Publisher sink, so
// the same RealmEvent stream that drives the abstract-socket
// single-instance UI signal also drives these D-Bus signals.
type RealmsService struct {
	conn    busConn
	manager *realm.Manager
}

// NewRealmsService connects to the system bus, exports the realms
// object, requests its well-known name, and wires manager's lifecycle
// events to this service's signals.
func NewRealmsService(manager *realm.Manager) (*RealmsService, error) {
	conn, err := connect()
	if err != nil {
		return nil, err
	}
	svc := &RealmsService{conn: conn, manager: manager}
	if err := conn.Export(svc, realmsObjectPath, realmsInterface); err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(realmsBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("serviceapi: name %s already owned", realmsBusName)
	}

	pub := eventpub.NewPublisher()
	pub.Subscribe(svc.handleRealmEvent)
	manager.SetEventPublisher(pub)

	svc.emit("ServiceStarted")
	return svc, nil
}

func (s *RealmsService) handleRealmEvent(ev eventpub.RealmEvent) {
	switch ev.Kind {
	case eventpub.RealmStarted:
		s.emitNamed("RealmStarted", ev.Name)
	case eventpub.RealmStopped:
		s.emitNamed("RealmStopped", ev.Name)
	case eventpub.RealmNew:
		s.emitNamed("RealmNew", ev.Name)
	case eventpub.RealmRemoved:
		s.emitNamed("RealmRemoved", ev.Name)
	case eventpub.RealmCurrent:
		s.emitNamed("RealmCurrent", ev.Name)
	}
}

func (s *RealmsService) emit(signal string) {
	if err := s.conn.Emit(realmsObjectPath, realmsInterface+"."+signal); err != nil {
		log.Warnf("serviceapi: emit %s: %v", signal, err)
	}
}

func (s *RealmsService) emitNamed(signal, name string) {
	if err := s.conn.Emit(realmsObjectPath, realmsInterface+"."+signal, name); err != nil {
		log.Warnf("serviceapi: emit %s: %v", signal, err)
	}
}

type realmListEntry struct {
	Name        string
	Description string
	RealmFS     string
	Status      byte
}

func statusFor(r *realm.Realm) byte {
	var status byte
	if r.HasFlag(realm.FlagRunning) {
		status |= statusRunning
	}
	if r.HasFlag(realm.FlagCurrent) {
		status |= statusCurrent
	}
	if r.HasFlag(realm.FlagSystem) {
		status |= statusSystem
	}
	return status
}

// List is the exported "List() -> a(sssy)" method.
func (s *RealmsService) List() ([]realmListEntry, *dbus.Error) {
	realms := s.manager.List()
	sort.Slice(realms, func(i, j int) bool { return realms[i].Name() < realms[j].Name() })

	out := make([]realmListEntry, 0, len(realms))
	for _, r := range realms {
		out = append(out, realmListEntry{
			Name:        r.Name(),
			Description: r.Description(),
			RealmFS:     r.Config().RealmFS,
			Status:      statusFor(r),
		})
	}
	return out, nil
}

// ListAsYAML renders List's result as YAML, the introspection-friendly
// counterpart D-Bus clients don't need but debugging tools do.
func (s *RealmsService) ListAsYAML() (string, error) {
	entries, dErr := s.List()
	if dErr != nil {
		return "", dErr
	}
	doc, err := yaml.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

// SetCurrent is the exported "SetCurrent(name)" method.
func (s *RealmsService) SetCurrent(name string) *dbus.Error {
	if err := s.manager.SetCurrent(name); err != nil {
		log.Warnf("serviceapi: SetCurrent(%s) failed: %v", name, err)
	}
	return nil
}

// GetCurrent is the exported "GetCurrent() -> name" method, returning
// the empty string when no realm is current.
func (s *RealmsService) GetCurrent() (string, *dbus.Error) {
	r, ok := s.manager.Current()
	if !ok {
		return "", nil
	}
	return r.Name(), nil
}

// Start is the exported "Start(name)" method. The original dispatches to
// a background thread so the D-Bus call returns immediately; Start
// mirrors that with a goroutine.
func (s *RealmsService) Start(name string) *dbus.Error {
	go func() {
		if err := s.manager.Start(name); err != nil {
			log.Warnf("serviceapi: start realm %q: %v", name, err)
		}
	}()
	return nil
}

// Stop is the exported "Stop(name)" method.
func (s *RealmsService) Stop(name string) *dbus.Error {
	go func() {
		if err := s.manager.Stop(name); err != nil {
			log.Warnf("serviceapi: stop realm %q: %v", name, err)
		}
	}()
	return nil
}

// Restart is the exported "Restart(name)" method.
func (s *RealmsService) Restart(name string) *dbus.Error {
	go func() {
		if err := s.manager.Restart(name); err != nil {
			log.Warnf("serviceapi: restart realm %q: %v", name, err)
		}
	}()
	return nil
}

// Terminal is the exported "Terminal(name)" method. Starting a terminal
// emulator is explicitly out of scope (spec.md §1's Non-goals); this
// only guarantees the realm is running, the precondition the original's
// `do_terminal` establishes before spawning `citadel-gnome-terminal` —
// the emulator launch itself is left to the caller's own UI layer.
func (s *RealmsService) Terminal(name string) *dbus.Error {
	return s.Start(name)
}

// Run is the exported "Run(name, args)" method.
func (s *RealmsService) Run(name string, args []string) *dbus.Error {
	go func() {
		if err := s.manager.RunInRealm(name, args); err != nil {
			log.Warnf("serviceapi: run %v in realm %q: %v", args, name, err)
		}
	}()
	return nil
}

// RealmFromCitadelPid is the exported "RealmFromCitadelPid(pid) -> name"
// method.
func (s *RealmsService) RealmFromCitadelPid(pid uint32) (string, *dbus.Error) {
	r, ok := s.manager.RealmByPid(int(pid))
	if !ok {
		return "", nil
	}
	return r.Name(), nil
}

// RealmConfig is the exported "RealmConfig(name) -> [(key, value)]"
// method, matching `TreeData::realm_config`'s key/value flattening of a
// realm.Config.
func (s *RealmsService) RealmConfig(name string) ([][2]string, *dbus.Error) {
	r, ok := s.manager.Get(name)
	if !ok {
		return nil, dbus.MakeFailedError(fmt.Errorf("no such realm %q", name))
	}
	cfg := r.Config()
	list := [][2]string{
		{"use-gpu", strconv.FormatBool(cfg.UseGPU)},
		{"use-wayland", strconv.FormatBool(cfg.UseWayland)},
		{"use-x11", strconv.FormatBool(cfg.UseX11)},
		{"use-sound", strconv.FormatBool(cfg.UseSound)},
		{"use-shared-dir", strconv.FormatBool(cfg.UseSharedDir)},
		{"use-network", strconv.FormatBool(cfg.UseNetwork)},
		{"use-kvm", strconv.FormatBool(cfg.UseKVM)},
		{"use-ephemeral-home", strconv.FormatBool(cfg.UseEphemeralHome)},
		{"realmfs", cfg.RealmFS},
		{"overlay", string(cfg.Overlay)},
		{"terminal-scheme", cfg.TerminalScheme},
	}
	return list, nil
}

// ListRealmFS is the exported "ListRealmFS() -> [name]" method.
func (s *RealmsService) ListRealmFS() ([]string, *dbus.Error) {
	names, err := realmfs.ListNames()
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	return names, nil
}

// UpdateRealmFS is the exported "UpdateRealmFS(name)" method. The
// original spawns an interactive update shell in a new terminal
// (`citadel-realmfs update`); the CLI readline/terminal-launch concerns
// that requires are Non-goals here, so this only validates the RealmFS
// exists, leaving the interactive update flow to `realmfs.Update` and a
// CLI frontend (outside this package).
func (s *RealmsService) UpdateRealmFS(name string) *dbus.Error {
	if !realmfs.NamedImageExists(name) {
		return dbus.MakeFailedError(fmt.Errorf("no such realmfs %q", name))
	}
	return nil
}
