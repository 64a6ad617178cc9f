package serviceapi

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/subgraph/citadel-core/internal/eventpub"
	"github.com/subgraph/citadel-core/internal/progressbus"
	"github.com/subgraph/citadel-core/internal/realm"
)

type emittedSignal struct {
	path dbus.ObjectPath
	name string
	args []interface{}
}

type fakeBusConn struct {
	emitted []emittedSignal
}

func (f *fakeBusConn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return nil
}

func (f *fakeBusConn) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return dbus.RequestNameReplyPrimaryOwner, nil
}

func (f *fakeBusConn) Emit(path dbus.ObjectPath, iface string, args ...interface{}) error {
	f.emitted = append(f.emitted, emittedSignal{path: path, name: iface, args: args})
	return nil
}

func TestInstallerServiceForwardsStagesAsSignals(t *testing.T) {
	fake := &fakeBusConn{}
	svc := &InstallerService{conn: fake, bus: progressbus.New()}

	svc.forward(progressbus.Event{Stage: progressbus.LuksSetup, Text: "unlocked"})
	svc.forward(progressbus.Event{Stage: progressbus.Completed})
	svc.forward(progressbus.Event{Stage: progressbus.Failed, Reason: "boom"})

	if len(fake.emitted) != 3 {
		t.Fatalf("expected 3 emitted signals, got %d", len(fake.emitted))
	}
	if fake.emitted[0].name != installerInterface+".LuksSetup" || fake.emitted[0].args[0] != "unlocked" {
		t.Errorf("unexpected first signal: %+v", fake.emitted[0])
	}
	if fake.emitted[1].name != installerInterface+".InstallCompleted" {
		t.Errorf("unexpected second signal: %+v", fake.emitted[1])
	}
	if fake.emitted[2].name != installerInterface+".InstallFailed" || fake.emitted[2].args[0] != "boom" {
		t.Errorf("unexpected third signal: %+v", fake.emitted[2])
	}
}

func TestInstallerServiceGetDisksReturnsMap(t *testing.T) {
	svc := &InstallerService{conn: &fakeBusConn{}, bus: progressbus.New()}
	disks, dErr := svc.GetDisks()
	if dErr != nil {
		t.Fatalf("GetDisks: %v", dErr)
	}
	// The sandbox this runs in may or may not expose /sys/block entries
	// that pass blockio's disk heuristic; only the shape is asserted.
	for path, fields := range disks {
		if len(fields) != 3 {
			t.Errorf("disk %s: expected 3 fields, got %d", path, len(fields))
		}
	}
}

func TestStatusForBits(t *testing.T) {
	cfg := realm.DefaultConfig()
	cfg.SystemRealm = true
	r := realm.New("apt-cacher", "", cfg)

	got := statusFor(r)
	if got&statusSystem == 0 {
		t.Errorf("expected statusSystem bit set, got %#x", got)
	}
	if got&statusRunning != 0 || got&statusCurrent != 0 {
		t.Errorf("expected running/current bits clear on a freshly constructed realm, got %#x", got)
	}
}

func TestRealmsServiceListSortsByName(t *testing.T) {
	manager := realm.NewManager()
	manager.Add(realm.New("zeta", "", realm.DefaultConfig()))
	manager.Add(realm.New("alpha", "", realm.DefaultConfig()))

	svc := &RealmsService{conn: &fakeBusConn{}, manager: manager}
	entries, dErr := svc.List()
	if dErr != nil {
		t.Fatalf("List: %v", dErr)
	}
	if len(entries) != 2 || entries[0].Name != "alpha" || entries[1].Name != "zeta" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestRealmsServiceRealmConfigUnknownRealm(t *testing.T) {
	manager := realm.NewManager()
	svc := &RealmsService{conn: &fakeBusConn{}, manager: manager}

	if _, dErr := svc.RealmConfig("nope"); dErr == nil {
		t.Fatal("expected an error for an unregistered realm")
	}
}

func TestRealmsServiceGetCurrentEmptyWhenUnset(t *testing.T) {
	manager := realm.NewManager()
	svc := &RealmsService{conn: &fakeBusConn{}, manager: manager}

	name, dErr := svc.GetCurrent()
	if dErr != nil {
		t.Fatalf("GetCurrent: %v", dErr)
	}
	if name != "" {
		t.Fatalf("expected empty current realm name, got %q", name)
	}
}

func TestHandleRealmEventEmitsNamedSignal(t *testing.T) {
	fake := &fakeBusConn{}
	manager := realm.NewManager()
	svc := &RealmsService{conn: fake, manager: manager}

	svc.handleRealmEvent(eventpub.RealmEvent{Kind: eventpub.RealmStarted, Name: "mail"})

	if len(fake.emitted) != 1 {
		t.Fatalf("expected 1 emitted signal, got %d", len(fake.emitted))
	}
	if fake.emitted[0].name != realmsInterface+".RealmStarted" || fake.emitted[0].args[0] != "mail" {
		t.Errorf("unexpected signal: %+v", fake.emitted[0])
	}
}
