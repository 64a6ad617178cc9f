package serviceapi

import (
	"fmt"
	"strconv"

	"github.com/godbus/dbus/v5"
	"github.com/subgraph/citadel-core/internal/blockio"
	"github.com/subgraph/citadel-core/internal/progressbus"
	"github.com/subgraph/citadel-core/internal/provisioner"
	"sigs.k8s.io/yaml"
)

const (
	installerObjectPath = dbus.ObjectPath("/com/subgraph/installer")
	installerInterface  = "com.subgraph.installer.Manager"
	installerBusName    = "com.subgraph.installer"
)

// InstallerService exports the installer-backend D-Bus surface:
// GetDisks/RunInstall methods, and the pipeline-stage signals
// `install_backend/dbus.rs`'s `DbusServer` relays from its mpsc
// channel. Unlike the original's single hand-rolled `Msg` enum pumped
// through a channel, RunInstall here just launches a goroutine that
// drives internal/provisioner directly and republishes its
// progressbus.Events as D-Bus signals — progressbus already is the
// bounded one-producer channel the original's `Msg` channel stood in
// for.
type InstallerService struct {
	conn busConn
	bus  *progressbus.Bus
}

// NewInstallerService connects to the system bus, exports the installer
// object, and requests its well-known name.
func NewInstallerService() (*InstallerService, error) {
	conn, err := connect()
	if err != nil {
		return nil, fmt.Errorf("serviceapi: connect to system bus: %w", err)
	}
	svc := &InstallerService{conn: conn, bus: progressbus.New()}
	if err := conn.Export(svc, installerObjectPath, installerInterface); err != nil {
		return nil, fmt.Errorf("serviceapi: export installer object: %w", err)
	}
	reply, err := conn.RequestName(installerBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("serviceapi: request name %s: %w", installerBusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("serviceapi: name %s already owned", installerBusName)
	}
	return svc, nil
}

// Start announces ServiceStarted and begins forwarding progressbus
// events onto the bus as signals, until stop is closed.
func (s *InstallerService) Start(stop <-chan struct{}) {
	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	s.emit("ServiceStarted")
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.forward(ev)
		}
	}
}

func (s *InstallerService) forward(ev progressbus.Event) {
	switch ev.Stage {
	case progressbus.DiskPartitioned:
		s.emit("DiskPartitioned")
	case progressbus.LuksSetup:
		s.emitText("LuksSetup", ev.Text)
	case progressbus.LvmSetup:
		s.emitText("LvmSetup", ev.Text)
	case progressbus.BootSetup:
		s.emitText("BootSetup", ev.Text)
	case progressbus.StorageCreated:
		s.emitText("StorageCreated", ev.Text)
	case progressbus.RootfsInstalled:
		s.emitText("RootfsInstalled", ev.Text)
	case progressbus.Completed:
		s.emit("InstallCompleted")
	case progressbus.Failed:
		s.emitText("InstallFailed", ev.Reason)
	}
}

func (s *InstallerService) emit(signal string) {
	if err := s.conn.Emit(installerObjectPath, installerInterface+"."+signal); err != nil {
		log.Warnf("serviceapi: emit %s: %v", signal, err)
	}
}

func (s *InstallerService) emitText(signal, text string) {
	if err := s.conn.Emit(installerObjectPath, installerInterface+"."+signal, text); err != nil {
		log.Warnf("serviceapi: emit %s: %v", signal, err)
	}
}

// GetDisks is the exported "GetDisks() -> a{sas}" D-Bus method: every
// probed disk's path mapped to [model, size-string, removable-as-string],
// matching `TreeData::disks`.
func (s *InstallerService) GetDisks() (map[string][]string, *dbus.Error) {
	disks, err := blockio.ProbeAll()
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	out := make(map[string][]string, len(disks))
	for _, d := range disks {
		out[d.Path()] = []string{d.Model, d.SizeString(), strconv.FormatBool(d.Removable)}
	}
	return out, nil
}

// DisksAsYAML renders the same disk list GetDisks returns as a YAML
// document, for introspection tooling that wants a human-readable dump
// rather than the D-Bus wire type. SPEC_FULL's DOMAIN STACK table
// commits sigs.k8s.io/yaml to exactly this "view-model emission" role.
func (s *InstallerService) DisksAsYAML() (string, error) {
	disks, err := s.GetDisks()
	if err != nil {
		return "", fmt.Errorf("serviceapi: get disks: %w", err)
	}
	doc, err := yaml.Marshal(disks)
	if err != nil {
		return "", fmt.Errorf("serviceapi: marshal disks as yaml: %w", err)
	}
	return string(doc), nil
}

// RunInstall is the exported "RunInstall(device, citadel_pass, luks_pass)
// -> accepted:bool" method. It always installs syslinux in addition to
// the EFI loader entry, matching the original's
// `install.set_install_syslinux(true)` default, and accepts immediately:
// the actual pipeline runs on its own goroutine and reports progress
// exclusively through the signals Start forwards.
func (s *InstallerService) RunInstall(device, citadelPassphrase, luksPassphrase string) (bool, *dbus.Error) {
	opts := provisioner.Options{
		Target:            device,
		CitadelPassphrase: citadelPassphrase,
		LuksPassphrase:    luksPassphrase,
		InstallSyslinux:   true,
	}
	p := provisioner.New(opts, nil, s.bus)

	s.emit("RunInstallStarted")
	go func() {
		if err := p.Run(); err != nil {
			log.Warnf("serviceapi: install failed: %v", err)
		}
	}()
	return true, nil
}
