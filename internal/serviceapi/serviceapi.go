// Package serviceapi exposes the installer backend and realms daemon as
// named D-Bus method/signal surfaces, the same shape
// `original_source/citadel-tool/src/install_backend/dbus.rs` and
// `realmsd/src/dbus.rs` give the Rust implementation. Method bodies stay
// thin: they validate arguments, dispatch to internal/provisioner or
// internal/realm, and return — long-running work happens on a separate
// goroutine that reports back through internal/progressbus or
// internal/eventpub, never blocking the D-Bus dispatch loop, matching
// spec.md §5's "no API handler blocks the loop."
package serviceapi

import (
	"github.com/godbus/dbus/v5"
	"github.com/subgraph/citadel-core/internal/logger"
)

var log = logger.Logger()

// busConn is the subset of *dbus.Conn both services need: enough to
// export an object, request a well-known name, and emit signals. A
// narrow interface here lets tests substitute a fake connection without
// opening a real system bus.
type busConn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Emit(path dbus.ObjectPath, iface string, args ...interface{}) error
}

// connect opens a connection to the D-Bus system bus. Both services run
// as system-bus daemons, matching the original's `LocalConnection::new_system`
// (installer) and `Connection::get_private(BusType::System)` (realmsd).
func connect() (*dbus.Conn, error) {
	return dbus.ConnectSystemBus()
}
