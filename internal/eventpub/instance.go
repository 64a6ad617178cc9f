// Package eventpub provides the two event-shaped primitives that sit
// above the realm manager: a single-instance lock for realm-picker UIs,
// bound to a fixed abstract-namespace Unix socket name, and the
// RealmEvent stream the realm manager emits to any registered handler.
package eventpub

import (
	"fmt"

	"github.com/subgraph/citadel-core/internal/logger"
	"golang.org/x/sys/unix"
)

var log = logger.Logger()

// socketName is the fixed abstract-namespace socket name realm-picker
// UIs bind to enforce single-instance launch.
const socketName = "citadel-realms-ui"

// InstanceLock enforces that at most one process in the abstract
// namespace holds socketName at a time: a Unix SOCK_STREAM socket bound
// under that name in the kernel's abstract namespace (the first byte of
// the sockaddr path is NUL, distinguishing it from a filesystem path).
type InstanceLock struct {
	fd int
}

// BindResult reports the outcome of an attempted InstanceLock.Bind.
type BindResult int

const (
	// BindOk means this process now holds the lock and is the sole
	// instance; a reader goroutine has been spawned to detect a
	// subsequent toggle request.
	BindOk BindResult = iota
	// AddressInUse means another instance already holds the lock.
	AddressInUse
	// BindFailed means binding failed for a reason other than the
	// address already being in use.
	BindFailed
)

// NewInstanceLock creates (but does not bind) the socket used for
// single-instance detection.
func NewInstanceLock() (*InstanceLock, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("eventpub: create instance socket: %w", err)
	}
	return &InstanceLock{fd: fd}, nil
}

func abstractAddr() *unix.SockaddrUnix {
	// A leading NUL byte in Name puts the address in Linux's abstract
	// namespace: no filesystem entry is created or needs cleanup.
	return &unix.SockaddrUnix{Name: "\x00" + socketName}
}

// Bind attempts to claim the single-instance lock. If another instance
// already holds it and toggle is true, Bind connects to the existing
// holder (signalling it to quit) before reporting AddressInUse. quit is
// called from a background goroutine when a later process connects to
// signal this holder to exit; it is only ever invoked after a successful
// BindOk bind.
func (l *InstanceLock) Bind(toggle bool, quit func()) BindResult {
	addr := abstractAddr()
	err := unix.Bind(l.fd, addr)
	switch {
	case err == nil:
		go l.spawnReader(quit)
		return BindOk
	case err == unix.EADDRINUSE:
		if toggle {
			l.signalRunningInstance()
		}
		return AddressInUse
	default:
		log.Warnf("eventpub: bind instance socket: %v", err)
		return BindFailed
	}
}

// signalRunningInstance connects to the already-bound socket, which is
// itself the signal: the running instance's accept() unblocks and it
// quits.
func (l *InstanceLock) signalRunningInstance() {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Warnf("eventpub: create signalling socket: %v", err)
		return
	}
	defer unix.Close(fd)
	if err := unix.Connect(fd, abstractAddr()); err != nil {
		log.Warnf("eventpub: signal running instance: %v", err)
	}
}

// spawnReader listens on the bound socket, accepts exactly one
// connection (the next launch's toggle signal), and calls quit.
func (l *InstanceLock) spawnReader(quit func()) {
	if err := unix.Listen(l.fd, 1); err != nil {
		log.Warnf("eventpub: listen on instance socket: %v", err)
		return
	}
	connFd, _, err := unix.Accept(l.fd)
	if err != nil {
		log.Warnf("eventpub: accept on instance socket: %v", err)
		return
	}
	unix.Close(connFd)
	if quit != nil {
		quit()
	}
}

// Close releases the underlying socket file descriptor.
func (l *InstanceLock) Close() error {
	return unix.Close(l.fd)
}
