package realm

import (
	"fmt"
	"strings"

	"github.com/subgraph/citadel-core/internal/shell"
)

// List returns a snapshot of every realm registered with the manager,
// in no particular order. Callers that need a stable order (the
// external API's List method) sort the result themselves.
func (m *Manager) List() []*Realm {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Realm, 0, len(m.realms))
	for _, r := range m.realms {
		out = append(out, r)
	}
	return out
}

// RunInRealm runs argv inside name's container as uid 1000, starting the
// realm first if it isn't already running. No `manager.rs` survived
// `original_source`'s filtering, so this is built directly from
// `realmsd/src/dbus.rs`'s `do_run` handler (start-if-needed, then run)
// using `machinectl shell`, the same command family Stop already shells
// out to for stopping a container.
func (m *Manager) RunInRealm(name string, args []string) error {
	if err := m.Start(name); err != nil {
		return fmt.Errorf("realm: start %q before run: %w", name, err)
	}
	cmd := fmt.Sprintf("machinectl shell --uid=1000 %s %s", name, strings.Join(args, " "))
	if _, err := shell.ExecCmdWithStream(cmd, true, nil); err != nil {
		return fmt.Errorf("realm: run %v in %q: %w", args, name, err)
	}
	return nil
}

// RealmByPid maps a process ID to the realm whose container leader it
// is, by asking machinectl which machine owns pid. Returns false if pid
// does not belong to any running realm's container.
func (m *Manager) RealmByPid(pid int) (*Realm, bool) {
	out, err := shell.ExecCmd(fmt.Sprintf("machinectl status %d", pid), true, nil)
	if err != nil {
		return nil, false
	}
	name := parseMachinectlStatusName(out)
	if name == "" {
		return nil, false
	}
	return m.Get(name)
}

// parseMachinectlStatusName extracts the machine name from `machinectl
// status <pid>` output, whose first line is of the form "<name>(<class>)".
func parseMachinectlStatusName(out string) string {
	lines := strings.SplitN(out, "\n", 2)
	if len(lines) == 0 {
		return ""
	}
	first := strings.TrimSpace(lines[0])
	if idx := strings.IndexByte(first, '('); idx > 0 {
		return first[:idx]
	}
	return ""
}
