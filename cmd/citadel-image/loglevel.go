package main

import (
	"fmt"

	"github.com/spf13/pflag"
)

// logLevelFlag is a pflag.Value that only accepts the levels
// internal/logger understands, so an invalid --log-level is rejected at
// flag-parse time instead of being silently replaced by the info level
// internal/logger falls back to for a level it cannot parse.
type logLevelFlag string

var _ pflag.Value = (*logLevelFlag)(nil)

func (l *logLevelFlag) String() string { return string(*l) }
func (l *logLevelFlag) Type() string   { return "level" }

func (l *logLevelFlag) Set(v string) error {
	switch v {
	case "debug", "info", "warn", "error":
		*l = logLevelFlag(v)
		return nil
	default:
		return fmt.Errorf("unsupported log level %q (want debug, info, warn, or error)", v)
	}
}
