package flow

import (
	"fmt"
	"strings"
)

// ConfigError is a malformed or missing piece of configuration: an
// unresolvable dependency, a missing producer artifact at build time, a
// mutation after build. Always fatal, surfaced synchronously to the caller
// that issued the mutating call.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "flow: " + e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ProbeError means a probe run's log could not drive graph expansion: the
// tagged section is missing or not parseable. Fatal for the owning work
// only; sibling works are unaffected.
type ProbeError struct {
	Work string
	Msg  string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("flow: probe output for %s: %s", e.Work, e.Msg)
}

// CycleError reports a dependency cycle at registration time, before
// anything is built or scheduled.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "flow: dependency cycle: " + strings.Join(e.Path, " -> ")
}
