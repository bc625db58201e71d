// Package tool owns the lifecycle of measurement tools on the local host:
// transient tools driven through start/stop/wait script invocations, and
// persistent collectors kept alive across start/stop cycles.
package tool

import (
	"context"
	"errors"
	"fmt"
)

// ErrToolState reports a lifecycle precondition violation (start while
// running, wait without stop, ...). Callers treat it as a per-tool failure,
// never as a process-fatal condition.
var ErrToolState = errors.New("tool state violation")

// InstallResult is the outcome of a tool's install check.
type InstallResult struct {
	RC     int
	Output string
}

// Tool is the uniform capability set over every tool variant. The per-variant
// state (process handles, paths) lives in each implementation.
type Tool interface {
	Name() string

	// Install verifies (or performs) the tool's installation.
	Install(ctx context.Context) (InstallResult, error)

	// Start begins collection, writing under toolDir.
	Start(toolDir string) error

	// Stop ends collection. For persistent variants Stop is idempotent.
	Stop() error

	// Wait joins any outstanding tool processes and clears their handles.
	Wait() error
}

func stateErr(name, format string, args ...any) error {
	return fmt.Errorf("%w: tool(%s) %s", ErrToolState, name, fmt.Sprintf(format, args...))
}
