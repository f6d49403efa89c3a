package sandbox

import (
	"errors"
	"fmt"
)

// Sandbox runtime errors.
var (
	// ErrSandboxClosed is returned when the isolated context has been shut
	// down deliberately.
	ErrSandboxClosed = errors.New("sandbox is closed")

	// ErrCallTimeout is returned when a cross-boundary exchange does not
	// receive its matching reply in time. The correlation id is forgotten,
	// so a late reply is discarded rather than mis-delivered.
	ErrCallTimeout = errors.New("sandbox call timed out")

	// ErrLoadInFlight is returned when a second load is issued while one
	// is still outstanding. Exactly one may be pending per plugin.
	ErrLoadInFlight = errors.New("load already in flight")

	// ErrInitializeInFlight is the initialize counterpart of ErrLoadInFlight.
	ErrInitializeInFlight = errors.New("initialize already in flight")

	// ErrMethodNotFound is returned when a plugin exports no method with
	// the requested name.
	ErrMethodNotFound = errors.New("plugin method not found")

	// ErrAlreadyRunning is returned when spawning a context for a plugin
	// that already has a live one.
	ErrAlreadyRunning = errors.New("plugin sandbox already running")
)

// CrashError reports that a plugin's isolated context terminated
// unexpectedly. Every correlation pending at the time of the crash is
// rejected with it. A crashed context is never respawned automatically:
// partial initialization state cannot be trusted.
type CrashError struct {
	PluginID string
	Cause    any
}

func (e *CrashError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("plugin %s: sandbox crashed: %v", e.PluginID, e.Cause)
	}
	return fmt.Sprintf("plugin %s: sandbox crashed", e.PluginID)
}
