package plugin

// Status is the lifecycle status of a registered plugin. It only moves
// forward (registered -> loaded -> initialized) except that any stage may
// drop to StatusError, which is terminal until the plugin is reloaded.
type Status int

// Plugin statuses.
const (
	// StatusRegistered - manifest accepted, no code loaded.
	StatusRegistered Status = iota

	// StatusLoaded - code loaded into an isolated context.
	StatusLoaded

	// StatusInitialized - initialize hook completed.
	StatusInitialized

	// StatusError - a lifecycle stage failed.
	StatusError
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusLoaded:
		return "loaded"
	case StatusInitialized:
		return "initialized"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// canAdvance reports whether a transition from s to next is legal.
// StatusError is always reachable; recovery out of it goes through
// reload, which resets to StatusRegistered.
func (s Status) canAdvance(next Status) bool {
	if next == StatusError {
		return true
	}
	if s == StatusError {
		return next == StatusRegistered
	}
	return next >= s
}
