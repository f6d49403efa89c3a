package plugin

import (
	"errors"
	"fmt"
)

// Plugin system errors.
var (
	// ErrDuplicate is returned when registering an id that already exists.
	ErrDuplicate = errors.New("plugin already registered")

	// ErrNotRegistered is returned when an operation names an unknown id.
	ErrNotRegistered = errors.New("plugin not registered")

	// ErrHasDependents is returned when unregistering a plugin that other
	// registered plugins non-optionally depend on.
	ErrHasDependents = errors.New("plugin has non-optional dependents")

	// ErrDependencyUnsatisfied is returned when a non-optional dependency
	// is missing, errored, disabled, or not initialized.
	ErrDependencyUnsatisfied = errors.New("plugin dependency unsatisfied")

	// ErrDependencyCycle is returned when the dependency walk revisits a
	// plugin already on the current load path.
	ErrDependencyCycle = errors.New("plugin dependency cycle")

	// ErrNotInitialized is returned when enabling or disabling a plugin
	// that has not completed initialization.
	ErrNotInitialized = errors.New("plugin not initialized")

	// ErrStatusRegression is returned on an attempt to move status
	// backwards.
	ErrStatusRegression = errors.New("plugin status cannot move backwards")
)

// Load stages recorded on LoadError.
const (
	StageResolve    = "resolve"
	StageValidate   = "validate"
	StageDependency = "dependency"
	StageSandbox    = "sandbox"
	StageInitialize = "initialize"
)

// LoadError wraps a failure during plugin loading with the failing plugin
// id and the stage that failed.
type LoadError struct {
	PluginID string
	Stage    string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %s: %v", e.PluginID, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(id, stage string, err error) error {
	return &LoadError{PluginID: id, Stage: stage, Err: err}
}
