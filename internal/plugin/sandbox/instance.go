package sandbox

import (
	"context"
	"fmt"
)

// MethodFunc forwards one call to an exported plugin method across the
// isolation boundary.
type MethodFunc func(ctx context.Context, args ...any) (any, error)

// Instance is the host-side surface of a loaded plugin. Its forwarding
// functions are built eagerly from the loaded reply's export lists and
// cached for the instance's lifetime; there is no dynamic lookup at call
// time beyond a map access.
type Instance struct {
	pluginID   string
	sb         *Sandbox
	methods    map[string]MethodFunc
	events     []string
	components []string
}

func newInstance(pluginID string, sb *Sandbox, loaded *LoadedPayload) *Instance {
	inst := &Instance{
		pluginID:   pluginID,
		sb:         sb,
		methods:    make(map[string]MethodFunc, len(loaded.Methods)),
		events:     append([]string(nil), loaded.Events...),
		components: append([]string(nil), loaded.Components...),
	}
	for _, name := range loaded.Methods {
		method := name
		inst.methods[name] = func(ctx context.Context, args ...any) (any, error) {
			return sb.Call(ctx, method, args)
		}
	}
	return inst
}

// ID returns the owning plugin id.
func (i *Instance) ID() string { return i.pluginID }

// Initialize runs the plugin's initialize hook with its configuration.
func (i *Instance) Initialize(ctx context.Context, config map[string]any) error {
	return i.sb.Initialize(ctx, config)
}

// Cleanup runs the plugin's cleanup hook and shuts the context down.
func (i *Instance) Cleanup(ctx context.Context) error {
	return i.sb.Cleanup(ctx)
}

// Call invokes an exported method by name.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := i.methods[name]
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w: %s", i.pluginID, ErrMethodNotFound, name)
	}
	return fn(ctx, args...)
}

// Method returns the cached forwarder for name, if exported.
func (i *Instance) Method(name string) (MethodFunc, bool) {
	fn, ok := i.methods[name]
	return fn, ok
}

// Emit delivers a host event to the plugin's matching handler, if any.
func (i *Instance) Emit(name string, data map[string]any) {
	i.sb.Emit(name, data)
}

// Methods lists the exported method names.
func (i *Instance) Methods() []string {
	names := make([]string, 0, len(i.methods))
	for name := range i.methods {
		names = append(names, name)
	}
	return names
}

// Events lists the event names the plugin handles.
func (i *Instance) Events() []string {
	return append([]string(nil), i.events...)
}

// Components lists the UI component names the plugin exports.
func (i *Instance) Components() []string {
	return append([]string(nil), i.components...)
}

// Done is closed when the plugin's context terminates.
func (i *Instance) Done() <-chan struct{} { return i.sb.Done() }
