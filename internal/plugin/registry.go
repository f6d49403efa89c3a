package plugin

import (
	"fmt"
	"sync"

	"github.com/numdeck/numdeck/internal/plugin/sandbox"
)

// Entry is the registry's record for one known plugin. The manifest
// reference is immutable; status, enablement, instance, and error are
// mutated only through Registry setters.
type Entry struct {
	Manifest *Manifest
	Enabled  bool
	Status   Status
	Instance *sandbox.Instance
	Err      error

	// Dependencies lists the ids this plugin requires (from the
	// manifest); Dependents lists the ids that require this plugin. The
	// two are kept bidirectionally consistent on every registration.
	Dependencies []string
	Dependents   []string
}

// Registry tracks every known plugin, its dependency graph, and its
// lifecycle status. The adjacency lists are mutated only here, never by
// the loader or the manager.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register creates an entry for the manifest. The manifest is deep-copied
// so later caller mutations cannot leak into the registry. Fails with
// ErrDuplicate if the id already exists; on failure the registry is
// untouched.
func (r *Registry) Register(m *Manifest) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[m.ID]; exists {
		return nil, fmt.Errorf("plugin %s: %w", m.ID, ErrDuplicate)
	}

	stored := m.Clone()
	entry := &Entry{
		Manifest: stored,
		Status:   StatusRegistered,
	}
	for _, dep := range stored.Dependencies {
		entry.Dependencies = append(entry.Dependencies, dep.ID)
		if target, ok := r.entries[dep.ID]; ok {
			target.Dependents = append(target.Dependents, stored.ID)
		}
	}
	// Plugins registered earlier may already depend on this one.
	for _, other := range r.entries {
		for _, dep := range other.Manifest.Dependencies {
			if dep.ID == stored.ID {
				entry.Dependents = append(entry.Dependents, other.Manifest.ID)
			}
		}
	}

	r.entries[stored.ID] = entry
	r.order = append(r.order, stored.ID)
	return snapshot(entry), nil
}

// Unregister removes an entry. It fails with ErrHasDependents while any
// registered plugin lists the id as a non-optional dependency.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	for _, other := range r.entries {
		for _, dep := range other.Manifest.Dependencies {
			if dep.ID == id && !dep.Optional {
				return fmt.Errorf("plugin %s: %w: required by %s", id, ErrHasDependents, other.Manifest.ID)
			}
		}
	}

	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for _, other := range r.entries {
		other.Dependents = remove(other.Dependents, id)
	}
	return nil
}

// CanUnregister reports whether Unregister would succeed, without
// performing it.
func (r *Registry) CanUnregister(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	for _, other := range r.entries {
		for _, dep := range other.Manifest.Dependencies {
			if dep.ID == id && !dep.Optional {
				return fmt.Errorf("plugin %s: %w: required by %s", id, ErrHasDependents, other.Manifest.ID)
			}
		}
	}
	return nil
}

// Get returns a snapshot of the entry for id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return snapshot(entry), true
}

// List returns entry snapshots in registration order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		if entry, ok := r.entries[id]; ok {
			out = append(out, snapshot(entry))
		}
	}
	return out
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SetStatus advances the entry's status. Status only moves forward;
// moving backwards fails with ErrStatusRegression. StatusError is
// reachable from anywhere and left only through ResetForReload.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	if !entry.Status.canAdvance(status) {
		return fmt.Errorf("plugin %s: %w: %s -> %s", id, ErrStatusRegression, entry.Status, status)
	}
	entry.Status = status
	if status != StatusError {
		entry.Err = nil
	}
	return nil
}

// SetError marks the entry failed. Terminal until the plugin is reloaded.
func (r *Registry) SetError(id string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	entry.Status = StatusError
	entry.Err = err
	return nil
}

// SetInstance records the loaded instance for the entry.
func (r *Registry) SetInstance(id string, inst *sandbox.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	entry.Instance = inst
	return nil
}

// ResetForReload returns an errored or unloaded entry to the registered
// state so the loader can try again.
func (r *Registry) ResetForReload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	entry.Status = StatusRegistered
	entry.Enabled = false
	entry.Instance = nil
	entry.Err = nil
	return nil
}

// Enable marks the plugin enabled.
func (r *Registry) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Disable marks the plugin disabled.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false)
}

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	entry.Enabled = enabled
	return nil
}

// DependenciesSatisfied reports whether every non-optional dependency of
// id exists, is not errored, and is both enabled and initialized.
// Optional dependencies never block.
func (r *Registry) DependenciesSatisfied(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return false, fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	for _, dep := range entry.Manifest.Dependencies {
		if dep.Optional {
			continue
		}
		target, ok := r.entries[dep.ID]
		if !ok {
			return false, nil
		}
		if target.Status != StatusInitialized || !target.Enabled {
			return false, nil
		}
	}
	return true, nil
}

// Dependents returns the ids that depend on id.
func (r *Registry) Dependents(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	return append([]string(nil), entry.Dependents...), nil
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func snapshot(e *Entry) *Entry {
	return &Entry{
		Manifest:     e.Manifest,
		Enabled:      e.Enabled,
		Status:       e.Status,
		Instance:     e.Instance,
		Err:          e.Err,
		Dependencies: append([]string(nil), e.Dependencies...),
		Dependents:   append([]string(nil), e.Dependents...),
	}
}

func remove(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
