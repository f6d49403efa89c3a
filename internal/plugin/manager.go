package plugin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/numdeck/numdeck/internal/plugin/capability"
	"github.com/numdeck/numdeck/internal/plugin/sandbox"
)

// Lifecycle event names published on the host event bus. Data carries the
// plugin id under "plugin".
const (
	EventLoaded      = "plugin:loaded"
	EventInitialized = "plugin:initialized"
	EventEnabled     = "plugin:enabled"
	EventDisabled    = "plugin:disabled"
	EventError       = "plugin:error"
	EventUnloaded    = "plugin:unloaded"
)

// ManagerConfig configures a Manager. Fetcher and Services are required.
type ManagerConfig struct {
	Fetcher     Fetcher
	Services    capability.HostServices
	CacheTTL    time.Duration
	CallTimeout time.Duration
	Logger      *logrus.Logger
}

// Manager is the front door of the plugin subsystem. It owns the
// registry, the loader and the sandbox runtime, builds exactly one
// capability set per plugin, and drives the lifecycle from registration
// through unload.
type Manager struct {
	registry *Registry
	loader   *Loader
	runtime  *sandbox.Runtime
	services capability.HostServices
	log      *logrus.Logger

	mu      sync.Mutex
	apisets map[string]*capability.APISet
}

// NewManager wires up a manager from the given config.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = sandbox.DefaultCallTimeout
	}

	m := &Manager{
		registry: NewRegistry(),
		runtime:  sandbox.NewRuntime(sandbox.WithCallTimeout(timeout), sandbox.WithLogger(log)),
		services: cfg.Services,
		log:      log,
		apisets:  make(map[string]*capability.APISet),
	}
	m.loader = NewLoader(LoaderConfig{
		Registry: m.registry,
		Runtime:  m.runtime,
		Fetcher:  cfg.Fetcher,
		Brokers:  m,
		CacheTTL: cfg.CacheTTL,
		Logger:   log,
	})
	m.loader.SetActivate(m.activate)
	return m
}

// Registry exposes the underlying registry for inspection.
func (m *Manager) Registry() *Registry { return m.registry }

// BrokerFor returns the capability set for a plugin, building it from the
// manifest's permissions on first use. One set per plugin, ever.
func (m *Manager) BrokerFor(manifest *Manifest) sandbox.APIBroker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.apisets[manifest.ID]; ok {
		return set
	}
	set := capability.NewAPISet(
		manifest.ID,
		capability.NewSet(manifest.Permissions),
		manifest.DeclaredContributions(),
		m.services,
		m.log,
	)
	m.apisets[manifest.ID] = set
	return set
}

// Register validates and records a manifest without loading any code.
func (m *Manager) Register(manifest *Manifest) error {
	if vs := manifest.Validate(); len(vs) > 0 {
		return &ValidationError{PluginID: manifest.ID, Violations: vs}
	}
	_, err := m.registry.Register(manifest)
	return err
}

// Load brings a plugin fully up: resolve, validate, register,
// dependencies, sandbox, initialize, enable. Loading an already
// initialized plugin returns its entry unchanged.
func (m *Manager) Load(ctx context.Context, ref string, opts LoadOptions) (*Entry, error) {
	if entry, ok := m.registry.Get(ref); ok && entry.Status == StatusInitialized {
		return entry, nil
	}
	entry, err := m.loader.Load(ctx, ref, opts)
	if err != nil {
		m.publish(EventError, ref, map[string]any{"error": err.Error()})
		return nil, err
	}
	return entry, nil
}

// activate runs inside the loader once a plugin reaches loaded: wire the
// host-to-plugin event path, initialize with the manifest's config
// defaults, then enable. Recursively loaded dependencies pass through
// here too, so they come up satisfied for their dependents.
func (m *Manager) activate(ctx context.Context, id string) error {
	entry, ok := m.registry.Get(id)
	if !ok || entry.Instance == nil {
		return ErrNotRegistered
	}
	inst := entry.Instance

	m.mu.Lock()
	if set, ok := m.apisets[id]; ok {
		set.SetEmitter(inst.Emit)
	}
	m.mu.Unlock()

	m.publish(EventLoaded, id, nil)

	if err := inst.Initialize(ctx, entry.Manifest.ConfigDefaults()); err != nil {
		m.publish(EventError, id, map[string]any{"error": err.Error()})
		return err
	}
	if err := m.registry.SetStatus(id, StatusInitialized); err != nil {
		return err
	}
	m.publish(EventInitialized, id, nil)

	if err := m.registry.Enable(id); err != nil {
		return err
	}
	m.publish(EventEnabled, id, nil)
	return nil
}

// Enable marks an initialized plugin as active.
func (m *Manager) Enable(id string) error {
	entry, ok := m.registry.Get(id)
	if !ok {
		return ErrNotRegistered
	}
	if entry.Status != StatusInitialized {
		return ErrNotInitialized
	}
	if entry.Enabled {
		return nil
	}
	if err := m.registry.Enable(id); err != nil {
		return err
	}
	m.publish(EventEnabled, id, nil)
	return nil
}

// Disable deactivates a plugin without tearing down its sandbox.
func (m *Manager) Disable(id string) error {
	entry, ok := m.registry.Get(id)
	if !ok {
		return ErrNotRegistered
	}
	if entry.Status != StatusInitialized {
		return ErrNotInitialized
	}
	if !entry.Enabled {
		return nil
	}
	if err := m.registry.Disable(id); err != nil {
		return err
	}
	m.publish(EventDisabled, id, nil)
	return nil
}

// Call invokes an exported method on an enabled plugin.
func (m *Manager) Call(ctx context.Context, id, method string, args ...any) (any, error) {
	entry, ok := m.registry.Get(id)
	if !ok {
		return nil, ErrNotRegistered
	}
	if entry.Status != StatusInitialized || !entry.Enabled || entry.Instance == nil {
		return nil, ErrNotInitialized
	}
	return entry.Instance.Call(ctx, method, args...)
}

// Unload tears a plugin down: cleanup in the sandbox, kill, unregister,
// release its capability set. Blocked while non-optional dependents
// remain registered.
func (m *Manager) Unload(ctx context.Context, id string) error {
	if err := m.registry.CanUnregister(id); err != nil {
		return err
	}
	entry, ok := m.registry.Get(id)
	if !ok {
		return ErrNotRegistered
	}

	if entry.Instance != nil {
		if err := entry.Instance.Cleanup(ctx); err != nil {
			m.log.WithField("plugin", id).Warnf("cleanup failed: %v", err)
		}
	}
	m.runtime.Kill(id)

	if err := m.registry.Unregister(id); err != nil {
		return err
	}

	m.mu.Lock()
	if set, ok := m.apisets[id]; ok {
		set.Close()
		delete(m.apisets, id)
	}
	m.mu.Unlock()

	m.publish(EventUnloaded, id, nil)
	return nil
}

// Get returns a snapshot of a plugin's registry entry.
func (m *Manager) Get(id string) (*Entry, bool) {
	return m.registry.Get(id)
}

// List returns snapshots of every registered plugin in registration
// order.
func (m *Manager) List() []*Entry {
	return m.registry.List()
}

// Discover lists installable plugins found by the fetcher.
func (m *Manager) Discover() ([]*Manifest, error) {
	return m.loader.Discover()
}

// LoadAll discovers and loads every available plugin. Individual
// failures are collected rather than aborting the sweep.
func (m *Manager) LoadAll(ctx context.Context) ([]*Entry, error) {
	manifests, err := m.Discover()
	if err != nil {
		return nil, err
	}
	var loaded []*Entry
	var errs []error
	for _, manifest := range manifests {
		entry, err := m.Load(ctx, manifest.ID, LoadOptions{})
		if err != nil {
			m.log.WithField("plugin", manifest.ID).Warnf("load failed: %v", err)
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, entry)
	}
	return loaded, errors.Join(errs...)
}

// UnloadAll unloads every plugin in reverse registration order so
// dependents go before their dependencies.
func (m *Manager) UnloadAll(ctx context.Context) error {
	ids := m.registry.IDs()
	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.Unload(ctx, ids[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown unloads everything and stops the runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.UnloadAll(ctx)
	m.runtime.Shutdown(ctx)
	return err
}

// Stats summarizes the registry.
type Stats struct {
	Total       int
	Enabled     int
	Initialized int
	Errored     int
}

// Stats returns aggregate counts over registered plugins.
func (m *Manager) Stats() Stats {
	var s Stats
	for _, entry := range m.registry.List() {
		s.Total++
		if entry.Enabled {
			s.Enabled++
		}
		switch entry.Status {
		case StatusInitialized:
			s.Initialized++
		case StatusError:
			s.Errored++
		}
	}
	return s
}

func (m *Manager) publish(event, id string, data map[string]any) {
	if m.services.Bus == nil {
		return
	}
	payload := map[string]any{"plugin": id}
	for k, v := range data {
		payload[k] = v
	}
	m.services.Bus.Publish(event, payload)
}
