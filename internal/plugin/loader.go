package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/numdeck/numdeck/internal/plugin/sandbox"
)

const (
	// DefaultCacheTTL bounds how long a fetched plugin stays reusable
	// without hitting its source again.
	DefaultCacheTTL = time.Hour

	// DefaultCacheSize caps the number of cached plugins.
	DefaultCacheSize = 64
)

// BrokerProvider hands the loader an API broker for a plugin about to be
// spawned. The manager implements this so capability wiring stays out of
// the loader.
type BrokerProvider interface {
	BrokerFor(m *Manifest) sandbox.APIBroker
}

// ActivateFunc runs after a plugin reaches the loaded state. The manager
// installs one that initializes and enables the plugin so recursively
// loaded dependencies come up fully activated.
type ActivateFunc func(ctx context.Context, id string) error

// LoadOptions tune a single load request.
type LoadOptions struct {
	// Source supplies the plugin code inline, together with Manifest.
	// When both are set no fetch happens.
	Source string

	// Manifest supplies the descriptor inline.
	Manifest *Manifest

	// NoCache bypasses the cache and forces a fresh fetch.
	NoCache bool
}

type cacheEntry struct {
	manifest *Manifest
	source   string
}

// LoaderConfig configures a Loader. Registry, Runtime and Fetcher are
// required.
type LoaderConfig struct {
	Registry  *Registry
	Runtime   *sandbox.Runtime
	Fetcher   Fetcher
	Brokers   BrokerProvider
	CacheTTL  time.Duration
	CacheSize int
	Logger    *logrus.Logger
}

// Loader resolves plugin references, validates and registers manifests,
// brings up dependencies, and spawns sandboxes. Resolution precedence is
// inline source, then cache, then fetch.
type Loader struct {
	registry *Registry
	runtime  *sandbox.Runtime
	fetcher  Fetcher
	brokers  BrokerProvider
	cache    *expirable.LRU[string, cacheEntry]
	log      *logrus.Logger
	activate ActivateFunc

	mu sync.Mutex // serializes load trees
}

// NewLoader creates a loader from the given config.
func NewLoader(cfg LoaderConfig) *Loader {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		registry: cfg.Registry,
		runtime:  cfg.Runtime,
		fetcher:  cfg.Fetcher,
		brokers:  cfg.Brokers,
		cache:    expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		log:      log,
	}
}

// SetActivate installs the post-load activation hook.
func (l *Loader) SetActivate(fn ActivateFunc) {
	l.activate = fn
}

// Load resolves ref, validates and registers the plugin, loads its
// non-optional dependencies first, and spawns its sandbox. Returns the
// registry entry for the loaded plugin.
func (l *Loader) Load(ctx context.Context, ref string, opts LoadOptions) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, ref, opts, make(map[string]bool))
}

func (l *Loader) load(ctx context.Context, ref string, opts LoadOptions, visiting map[string]bool) (*Entry, error) {
	m, source, err := l.resolve(ctx, ref, opts)
	if err != nil {
		return nil, loadErr(ref, StageResolve, err)
	}

	if vs := m.Validate(); len(vs) > 0 {
		return nil, loadErr(ref, StageValidate, &ValidationError{PluginID: m.ID, Violations: vs})
	}
	id := m.ID

	if visiting[id] {
		return nil, loadErr(id, StageDependency, ErrDependencyCycle)
	}
	visiting[id] = true
	defer delete(visiting, id)

	if entry, ok := l.registry.Get(id); ok {
		switch {
		case entry.Status == StatusInitialized && entry.Instance != nil:
			return entry, nil
		case entry.Status == StatusLoaded && entry.Instance != nil:
			// Spawned but not yet activated. Respawning a live context
			// would fail, so hand back the existing entry.
			return entry, nil
		case entry.Status == StatusError:
			if err := l.registry.ResetForReload(id); err != nil {
				return nil, loadErr(id, StageDependency, err)
			}
		}
	} else {
		if _, err := l.registry.Register(m); err != nil {
			return nil, loadErr(id, StageDependency, err)
		}
	}

	if err := l.loadDependencies(ctx, m, visiting); err != nil {
		l.registry.SetError(id, err)
		return nil, err
	}

	ok, err := l.registry.DependenciesSatisfied(id)
	if err != nil {
		return nil, loadErr(id, StageDependency, err)
	}
	if !ok {
		l.registry.SetError(id, ErrDependencyUnsatisfied)
		return nil, loadErr(id, StageDependency, ErrDependencyUnsatisfied)
	}

	var broker sandbox.APIBroker
	if l.brokers != nil {
		broker = l.brokers.BrokerFor(m)
	}
	inst, err := l.runtime.Spawn(ctx, id, source, broker)
	if err != nil {
		l.registry.SetError(id, err)
		return nil, loadErr(id, StageSandbox, err)
	}
	if err := l.registry.SetInstance(id, inst); err != nil {
		l.runtime.Kill(id)
		return nil, loadErr(id, StageSandbox, err)
	}
	if err := l.registry.SetStatus(id, StatusLoaded); err != nil {
		l.runtime.Kill(id)
		l.registry.SetError(id, err)
		return nil, loadErr(id, StageSandbox, err)
	}

	if l.activate != nil {
		if err := l.activate(ctx, id); err != nil {
			l.runtime.Kill(id)
			l.registry.SetInstance(id, nil)
			l.registry.SetError(id, err)
			return nil, loadErr(id, StageInitialize, err)
		}
	}

	entry, _ := l.registry.Get(id)
	return entry, nil
}

// loadDependencies brings up every dependency of m before m itself.
// Non-optional failures abort the load; optional ones are logged and
// skipped.
func (l *Loader) loadDependencies(ctx context.Context, m *Manifest, visiting map[string]bool) error {
	for _, dep := range m.Dependencies {
		if entry, ok := l.registry.Get(dep.ID); ok && entry.Status == StatusInitialized && entry.Enabled {
			if err := l.checkDepVersion(dep, entry.Manifest.Version); err != nil {
				if dep.Optional {
					l.log.WithFields(logrus.Fields{"plugin": m.ID, "dependency": dep.ID}).
						Warnf("optional dependency skipped: %v", err)
					continue
				}
				return loadErr(m.ID, StageDependency, err)
			}
			continue
		}
		entry, err := l.load(ctx, dep.ID, LoadOptions{}, visiting)
		if err == nil {
			err = l.checkDepVersion(dep, entry.Manifest.Version)
		}
		if err != nil {
			if dep.Optional {
				l.log.WithFields(logrus.Fields{"plugin": m.ID, "dependency": dep.ID}).
					Warnf("optional dependency skipped: %v", err)
				continue
			}
			return loadErr(m.ID, StageDependency, err)
		}
	}
	return nil
}

// checkDepVersion verifies a loaded dependency's version against the
// declared range. An empty range accepts any version.
func (l *Loader) checkDepVersion(dep Dependency, version string) error {
	if dep.Version == "" {
		return nil
	}
	c, err := semver.NewConstraint(dep.Version)
	if err != nil {
		return fmt.Errorf("dependency %s: invalid version range %q: %w", dep.ID, dep.Version, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("dependency %s: invalid version %q: %w", dep.ID, version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("dependency %s: version %s does not satisfy %s", dep.ID, version, dep.Version)
	}
	return nil
}

// resolve produces the manifest and source for ref. Inline material wins,
// then the cache (unless bypassed), then the fetcher. Fetched plugins are
// cached under both the reference and the manifest id.
func (l *Loader) resolve(ctx context.Context, ref string, opts LoadOptions) (*Manifest, string, error) {
	if opts.Manifest != nil && opts.Source != "" {
		return opts.Manifest.Clone(), opts.Source, nil
	}
	if opts.Manifest != nil || opts.Source != "" {
		return nil, "", errors.New("inline load requires both manifest and source")
	}

	key := cacheKey(ref)
	if !opts.NoCache {
		if ce, ok := l.cache.Get(key); ok {
			return ce.manifest.Clone(), ce.source, nil
		}
	}

	m, err := l.fetcher.FetchManifest(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	source, err := l.fetcher.FetchSource(ctx, ref, m.EntryPoint)
	if err != nil {
		return nil, "", err
	}

	ce := cacheEntry{manifest: m, source: source}
	l.cache.Add(key, ce)
	if m.ID != "" && cacheKey(m.ID) != key {
		l.cache.Add(cacheKey(m.ID), ce)
	}
	return m.Clone(), source, nil
}

// Invalidate drops a plugin from the cache.
func (l *Loader) Invalidate(ref string) {
	l.cache.Remove(cacheKey(ref))
}

// Discover lists installable plugins when the fetcher supports it.
func (l *Loader) Discover() ([]*Manifest, error) {
	type discoverer interface {
		Discover() ([]*Manifest, error)
	}
	switch f := l.fetcher.(type) {
	case discoverer:
		return f.Discover()
	case *RouteFetcher:
		if d, ok := f.Local.(discoverer); ok {
			return d.Discover()
		}
	}
	return nil, nil
}

func cacheKey(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
