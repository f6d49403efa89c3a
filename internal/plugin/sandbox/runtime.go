package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCallTimeout bounds every cross-boundary exchange unless the
// caller supplies a tighter deadline.
const DefaultCallTimeout = 30 * time.Second

// Runtime owns every live isolated execution context, one per loaded
// plugin. A context that crashes stays dead until the plugin is reloaded
// through the loader; the runtime never respawns on its own.
type Runtime struct {
	log         *logrus.Logger
	callTimeout time.Duration

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithCallTimeout sets the default timeout for sandbox exchanges. Zero
// disables the default; callers then bound calls with their own context.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.callTimeout = d }
}

// WithLogger sets the runtime logger.
func WithLogger(log *logrus.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// NewRuntime creates a sandbox runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		log:         logrus.StandardLogger(),
		callTimeout: DefaultCallTimeout,
		sandboxes:   make(map[string]*Sandbox),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn starts an isolated context for the plugin, ships it the source,
// and returns the instance surface built from the loaded reply. The
// broker receives every api-call the plugin makes.
func (r *Runtime) Spawn(ctx context.Context, pluginID, source string, broker APIBroker) (*Instance, error) {
	r.mu.Lock()
	if _, exists := r.sandboxes[pluginID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("plugin %s: %w", pluginID, ErrAlreadyRunning)
	}
	sb := newSandbox(pluginID, broker, r.log, r.callTimeout)
	r.sandboxes[pluginID] = sb
	r.mu.Unlock()

	sb.start()
	if err := sb.awaitReady(ctx); err != nil {
		r.drop(pluginID, sb)
		return nil, err
	}

	loaded, err := sb.Load(ctx, source)
	if err != nil {
		sb.Kill()
		r.drop(pluginID, sb)
		return nil, err
	}

	return newInstance(pluginID, sb, loaded), nil
}

// Kill force-terminates a plugin's context and discards it.
func (r *Runtime) Kill(pluginID string) {
	r.mu.Lock()
	sb := r.sandboxes[pluginID]
	delete(r.sandboxes, pluginID)
	r.mu.Unlock()
	if sb != nil {
		sb.Kill()
	}
}

// Release discards the handle for a context that already shut down
// cleanly (after Cleanup), freeing the id for a future reload.
func (r *Runtime) Release(pluginID string) {
	r.mu.Lock()
	delete(r.sandboxes, pluginID)
	r.mu.Unlock()
}

// Running lists plugin ids with a live context.
func (r *Runtime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sandboxes))
	for id, sb := range r.sandboxes {
		select {
		case <-sb.Done():
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown cleans up every live context, best effort.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sandboxes := make(map[string]*Sandbox, len(r.sandboxes))
	for id, sb := range r.sandboxes {
		sandboxes[id] = sb
	}
	r.sandboxes = make(map[string]*Sandbox)
	r.mu.Unlock()

	for id, sb := range sandboxes {
		if err := sb.Cleanup(ctx); err != nil {
			r.log.WithFields(logrus.Fields{"plugin": id, "error": err}).
				Warn("sandbox cleanup failed during shutdown")
			sb.Kill()
		}
	}
}

func (r *Runtime) drop(pluginID string, sb *Sandbox) {
	r.mu.Lock()
	if r.sandboxes[pluginID] == sb {
		delete(r.sandboxes, pluginID)
	}
	r.mu.Unlock()
}
