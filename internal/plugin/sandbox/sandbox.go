package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// APIBroker services plugin-originated api-call messages. The capability
// layer's APISet is the production implementation.
type APIBroker interface {
	Invoke(ctx context.Context, api, method string, args []any) (any, error)
}

// Sandbox is the host-side handle for one plugin's isolated execution
// context. It exclusively owns the context's channel pair and the
// correlation-id table; every exchange is an Envelope, every reply is
// matched strictly by id.
type Sandbox struct {
	pluginID    string
	broker      APIBroker
	log         *logrus.Entry
	callTimeout time.Duration

	toCtx   chan Envelope
	fromCtx chan Envelope
	quit    chan struct{}
	ready   chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	pending     map[string]chan Envelope
	loadPending bool
	initPending bool
	closing     bool
	terminalErr error
}

func newSandbox(pluginID string, broker APIBroker, log *logrus.Logger, callTimeout time.Duration) *Sandbox {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sandbox{
		pluginID:    pluginID,
		broker:      broker,
		log:         log.WithField("plugin", pluginID),
		callTimeout: callTimeout,
		toCtx:       make(chan Envelope),
		fromCtx:     make(chan Envelope),
		quit:        make(chan struct{}),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		pending:     make(map[string]chan Envelope),
	}
}

// start spawns the isolated context goroutine and the host dispatch loop.
func (s *Sandbox) start() {
	lc := &luaContext{
		pluginID: s.pluginID,
		in:       s.toCtx,
		out:      s.fromCtx,
		quit:     s.quit,
		log:      s.log,
	}
	go lc.run()
	go s.dispatch()
}

// awaitReady blocks until the context announced itself.
func (s *Sandbox) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.fate()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch reads everything the context sends and routes it. Replies
// resolve exactly the pending handle registered under their correlation
// id; an id the host never registered is dropped. api-call requests are
// brokered on their own goroutine so a slow host API never stalls the
// reply path.
func (s *Sandbox) dispatch() {
	for env := range s.fromCtx {
		switch env.Type {
		case TypeReady:
			select {
			case <-s.ready:
			default:
				close(s.ready)
			}
		case TypeAPICall:
			go s.serveAPICall(env)
		default:
			s.resolve(env)
		}
	}
	s.terminate()
}

func (s *Sandbox) resolve(env Envelope) {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.WithFields(logrus.Fields{"type": env.Type, "id": env.ID}).
			Debug("dropping reply with unknown correlation id")
		return
	}
	ch <- env
}

func (s *Sandbox) serveAPICall(env Envelope) {
	payload, ok := env.Payload.(APICallPayload)
	reply := Envelope{Type: TypeAPIError, ID: env.ID, Payload: ErrorPayload{Message: "malformed api-call payload"}}
	if ok {
		value, err := s.broker.Invoke(context.Background(), payload.API, payload.Method, payload.Args)
		if err != nil {
			reply = Envelope{Type: TypeAPIError, ID: env.ID, Payload: ErrorPayload{Message: err.Error()}}
		} else {
			reply = Envelope{Type: TypeAPIResult, ID: env.ID, Payload: ResultPayload{Value: value}}
		}
	}
	select {
	case s.toCtx <- reply:
	case <-s.done:
	}
}

// terminate runs once the context's outbound channel closes. Every
// pending correlation is rejected: with ErrSandboxClosed on a deliberate
// shutdown, with CrashError on an unexpected one.
func (s *Sandbox) terminate() {
	s.mu.Lock()
	if s.terminalErr == nil {
		if s.closing {
			s.terminalErr = ErrSandboxClosed
		} else {
			s.terminalErr = &CrashError{PluginID: s.pluginID}
		}
	}
	pending := s.pending
	s.pending = make(map[string]chan Envelope)
	s.mu.Unlock()

	if !s.closing {
		s.log.Warn("sandbox context terminated unexpectedly")
	}
	for _, ch := range pending {
		close(ch)
	}
	close(s.done)
}

func (s *Sandbox) fate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalErr != nil {
		return s.terminalErr
	}
	return ErrSandboxClosed
}

// request performs one correlation-keyed exchange. The configured call
// timeout applies on top of any caller deadline; on expiry the id is
// forgotten so a late reply can never resolve a foreign handle.
func (s *Sandbox) request(ctx context.Context, env Envelope) (Envelope, error) {
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	ch := make(chan Envelope, 1)
	s.mu.Lock()
	if s.terminalErr != nil {
		err := s.terminalErr
		s.mu.Unlock()
		return Envelope{}, err
	}
	s.pending[env.ID] = ch
	s.mu.Unlock()

	select {
	case s.toCtx <- env:
	case <-s.done:
		s.forget(env.ID)
		return Envelope{}, s.fate()
	case <-ctx.Done():
		s.forget(env.ID)
		return Envelope{}, s.timeoutErr(ctx)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, s.fate()
		}
		return reply, nil
	case <-ctx.Done():
		s.forget(env.ID)
		return Envelope{}, s.timeoutErr(ctx)
	}
}

func (s *Sandbox) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Sandbox) timeoutErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("plugin %s: %w", s.pluginID, ErrCallTimeout)
	}
	return ctx.Err()
}

// Load ships the plugin source into the context and waits for the loaded
// reply carrying the exported surface. At most one load may be
// outstanding at a time.
func (s *Sandbox) Load(ctx context.Context, source string) (*LoadedPayload, error) {
	s.mu.Lock()
	if s.loadPending {
		s.mu.Unlock()
		return nil, ErrLoadInFlight
	}
	s.loadPending = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loadPending = false
		s.mu.Unlock()
	}()

	env := Envelope{Type: TypeLoad, ID: newCorrelationID(), Payload: LoadPayload{Source: source}}
	reply, err := s.request(ctx, env)
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case TypeLoaded:
		p, _ := reply.Payload.(LoadedPayload)
		return &p, nil
	case TypeError:
		return nil, replyError(reply)
	default:
		return nil, fmt.Errorf("unexpected reply %q to load", reply.Type)
	}
}

// Initialize invokes the plugin's initialize hook with its configuration.
// At most one initialize may be outstanding at a time.
func (s *Sandbox) Initialize(ctx context.Context, config map[string]any) error {
	s.mu.Lock()
	if s.initPending {
		s.mu.Unlock()
		return ErrInitializeInFlight
	}
	s.initPending = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.initPending = false
		s.mu.Unlock()
	}()

	env := Envelope{Type: TypeInitialize, ID: newCorrelationID(), Payload: InitializePayload{Config: config}}
	reply, err := s.request(ctx, env)
	if err != nil {
		return err
	}
	switch reply.Type {
	case TypeInitialized:
		return nil
	case TypeError:
		return replyError(reply)
	default:
		return fmt.Errorf("unexpected reply %q to initialize", reply.Type)
	}
}

// Call invokes an exported plugin method and returns its result.
func (s *Sandbox) Call(ctx context.Context, method string, args []any) (any, error) {
	env := Envelope{Type: TypeCallMethod, ID: newCorrelationID(), Payload: CallPayload{Method: method, Args: args}}
	reply, err := s.request(ctx, env)
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case TypeMethodResult:
		p, _ := reply.Payload.(ResultPayload)
		return p.Value, nil
	case TypeError:
		return nil, replyError(reply)
	default:
		return nil, fmt.Errorf("unexpected reply %q to call-method", reply.Type)
	}
}

// Emit delivers a host event to the plugin's handlers. Fire and forget:
// no reply is expected and handler errors stay inside the context. A
// context busy past the call timeout has the event dropped with a warning
// rather than blocking the publisher.
func (s *Sandbox) Emit(name string, data map[string]any) {
	env := Envelope{Type: TypeEvent, ID: newCorrelationID(), Payload: EventPayload{Name: name, Data: data}}
	var expired <-chan time.Time
	if s.callTimeout > 0 {
		timer := time.NewTimer(s.callTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case s.toCtx <- env:
	case <-s.done:
	case <-expired:
		s.log.WithField("event", name).Warn("dropping event for unresponsive plugin")
	}
}

// Cleanup asks the plugin to release its resources; the context exits
// after replying.
func (s *Sandbox) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	env := Envelope{Type: TypeCleanup, ID: newCorrelationID(), Payload: nil}
	reply, err := s.request(ctx, env)
	if err != nil {
		return err
	}
	switch reply.Type {
	case TypeCleanedUp:
		return nil
	case TypeError:
		return replyError(reply)
	default:
		return fmt.Errorf("unexpected reply %q to cleanup", reply.Type)
	}
}

// Kill tears the context down without cleanup. Pending correlations are
// rejected with CrashError unless Cleanup already marked the shutdown
// deliberate.
func (s *Sandbox) Kill() {
	s.mu.Lock()
	alreadyQuit := false
	select {
	case <-s.quit:
		alreadyQuit = true
	default:
		close(s.quit)
	}
	s.mu.Unlock()
	if alreadyQuit {
		return
	}
	<-s.done
}

// Done is closed once the context has terminated, for any reason.
func (s *Sandbox) Done() <-chan struct{} { return s.done }

// Err returns the terminal error after Done is closed, nil before.
func (s *Sandbox) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

func replyError(reply Envelope) error {
	p, _ := reply.Payload.(ErrorPayload)
	if p.Kind == errKindMethodNotFound {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, p.Message)
	}
	return errors.New(p.Message)
}
