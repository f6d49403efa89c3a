package sandbox

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// luaContext is the isolated execution context for one plugin: a
// dedicated goroutine that exclusively owns a gopher-lua state. Nothing
// else ever touches the state; the only way in or out is the envelope
// channel pair, and every value crossing it is copied by the bridge.
type luaContext struct {
	pluginID string
	in       <-chan Envelope
	out      chan<- Envelope
	quit     <-chan struct{}
	log      *logrus.Entry

	// ctx is installed on the Lua state and cancelled when quit closes,
	// so a runaway script cannot keep the goroutine alive past Kill.
	ctx context.Context

	L        *lua.LState
	methods  map[string]*lua.LFunction
	handlers map[string]*lua.LFunction

	// Envelopes that arrived while the context was parked waiting for an
	// api-result. Replayed in arrival order before reading the channel.
	backlog []Envelope
}

var errContextClosed = errors.New("sandbox context closed")

// run is the context's main loop. It closes the outbound channel on exit;
// the host reads that as deliberate shutdown or crash depending on
// whether it asked for it.
func (c *luaContext) run() {
	defer close(c.out)
	defer func() {
		if c.L != nil {
			c.L.Close()
			c.L = nil
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("sandbox context panicked")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	c.ctx = ctx

	c.send(Envelope{Type: TypeReady, ID: newCorrelationID()})

	for {
		env, ok := c.next()
		if !ok {
			return
		}
		if done := c.handle(env); done {
			return
		}
	}
}

func (c *luaContext) next() (Envelope, bool) {
	if len(c.backlog) > 0 {
		env := c.backlog[0]
		c.backlog = c.backlog[1:]
		return env, true
	}
	select {
	case env, ok := <-c.in:
		return env, ok
	case <-c.quit:
		return Envelope{}, false
	}
}

func (c *luaContext) send(env Envelope) bool {
	select {
	case c.out <- env:
		return true
	case <-c.quit:
		return false
	}
}

func (c *luaContext) replyError(id string, kind string, err error) {
	c.send(Envelope{Type: TypeError, ID: id, Payload: ErrorPayload{Message: err.Error(), Kind: kind}})
}

func (c *luaContext) handle(env Envelope) (done bool) {
	switch env.Type {
	case TypeLoad:
		c.handleLoad(env)
	case TypeInitialize:
		c.handleInitialize(env)
	case TypeCallMethod:
		c.handleCall(env)
	case TypeEvent:
		c.handleEvent(env)
	case TypeCleanup:
		c.handleCleanup(env)
		return true
	default:
		c.log.WithField("type", env.Type).Debug("ignoring unexpected message")
	}
	return false
}

func (c *luaContext) handleLoad(env Envelope) {
	payload, ok := env.Payload.(LoadPayload)
	if !ok {
		c.replyError(env.ID, errKindRuntime, errors.New("malformed load payload"))
		return
	}
	if c.L != nil {
		c.replyError(env.ID, errKindRuntime, errors.New("plugin source already loaded"))
		return
	}

	L := c.newState()
	if err := L.DoString(payload.Source); err != nil {
		L.Close()
		c.replyError(env.ID, errKindRuntime, err)
		return
	}
	c.L = L
	c.collectExports()

	loaded := LoadedPayload{
		Methods:    sortedKeys(c.methods),
		Events:     sortedKeys(c.handlers),
		Components: c.componentNames(),
	}
	c.send(Envelope{Type: TypeLoaded, ID: env.ID, Payload: loaded})
}

func (c *luaContext) handleInitialize(env Envelope) {
	if c.L == nil {
		c.replyError(env.ID, errKindRuntime, errors.New("initialize before load"))
		return
	}
	payload, _ := env.Payload.(InitializePayload)

	if fn, ok := c.L.GetGlobal("initialize").(*lua.LFunction); ok {
		cfg := toLuaValue(c.L, anyMap(payload.Config))
		if err := c.pcall(fn, 0, cfg); err != nil {
			c.replyError(env.ID, errKindRuntime, err)
			return
		}
	}
	c.send(Envelope{Type: TypeInitialized, ID: env.ID})
}

func (c *luaContext) handleCall(env Envelope) {
	payload, ok := env.Payload.(CallPayload)
	if !ok {
		c.replyError(env.ID, errKindRuntime, errors.New("malformed call payload"))
		return
	}
	fn, ok := c.methods[payload.Method]
	if !ok {
		c.replyError(env.ID, errKindMethodNotFound, errors.New(payload.Method))
		return
	}

	args := make([]lua.LValue, len(payload.Args))
	for i, a := range payload.Args {
		args[i] = toLuaValue(c.L, a)
	}
	value, err := c.pcall1(fn, args...)
	if err != nil {
		c.replyError(env.ID, errKindRuntime, err)
		return
	}
	c.send(Envelope{Type: TypeMethodResult, ID: env.ID, Payload: ResultPayload{Value: toGoValue(value)}})
}

func (c *luaContext) handleEvent(env Envelope) {
	payload, ok := env.Payload.(EventPayload)
	if !ok || c.L == nil {
		return
	}
	fn, ok := c.handlers[payload.Name]
	if !ok {
		return
	}
	data := toLuaValue(c.L, anyMap(payload.Data))
	if err := c.pcall(fn, 0, data); err != nil {
		c.log.WithFields(logrus.Fields{"event": payload.Name, "error": err}).
			Warn("plugin event handler failed")
	}
}

func (c *luaContext) handleCleanup(env Envelope) {
	if c.L != nil {
		if fn, ok := c.L.GetGlobal("cleanup").(*lua.LFunction); ok {
			if err := c.pcall(fn, 0); err != nil {
				c.replyError(env.ID, errKindRuntime, err)
				return
			}
		}
	}
	c.send(Envelope{Type: TypeCleanedUp, ID: env.ID})
}

// newState builds a restricted Lua state: selected stdlib only, loaders
// and process escapes removed, print routed to the host log, and one stub
// table per host API family that turns every method access into an
// api-call exchange. The state carries the context's cancellation so an
// infinite loop in plugin code is aborted on teardown instead of wedging
// the goroutine.
func (c *luaContext) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	L.SetContext(c.ctx)

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// No source may be loaded except through the load message.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.Get(i).String())
		}
		c.log.WithField("output", parts).Debug("plugin print")
		return 0
	}))

	for _, family := range []string{"storage", "events", "ui", "dashboard", "compute"} {
		tbl := L.NewTable()
		mt := L.NewTable()
		mt.RawSetString("__index", L.NewFunction(c.apiIndex(family)))
		L.SetMetatable(tbl, mt)
		L.SetGlobal(family, tbl)
	}

	return L
}

// apiIndex synthesizes a forwarding stub on first access of a method name
// and caches it on the table so later accesses bypass the metamethod.
func (c *luaContext) apiIndex(family string) lua.LGFunction {
	return func(L *lua.LState) int {
		tbl := L.CheckTable(1)
		method := L.CheckString(2)
		fn := L.NewFunction(c.apiStub(family, method))
		tbl.RawSetString(method, fn)
		L.Push(fn)
		return 1
	}
}

// apiStub is the body of a host API forwarding function: copy the
// arguments out of Lua, exchange an api-call for its api-result, copy the
// result back in. An api-error becomes a Lua error at the call site.
func (c *luaContext) apiStub(family, method string) lua.LGFunction {
	return func(L *lua.LState) int {
		n := L.GetTop()
		args := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			args = append(args, toGoValue(L.Get(i)))
		}
		value, err := c.hostCall(family, method, args)
		if err != nil {
			L.RaiseError("%s.%s: %s", family, method, err.Error())
			return 0
		}
		L.Push(toLuaValue(L, value))
		return 1
	}
}

// hostCall performs one plugin->host exchange. While parked waiting for
// the matching api-result, any other inbound traffic is queued on the
// backlog and replayed afterwards, so correlation discipline holds even
// under interleaved requests.
func (c *luaContext) hostCall(family, method string, args []any) (any, error) {
	id := newCorrelationID()
	req := Envelope{Type: TypeAPICall, ID: id, Payload: APICallPayload{API: family, Method: method, Args: args}}
	if !c.send(req) {
		return nil, errContextClosed
	}
	for {
		select {
		case env, ok := <-c.in:
			if !ok {
				return nil, errContextClosed
			}
			if env.ID == id && env.Type == TypeAPIResult {
				p, _ := env.Payload.(ResultPayload)
				return p.Value, nil
			}
			if env.ID == id && env.Type == TypeAPIError {
				p, _ := env.Payload.(ErrorPayload)
				return nil, errors.New(p.Message)
			}
			c.backlog = append(c.backlog, env)
		case <-c.quit:
			return nil, errContextClosed
		}
	}
}

// collectExports reads the plugin's exported surface out of its globals:
// a methods table, a handlers table for events, and a components table
// for UI contributions.
func (c *luaContext) collectExports() {
	c.methods = make(map[string]*lua.LFunction)
	c.handlers = make(map[string]*lua.LFunction)

	if t, ok := c.L.GetGlobal("methods").(*lua.LTable); ok {
		t.ForEach(func(k, v lua.LValue) {
			if fn, ok := v.(*lua.LFunction); ok {
				c.methods[k.String()] = fn
			}
		})
	}
	if t, ok := c.L.GetGlobal("handlers").(*lua.LTable); ok {
		t.ForEach(func(k, v lua.LValue) {
			if fn, ok := v.(*lua.LFunction); ok {
				c.handlers[k.String()] = fn
			}
		})
	}
}

func (c *luaContext) componentNames() []string {
	var names []string
	if t, ok := c.L.GetGlobal("components").(*lua.LTable); ok {
		t.ForEach(func(k, _ lua.LValue) {
			names = append(names, k.String())
		})
	}
	sort.Strings(names)
	return names
}

func (c *luaContext) pcall(fn *lua.LFunction, nret int, args ...lua.LValue) error {
	err := c.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err != nil {
		return err
	}
	c.L.Pop(nret)
	return nil
}

func (c *luaContext) pcall1(fn *lua.LFunction, args ...lua.LValue) (lua.LValue, error) {
	err := c.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	if err != nil {
		return lua.LNil, err
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	return ret, nil
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func sortedKeys(m map[string]*lua.LFunction) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic export lists make instance surfaces stable.
	sort.Strings(keys)
	return keys
}
