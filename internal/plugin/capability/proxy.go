package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// HostEventPrefix marks event names on the host's own channel. Names a
// plugin publishes with this prefix pass through the event proxy
// unchanged; everything else is namespaced as plugin:<id>:<name>.
const HostEventPrefix = "numdeck:"

// DeclaredContributions lists the dashboard contribution point ids a
// plugin declared in its manifest. Registration calls for undeclared ids
// are refused (warn + no-op).
type DeclaredContributions struct {
	Panels         []string
	ToolbarItems   []string
	Visualizations []string
}

// APISet is the per-plugin capability surface: one permission-checked,
// plugin-namespaced wrapper per host API family. It is built exactly once
// per plugin and treats the permission set as read-only. APISet satisfies
// the sandbox runtime's broker contract, so every api-call message from
// the plugin's isolated context lands here.
type APISet struct {
	pluginID string
	perms    Set
	services HostServices
	log      *logrus.Entry
	denied   denyOnce

	declaredPanels  map[string]bool
	declaredToolbar map[string]bool
	declaredVis     map[string]bool

	storage *NamespacedStorage
	events  *EventProxy
}

// NewAPISet builds the capability surface for one plugin.
func NewAPISet(pluginID string, perms Set, declared DeclaredContributions, services HostServices, log *logrus.Logger) *APISet {
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithField("plugin", pluginID)
	s := &APISet{
		pluginID:        pluginID,
		perms:           perms,
		services:        services,
		log:             entry,
		declaredPanels:  toIDSet(declared.Panels),
		declaredToolbar: toIDSet(declared.ToolbarItems),
		declaredVis:     toIDSet(declared.Visualizations),
	}
	s.storage = &NamespacedStorage{pluginID: pluginID, perms: perms, backend: services.Storage}
	s.events = &EventProxy{pluginID: pluginID, bus: services.Bus}
	return s
}

func toIDSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// PluginID returns the owning plugin id.
func (s *APISet) PluginID() string { return s.pluginID }

// Permissions returns the read-only permission set.
func (s *APISet) Permissions() Set { return s.perms }

// Storage returns the plugin-namespaced storage wrapper.
func (s *APISet) Storage() *NamespacedStorage { return s.storage }

// Events returns the plugin-namespaced event wrapper.
func (s *APISet) Events() *EventProxy { return s.events }

// SetEmitter installs the callback used to deliver subscribed host events
// into the plugin's isolated context. Installed once, after the sandbox
// instance exists.
func (s *APISet) SetEmitter(emit func(name string, data map[string]any)) {
	s.events.setEmitter(emit)
}

// Close drops every live event subscription held on the plugin's behalf.
func (s *APISet) Close() {
	s.events.close()
}

// Invoke services one api-call message: api names the family, method the
// operation. Unknown families and methods are errors, not no-ops, so a
// plugin immediately learns it is speaking the wrong protocol.
func (s *APISet) Invoke(ctx context.Context, api, method string, args []any) (any, error) {
	switch api {
	case "storage":
		return s.invokeStorage(ctx, method, args)
	case "events":
		return s.invokeEvents(method, args)
	case "ui":
		return s.invokeUI(method, args)
	case "dashboard":
		return s.invokeDashboard(method, args)
	case "compute":
		return s.invokeCompute(ctx, method, args)
	default:
		return nil, fmt.Errorf("unknown host API %q", api)
	}
}

func (s *APISet) invokeStorage(ctx context.Context, method string, args []any) (any, error) {
	switch method {
	case "getItem":
		key, err := argString(args, 0, "key")
		if err != nil {
			return nil, err
		}
		return s.storage.GetItem(ctx, key)
	case "setItem":
		key, err := argString(args, 0, "key")
		if err != nil {
			return nil, err
		}
		value, err := argString(args, 1, "value")
		if err != nil {
			return nil, err
		}
		return nil, s.storage.SetItem(ctx, key, value)
	case "removeItem":
		key, err := argString(args, 0, "key")
		if err != nil {
			return nil, err
		}
		return nil, s.storage.RemoveItem(ctx, key)
	case "clear":
		return nil, s.storage.Clear(ctx)
	case "keys":
		return s.storage.Keys(ctx)
	default:
		return nil, fmt.Errorf("storage has no method %q", method)
	}
}

func (s *APISet) invokeEvents(method string, args []any) (any, error) {
	switch method {
	case "publish":
		name, err := argString(args, 0, "name")
		if err != nil {
			return nil, err
		}
		var data map[string]any
		if len(args) > 1 {
			data, _ = args[1].(map[string]any)
		}
		s.events.Publish(name, data)
		return nil, nil
	case "subscribe":
		name, err := argString(args, 0, "name")
		if err != nil {
			return nil, err
		}
		s.events.SubscribeForPlugin(name)
		return nil, nil
	default:
		return nil, fmt.Errorf("events has no method %q", method)
	}
}

func (s *APISet) invokeUI(method string, args []any) (any, error) {
	if !s.perms.Has(PermNotifications) {
		if s.denied.first("ui." + method) {
			s.log.WithField("method", method).Warn("ui call denied: notifications permission not granted")
		}
		return nil, nil
	}
	switch method {
	case "showNotification":
		msg, err := argString(args, 0, "message")
		if err != nil {
			return nil, err
		}
		level := "info"
		if len(args) > 1 {
			if l, ok := args[1].(string); ok {
				level = l
			}
		}
		s.services.UI.ShowNotification(msg, level)
		return nil, nil
	case "showModal":
		title, err := argString(args, 0, "title")
		if err != nil {
			return nil, err
		}
		body, err := argString(args, 1, "body")
		if err != nil {
			return nil, err
		}
		return nil, s.services.UI.ShowModal(title, body)
	case "showConfirm":
		msg, err := argString(args, 0, "message")
		if err != nil {
			return nil, err
		}
		return s.services.UI.ShowConfirm(msg)
	default:
		return nil, fmt.Errorf("ui has no method %q", method)
	}
}

func (s *APISet) invokeDashboard(method string, args []any) (any, error) {
	switch method {
	case "registerTool", "registerPanel", "registerVisualization":
		id, err := argString(args, 0, "id")
		if err != nil {
			return nil, err
		}
		var spec map[string]any
		if len(args) > 1 {
			spec, _ = args[1].(map[string]any)
		}
		return nil, s.registerContribution(method, id, spec)
	case "showResult":
		var result any
		if len(args) > 0 {
			result = args[0]
		}
		s.services.Dashboard.ShowResult(s.pluginID, result)
		return nil, nil
	case "showError":
		msg, err := argString(args, 0, "message")
		if err != nil {
			return nil, err
		}
		s.services.Dashboard.ShowError(s.pluginID, msg)
		return nil, nil
	case "updateProgressBar":
		frac, err := argFloat(args, 0, "fraction")
		if err != nil {
			return nil, err
		}
		s.services.Dashboard.UpdateProgressBar(s.pluginID, frac)
		return nil, nil
	default:
		return nil, fmt.Errorf("dashboard has no method %q", method)
	}
}

// registerContribution refuses registrations for contribution points the
// manifest never declared: warn and no-op, same shape as a denied UI call.
func (s *APISet) registerContribution(method, id string, spec map[string]any) error {
	var declared map[string]bool
	switch method {
	case "registerPanel":
		declared = s.declaredPanels
	case "registerTool":
		declared = s.declaredToolbar
	case "registerVisualization":
		declared = s.declaredVis
	}
	if !declared[id] {
		if s.denied.first(method + "." + id) {
			s.log.WithFields(logrus.Fields{"method": method, "id": id}).
				Warn("dashboard registration denied: contribution point not declared in manifest")
		}
		return nil
	}
	switch method {
	case "registerPanel":
		return s.services.Dashboard.RegisterPanel(s.pluginID, id, spec)
	case "registerTool":
		return s.services.Dashboard.RegisterTool(s.pluginID, id, spec)
	default:
		return s.services.Dashboard.RegisterVisualization(s.pluginID, id, spec)
	}
}

func (s *APISet) invokeCompute(ctx context.Context, method string, args []any) (any, error) {
	op, err := argString(args, 0, "op")
	if err != nil {
		return nil, err
	}
	rest := args[1:]
	switch method {
	case "invoke":
		if !s.perms.Has(PermComputation) {
			return nil, &PermissionError{PluginID: s.pluginID, Permission: PermComputation, Op: "compute.invoke"}
		}
		return s.services.Compute.Invoke(ctx, op, rest)
	case "invokeIntensive":
		if !s.perms.Has(PermComputationIntensive) {
			return nil, &PermissionError{PluginID: s.pluginID, Permission: PermComputationIntensive, Op: "compute.invokeIntensive"}
		}
		return s.services.Compute.InvokeIntensive(ctx, op, rest)
	default:
		return nil, fmt.Errorf("compute has no method %q", method)
	}
}

func argString(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return s, nil
}

func argFloat(args []any, i int, name string) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch v := args[i].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("argument %q must be a number", name)
}

// NamespacedStorage wraps the host storage service with the owning
// plugin's key namespace. Clear and Keys operate only over that
// namespace, so plugins can never observe or destroy each other's keys.
//
// The host backend is the local tier, so every operation requires
// storage.local (directly or via the storage parent). A grant of only
// storage.cloud opens nothing here; it reserves the cloud tier for when
// a cloud backend exists.
type NamespacedStorage struct {
	pluginID string
	perms    Set
	backend  Storage
}

func (n *NamespacedStorage) prefix() string { return n.pluginID + ":" }

func (n *NamespacedStorage) check(op string) error {
	if !n.perms.Has(PermStorageLocal) {
		return &PermissionError{PluginID: n.pluginID, Permission: PermStorageLocal, Op: op}
	}
	return nil
}

// GetItem reads a namespaced key.
func (n *NamespacedStorage) GetItem(ctx context.Context, key string) (string, error) {
	if err := n.check("storage.getItem"); err != nil {
		return "", err
	}
	return n.backend.GetItem(ctx, n.prefix()+key)
}

// SetItem writes a namespaced key.
func (n *NamespacedStorage) SetItem(ctx context.Context, key, value string) error {
	if err := n.check("storage.setItem"); err != nil {
		return err
	}
	return n.backend.SetItem(ctx, n.prefix()+key, value)
}

// RemoveItem deletes a namespaced key.
func (n *NamespacedStorage) RemoveItem(ctx context.Context, key string) error {
	if err := n.check("storage.removeItem"); err != nil {
		return err
	}
	return n.backend.RemoveItem(ctx, n.prefix()+key)
}

// Clear removes every key in the plugin's namespace, never anyone else's.
func (n *NamespacedStorage) Clear(ctx context.Context) error {
	if err := n.check("storage.clear"); err != nil {
		return err
	}
	keys, err := n.backend.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if strings.HasPrefix(k, n.prefix()) {
			if err := n.backend.RemoveItem(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys lists the plugin's keys with the namespace stripped.
func (n *NamespacedStorage) Keys(ctx context.Context) ([]string, error) {
	if err := n.check("storage.keys"); err != nil {
		return nil, err
	}
	all, err := n.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, n.prefix()) {
			keys = append(keys, strings.TrimPrefix(k, n.prefix()))
		}
	}
	return keys, nil
}

// EventProxy namespaces plugin-published events and relays subscribed
// host events back into the plugin's isolated context.
type EventProxy struct {
	pluginID string
	bus      EventBus

	mu     sync.Mutex
	emit   func(name string, data map[string]any)
	unsubs []func()
	subbed map[string]bool
}

// Publish sends a plugin event onto the host bus. Custom names are
// namespaced plugin:<id>:<name> and tagged source=<id>; names already on
// the host channel pass through unchanged.
func (p *EventProxy) Publish(name string, data map[string]any) {
	tagged := make(map[string]any, len(data)+1)
	for k, v := range data {
		tagged[k] = v
	}
	tagged["source"] = p.pluginID
	if !strings.HasPrefix(name, HostEventPrefix) {
		name = "plugin:" + p.pluginID + ":" + name
	}
	p.bus.Publish(name, tagged)
}

// SubscribeForPlugin routes a host event into the plugin's sandbox via
// the installed emitter. Duplicate subscriptions to the same name are
// collapsed.
func (p *EventProxy) SubscribeForPlugin(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subbed == nil {
		p.subbed = make(map[string]bool)
	}
	if p.subbed[name] {
		return
	}
	p.subbed[name] = true
	unsub := p.bus.Subscribe(name, func(data map[string]any) {
		p.mu.Lock()
		emit := p.emit
		p.mu.Unlock()
		if emit != nil {
			emit(name, data)
		}
	})
	p.unsubs = append(p.unsubs, unsub)
}

func (p *EventProxy) setEmitter(emit func(name string, data map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit = emit
}

func (p *EventProxy) close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.subbed = nil
	p.emit = nil
	p.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
