package capability

import "context"

// Storage is the layered key-value storage service consumed by plugins.
// All operations are asynchronous from the plugin's point of view; the
// proxy layer namespaces every key with the caller's plugin id.
type Storage interface {
	GetItem(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// EventBus is the host application's event bus. Subscribe returns an
// unsubscribe function.
type EventBus interface {
	Subscribe(name string, fn func(data map[string]any)) (unsubscribe func())
	Publish(name string, data map[string]any)
}

// Dashboard is the host dashboard registration and display surface.
type Dashboard interface {
	RegisterTool(pluginID, toolID string, spec map[string]any) error
	RegisterPanel(pluginID, panelID string, spec map[string]any) error
	RegisterVisualization(pluginID, visID string, spec map[string]any) error
	ShowResult(pluginID string, result any)
	ShowError(pluginID, message string)
	UpdateProgressBar(pluginID string, fraction float64)
}

// UI is the host user-interface surface.
type UI interface {
	ShowNotification(message, level string)
	ShowModal(title, body string) error
	ShowConfirm(message string) (bool, error)
}

// Compute is the opaque numeric computation capability handed to plugins.
// The proxy layer passes calls through untouched; Invoke covers ordinary
// work and InvokeIntensive covers bulk/long-running work.
type Compute interface {
	Invoke(ctx context.Context, op string, args []any) (any, error)
	InvokeIntensive(ctx context.Context, op string, args []any) (any, error)
}

// HostServices bundles the external collaborators a plugin's capability
// proxies wrap. The host application owns the concrete implementations.
type HostServices struct {
	Storage   Storage
	Bus       EventBus
	Dashboard Dashboard
	UI        UI
	Compute   Compute
}
