package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/numdeck/numdeck/internal/host"
)

func newTestManager(t *testing.T, fetcher Fetcher) (*Manager, *host.Services) {
	t.Helper()
	services := host.NewServices(quietLogger())
	manager := NewManager(ManagerConfig{
		Fetcher:  fetcher,
		Services: services.Capability(),
		Logger:   quietLogger(),
	})
	t.Cleanup(func() { manager.Shutdown(context.Background()) })
	return manager, services
}

func TestManagerLifecycleEvents(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add(validManifest(), pingSource)
	manager, services := newTestManager(t, fetcher)

	// The bus delivers synchronously on the publisher's goroutine, so the
	// observed ordering is deterministic.
	var names []string
	for _, ev := range []string{EventLoaded, EventInitialized, EventEnabled, EventError} {
		ev := ev
		unsub := services.Bus.Subscribe(ev, func(data map[string]any) {
			if data["plugin"] == "org.example.stats" {
				names = append(names, ev)
			}
		})
		defer unsub()
	}

	if _, err := manager.Load(context.Background(), "org.example.stats", LoadOptions{}); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	want := []string{EventLoaded, EventInitialized, EventEnabled}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("event %d: expected %s, got %s", i, n, names[i])
		}
	}
}

func TestManagerLoadIdempotent(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add(validManifest(), pingSource)
	manager, _ := newTestManager(t, fetcher)

	first, err := manager.Load(context.Background(), "org.example.stats", LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := manager.Load(context.Background(), "org.example.stats", LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Instance != second.Instance {
		t.Error("repeated load should return the same instance")
	}
	if n := fetcher.fetchCount("org.example.stats"); n != 1 {
		t.Errorf("expected one fetch, got %d", n)
	}
}

func TestManagerEnableDisable(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add(validManifest(), pingSource)
	manager, _ := newTestManager(t, fetcher)
	ctx := context.Background()
	id := "org.example.stats"

	if _, err := manager.Load(ctx, id, LoadOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := manager.Disable(id); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if _, err := manager.Call(ctx, id, "ping"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("call on disabled plugin should fail, got %v", err)
	}

	if err := manager.Enable(id); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	result, err := manager.Call(ctx, id, "ping")
	if err != nil {
		t.Fatalf("call after re-enable failed: %v", err)
	}
	if result != "pong" {
		t.Errorf("expected pong, got %v", result)
	}
}

func TestManagerEnableRequiresInitialized(t *testing.T) {
	fetcher := newFakeFetcher()
	manager, _ := newTestManager(t, fetcher)

	if err := manager.Register(validManifest()); err != nil {
		t.Fatal(err)
	}
	if err := manager.Enable("org.example.stats"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := manager.Enable("org.example.nope"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestManagerUnload(t *testing.T) {
	fetcher := newFakeFetcher()
	base := validManifest()
	base.ID = "org.example.base"
	fetcher.add(base, pingSource)
	stats := validManifest()
	stats.Dependencies = []Dependency{{ID: "org.example.base"}}
	fetcher.add(stats, pingSource)
	manager, _ := newTestManager(t, fetcher)
	ctx := context.Background()

	if _, err := manager.Load(ctx, "org.example.stats", LoadOptions{}); err != nil {
		t.Fatal(err)
	}

	// A required dependency cannot be unloaded while its dependent stays.
	if err := manager.Unload(ctx, "org.example.base"); !errors.Is(err, ErrHasDependents) {
		t.Fatalf("expected ErrHasDependents, got %v", err)
	}

	if err := manager.Unload(ctx, "org.example.stats"); err != nil {
		t.Fatalf("unload dependent failed: %v", err)
	}
	if err := manager.Unload(ctx, "org.example.base"); err != nil {
		t.Fatalf("unload dependency failed: %v", err)
	}
	if manager.Registry().Count() != 0 {
		t.Errorf("expected empty registry, got %d", manager.Registry().Count())
	}
}

func TestManagerBrokerBuiltOnce(t *testing.T) {
	fetcher := newFakeFetcher()
	manager, _ := newTestManager(t, fetcher)
	m := validManifest()

	first := manager.BrokerFor(m)
	second := manager.BrokerFor(m)
	if first != second {
		t.Error("capability set must be built exactly once per plugin")
	}
}

func TestManagerStorageNamespacing(t *testing.T) {
	source := `
methods = {
  save = function(key, value)
    storage.setItem(key, value)
    return true
  end,
  read = function(key)
    return storage.getItem(key)
  end
}
`
	fetcher := newFakeFetcher()
	fetcher.add(validManifest(), source)
	manager, services := newTestManager(t, fetcher)
	ctx := context.Background()

	if _, err := manager.Load(ctx, "org.example.stats", LoadOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Call(ctx, "org.example.stats", "save", "greeting", "hello"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// The backend sees the namespaced key, never the raw one.
	if _, err := services.Storage.GetItem(ctx, "greeting"); err == nil {
		t.Error("raw key must not exist in backend storage")
	}
	v, err := services.Storage.GetItem(ctx, "org.example.stats:greeting")
	if err != nil {
		t.Fatalf("namespaced key missing: %v", err)
	}
	if v != "hello" {
		t.Errorf("expected hello, got %q", v)
	}

	// The plugin reads back through its own namespace transparently.
	got, err := manager.Call(ctx, "org.example.stats", "read", "greeting")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected hello, got %v", got)
	}
}

func TestManagerPluginEventNamespacing(t *testing.T) {
	source := `
methods = {
  announce = function()
    events.publish("done", { count = 3 })
    return true
  end
}
`
	fetcher := newFakeFetcher()
	fetcher.add(validManifest(), source)
	manager, services := newTestManager(t, fetcher)
	ctx := context.Background()

	var got map[string]any
	unsub := services.Bus.Subscribe("plugin:org.example.stats:done", func(data map[string]any) {
		got = data
	})
	defer unsub()

	if _, err := manager.Load(ctx, "org.example.stats", LoadOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Call(ctx, "org.example.stats", "announce"); err != nil {
		t.Fatalf("announce failed: %v", err)
	}

	if got == nil {
		t.Fatal("namespaced plugin event never arrived")
	}
	if got["source"] != "org.example.stats" {
		t.Errorf("expected source tag, got %v", got["source"])
	}
	if got["count"] != int64(3) {
		t.Errorf("expected count 3, got %v (%T)", got["count"], got["count"])
	}
}

func TestManagerStats(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add(validManifest(), pingSource)
	manager, _ := newTestManager(t, fetcher)
	ctx := context.Background()

	if _, err := manager.Load(ctx, "org.example.stats", LoadOptions{}); err != nil {
		t.Fatal(err)
	}
	other := validManifest()
	other.ID = "org.example.other"
	if err := manager.Register(other); err != nil {
		t.Fatal(err)
	}

	s := manager.Stats()
	if s.Total != 2 || s.Enabled != 1 || s.Initialized != 1 || s.Errored != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}
