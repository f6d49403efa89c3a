package plugin

import (
	"errors"
	"testing"
)

func manifestWithDeps(id string, deps ...Dependency) *Manifest {
	m := validManifest()
	m.ID = id
	m.Dependencies = deps
	return m
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(validManifest()); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := r.Register(validManifest()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("expected one entry after duplicate rejection, got %d", r.Count())
	}
}

func TestRegistryStoresCopy(t *testing.T) {
	r := NewRegistry()
	m := validManifest()
	if _, err := r.Register(m); err != nil {
		t.Fatal(err)
	}
	m.Name = "Mutated"

	entry, ok := r.Get(m.ID)
	if !ok {
		t.Fatal("entry not found")
	}
	if entry.Manifest.Name != "Stats" {
		t.Errorf("registry shares manifest with caller: %q", entry.Manifest.Name)
	}
}

func TestRegistryDependencyAdjacency(t *testing.T) {
	r := NewRegistry()

	// Dependent registered first: the dependency link must be completed
	// retroactively once the dependency itself arrives.
	ui := manifestWithDeps("org.example.ui", Dependency{ID: "org.example.base"})
	base := manifestWithDeps("org.example.base")
	if _, err := r.Register(ui); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(base); err != nil {
		t.Fatal(err)
	}

	deps, err := r.Dependents("org.example.base")
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || deps[0] != "org.example.ui" {
		t.Errorf("expected [org.example.ui], got %v", deps)
	}

	entry, _ := r.Get("org.example.ui")
	if len(entry.Dependencies) != 1 || entry.Dependencies[0] != "org.example.base" {
		t.Errorf("unexpected dependencies %v", entry.Dependencies)
	}
}

func TestRegistryUnregisterBlockedByDependents(t *testing.T) {
	r := NewRegistry()
	base := manifestWithDeps("org.example.base")
	ui := manifestWithDeps("org.example.ui", Dependency{ID: "org.example.base"})
	if _, err := r.Register(base); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ui); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister("org.example.base"); !errors.Is(err, ErrHasDependents) {
		t.Fatalf("expected ErrHasDependents, got %v", err)
	}
	if err := r.CanUnregister("org.example.base"); !errors.Is(err, ErrHasDependents) {
		t.Fatalf("expected ErrHasDependents from CanUnregister, got %v", err)
	}

	// Removing the dependent unblocks the dependency.
	if err := r.Unregister("org.example.ui"); err != nil {
		t.Fatalf("unregister dependent failed: %v", err)
	}
	if err := r.Unregister("org.example.base"); err != nil {
		t.Fatalf("unregister after unblock failed: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d entries", r.Count())
	}
}

func TestRegistryOptionalDependentDoesNotBlock(t *testing.T) {
	r := NewRegistry()
	base := manifestWithDeps("org.example.base")
	ui := manifestWithDeps("org.example.ui", Dependency{ID: "org.example.base", Optional: true})
	if _, err := r.Register(base); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ui); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister("org.example.base"); err != nil {
		t.Fatalf("optional dependent should not block unregister: %v", err)
	}
}

func TestRegistryDependenciesSatisfied(t *testing.T) {
	r := NewRegistry()
	base := manifestWithDeps("org.example.base")
	ui := manifestWithDeps("org.example.ui",
		Dependency{ID: "org.example.base"},
		Dependency{ID: "org.example.extra", Optional: true})
	if _, err := r.Register(base); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ui); err != nil {
		t.Fatal(err)
	}

	// Dependency registered but neither initialized nor enabled.
	ok, err := r.DependenciesSatisfied("org.example.ui")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("satisfied before dependency initialized")
	}

	mustSetStatus(t, r, "org.example.base", StatusLoaded)
	mustSetStatus(t, r, "org.example.base", StatusInitialized)
	ok, _ = r.DependenciesSatisfied("org.example.ui")
	if ok {
		t.Error("satisfied while dependency disabled")
	}

	if err := r.Enable("org.example.base"); err != nil {
		t.Fatal(err)
	}
	ok, _ = r.DependenciesSatisfied("org.example.ui")
	if !ok {
		t.Error("expected satisfaction: non-optional dep initialized and enabled, optional dep absent")
	}
}

func TestRegistryStatusForwardOnly(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(validManifest()); err != nil {
		t.Fatal(err)
	}
	id := "org.example.stats"

	mustSetStatus(t, r, id, StatusLoaded)
	mustSetStatus(t, r, id, StatusInitialized)

	if err := r.SetStatus(id, StatusLoaded); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("expected ErrStatusRegression, got %v", err)
	}

	// Error is reachable from anywhere and only reload leaves it.
	if err := r.SetError(id, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus(id, StatusInitialized); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("expected ErrStatusRegression out of error state, got %v", err)
	}
	if err := r.ResetForReload(id); err != nil {
		t.Fatal(err)
	}
	entry, _ := r.Get(id)
	if entry.Status != StatusRegistered || entry.Err != nil || entry.Enabled {
		t.Errorf("reset did not return entry to registered: %+v", entry)
	}
}

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry()
	ids := []string{"org.example.c", "org.example.a", "org.example.b"}
	for _, id := range ids {
		if _, err := r.Register(manifestWithDeps(id)); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	for i, entry := range list {
		if entry.Manifest.ID != ids[i] {
			t.Fatalf("expected registration order %v, got %s at %d", ids, entry.Manifest.ID, i)
		}
	}
}

func mustSetStatus(t *testing.T, r *Registry, id string, status Status) {
	t.Helper()
	if err := r.SetStatus(id, status); err != nil {
		t.Fatalf("SetStatus(%s, %s): %v", id, status, err)
	}
}
