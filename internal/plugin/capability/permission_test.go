package capability

import "testing"

func TestImplies(t *testing.T) {
	tests := []struct {
		name     string
		granted  Permission
		required Permission
		want     bool
	}{
		{"identity", PermStorage, PermStorage, true},
		{"parent implies child", PermStorage, PermStorageLocal, true},
		{"parent implies other child", PermStorage, PermStorageCloud, true},
		{"child does not imply parent", PermStorageLocal, PermStorage, false},
		{"sibling does not imply sibling", PermStorageLocal, PermStorageCloud, false},
		{"computation never implies intensive", PermComputation, PermComputationIntensive, false},
		{"intensive implies itself", PermComputationIntensive, PermComputationIntensive, true},
		{"unrelated", PermNetwork, PermClipboard, false},
		{"prefix is not hierarchy", Permission("storage.loc"), PermStorageLocal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Implies(tt.granted, tt.required); got != tt.want {
				t.Errorf("Implies(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
			}
		})
	}
}

func TestSetHas(t *testing.T) {
	s := NewSet([]Permission{PermStorage, PermComputation})

	if !s.Has(PermStorage) || !s.Has(PermStorageLocal) || !s.Has(PermStorageCloud) {
		t.Error("storage grant should cover both tiers")
	}
	if !s.Has(PermComputation) {
		t.Error("computation should be granted verbatim")
	}
	if s.Has(PermComputationIntensive) {
		t.Error("computation must never imply computation.intensive")
	}
	if s.Has(PermNetwork) {
		t.Error("ungranted permission reported as held")
	}

	explicit := NewSet([]Permission{PermComputationIntensive})
	if !explicit.Has(PermComputationIntensive) {
		t.Error("explicit intensive grant not honored")
	}
}

func TestSetIgnoresUnknown(t *testing.T) {
	s := NewSet([]Permission{Permission("bogus"), PermClipboard})
	if s.Has(Permission("bogus")) {
		t.Error("unknown permission must not enter the set")
	}
	if !s.Has(PermClipboard) {
		t.Error("valid permission dropped")
	}
	if len(s.List()) != 1 {
		t.Errorf("expected one grant, got %v", s.List())
	}
}

func TestParent(t *testing.T) {
	if p := Parent(PermStorageLocal); p != PermStorage {
		t.Errorf("Parent(storage.local) = %q", p)
	}
	if p := Parent(PermStorage); p != "" {
		t.Errorf("Parent(storage) = %q, want empty", p)
	}
}
