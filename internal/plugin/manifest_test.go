package plugin

import (
	"strings"
	"testing"

	"github.com/numdeck/numdeck/internal/plugin/capability"
)

func validManifest() *Manifest {
	return &Manifest{
		ID:          "org.example.stats",
		Name:        "Stats",
		Version:     "1.2.0",
		Description: "Statistics tools",
		Author:      Author{Name: "Example Org", Email: "dev@example.org"},
		License:     "MIT",
		EntryPoint:  "main.lua",
		Compatibility: Compatibility{
			Host:    ">=1.0.0 <2.0.0",
			Library: "^1.0.0",
		},
		Permissions: []capability.Permission{capability.PermStorage, capability.PermComputation},
	}
}

func TestManifestValidateAccepts(t *testing.T) {
	m := validManifest()
	if vs := m.Validate(); len(vs) != 0 {
		t.Fatalf("expected no violations, got %v", vs)
	}
}

func TestManifestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
		field  string
	}{
		{"missing id", func(m *Manifest) { m.ID = "" }, "id"},
		{"bad id shape", func(m *Manifest) { m.ID = "NotReverse" }, "id"},
		{"missing name", func(m *Manifest) { m.Name = "" }, "name"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version"},
		{"bad version", func(m *Manifest) { m.Version = "one.two" }, "version"},
		{"missing description", func(m *Manifest) { m.Description = "" }, "description"},
		{"missing author", func(m *Manifest) { m.Author.Name = "" }, "author.name"},
		{"missing license", func(m *Manifest) { m.License = "" }, "license"},
		{"missing entry point", func(m *Manifest) { m.EntryPoint = "" }, "entryPoint"},
		{"missing host range", func(m *Manifest) { m.Compatibility.Host = "" }, "compatibility.host"},
		{"bad host range", func(m *Manifest) { m.Compatibility.Host = ">>=1" }, "compatibility.host"},
		{"missing library range", func(m *Manifest) { m.Compatibility.Library = "" }, "compatibility.library"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			vs := m.Validate()
			if len(vs) != 1 {
				t.Fatalf("expected exactly one violation, got %v", vs)
			}
			if vs[0].Field != tt.field {
				t.Errorf("expected violation on %q, got %q", tt.field, vs[0].Field)
			}
		})
	}
}

func TestManifestValidatePermissions(t *testing.T) {
	m := validManifest()
	m.Permissions = append(m.Permissions, capability.Permission("filesystem"))
	vs := m.Validate()
	if len(vs) != 1 {
		t.Fatalf("expected one violation, got %v", vs)
	}
	if !strings.Contains(vs[0].Message, "filesystem") {
		t.Errorf("violation should name the unknown permission: %v", vs[0])
	}
}

func TestManifestValidateDependencies(t *testing.T) {
	m := validManifest()
	m.Dependencies = []Dependency{
		{ID: "org.example.base", Version: "^1.0.0"},
		{ID: "BadID", Version: "nonsense range ???"},
	}
	vs := m.Validate()
	var fields []string
	for _, v := range vs {
		fields = append(fields, v.Field)
	}
	if len(vs) != 2 {
		t.Fatalf("expected two violations, got %v", vs)
	}
	if fields[0] != "dependencies[1].id" || fields[1] != "dependencies[1].version" {
		t.Errorf("unexpected violation fields %v", fields)
	}
}

func TestManifestValidateDashboard(t *testing.T) {
	tests := []struct {
		name  string
		dash  DashboardContrib
		field string
	}{
		{
			"panel without title",
			DashboardContrib{Panels: []PanelContribution{{ID: "p1"}}},
			"dashboard.panels[0].title",
		},
		{
			"panel with bad position",
			DashboardContrib{Panels: []PanelContribution{{ID: "p1", Title: "P", Position: "top"}}},
			"dashboard.panels[0].position",
		},
		{
			"toolbar item with no label or icon",
			DashboardContrib{ToolbarItems: []ToolbarContribution{{ID: "t1"}}},
			"dashboard.toolbarItems[0]",
		},
		{
			"visualization with bad type",
			DashboardContrib{Visualizations: []VisualizationContribution{{ID: "v1", Title: "V", Type: "sparkline"}}},
			"dashboard.visualizations[0].type",
		},
		{
			"menu entry without label",
			DashboardContrib{Menu: []MenuContribution{{ID: "m1"}}},
			"dashboard.menu[0].label",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			dash := tt.dash
			m.Dashboard = &dash
			vs := m.Validate()
			if len(vs) != 1 {
				t.Fatalf("expected one violation, got %v", vs)
			}
			if vs[0].Field != tt.field {
				t.Errorf("expected violation on %q, got %q", tt.field, vs[0].Field)
			}
		})
	}
}

func TestManifestValidateConfigSchema(t *testing.T) {
	fl := func(f float64) *float64 { return &f }

	tests := []struct {
		name  string
		param ConfigParam
		want  int
	}{
		{"valid number with bounds", ConfigParam{Type: "number", Default: 5.0, Minimum: fl(0), Maximum: fl(10)}, 0},
		{"min above max", ConfigParam{Type: "number", Minimum: fl(10), Maximum: fl(1)}, 1},
		{"default below min", ConfigParam{Type: "number", Default: -1.0, Minimum: fl(0)}, 1},
		{"default above max", ConfigParam{Type: "number", Default: 11.0, Maximum: fl(10)}, 1},
		{"unknown type", ConfigParam{Type: "color"}, 1},
		{"enum default not in enum", ConfigParam{Type: "enum", Enum: []string{"a", "b"}, Default: "c"}, 1},
		{"enum default in enum", ConfigParam{Type: "enum", Enum: []string{"a", "b"}, Default: "b"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			m.Config = &ConfigContrib{Schema: map[string]ConfigParam{"p": tt.param}}
			if vs := m.Validate(); len(vs) != tt.want {
				t.Errorf("expected %d violations, got %v", tt.want, vs)
			}
		})
	}
}

func TestManifestConfigDefaults(t *testing.T) {
	m := validManifest()
	m.Config = &ConfigContrib{Schema: map[string]ConfigParam{
		"precision": {Type: "number", Default: 4.0},
		"theme":     {Type: "string"},
	}}
	defaults := m.ConfigDefaults()
	if len(defaults) != 1 {
		t.Fatalf("expected one default, got %v", defaults)
	}
	if defaults["precision"] != 4.0 {
		t.Errorf("expected precision default 4.0, got %v", defaults["precision"])
	}
}

func TestManifestClone(t *testing.T) {
	m := validManifest()
	m.Dependencies = []Dependency{{ID: "org.example.base", Version: "^1.0.0"}}
	m.Dashboard = &DashboardContrib{Panels: []PanelContribution{{ID: "p1", Title: "P"}}}
	m.Config = &ConfigContrib{Schema: map[string]ConfigParam{"k": {Type: "string", Default: "v"}}}

	clone := m.Clone()
	clone.Dependencies[0].ID = "org.example.other"
	clone.Dashboard.Panels[0].ID = "p2"
	clone.Config.Schema["k"] = ConfigParam{Type: "string", Default: "changed"}

	if m.Dependencies[0].ID != "org.example.base" {
		t.Error("clone shares dependencies with original")
	}
	if m.Dashboard.Panels[0].ID != "p1" {
		t.Error("clone shares dashboard with original")
	}
	if m.Config.Schema["k"].Default != "v" {
		t.Error("clone shares config schema with original")
	}
}

func TestDecodeManifest(t *testing.T) {
	data := []byte(`{
		"id": "org.example.stats",
		"name": "Stats",
		"version": "1.0.0",
		"description": "d",
		"author": {"name": "a"},
		"license": "MIT",
		"entryPoint": "main.lua",
		"compatibility": {"host": ">=1.0.0", "library": ">=1.0.0"},
		"permissions": ["storage", "computation"]
	}`)
	m, err := DecodeManifest(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if vs := m.Validate(); len(vs) != 0 {
		t.Fatalf("decoded manifest invalid: %v", vs)
	}
	if m.Permissions[1] != capability.PermComputation {
		t.Errorf("unexpected permissions %v", m.Permissions)
	}

	if _, err := DecodeManifest([]byte("{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
