package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/numdeck/numdeck/internal/plugin/capability"
)

// Manifest is the declarative descriptor of a plugin: identity,
// compatibility, dependencies, permissions, and contribution points.
// It is immutable once registered; the registry stores a deep copy.
type Manifest struct {
	// Identity
	ID          string `json:"id"`          // Reverse-domain identifier (e.g., "org.example.stats")
	Name        string `json:"name"`        // Human-readable name
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Description string `json:"description"` // Short description
	Author      Author `json:"author"`      // Author name and contact
	License     string `json:"license"`     // SPDX license identifier

	// Entry point
	EntryPoint string `json:"entryPoint"` // Relative path to the main Lua file

	// Compatibility
	Compatibility Compatibility `json:"compatibility"` // Host/library semver ranges

	// Requirements
	Dependencies []Dependency            `json:"dependencies"` // Other plugins this one needs
	Permissions  []capability.Permission `json:"permissions"`  // Requested host capabilities

	// Contributions
	Dashboard *DashboardContrib `json:"dashboard,omitempty"` // Declared UI contribution points

	// Configuration schema
	Config *ConfigContrib `json:"config,omitempty"`

	// Resource hints
	Resources *Resources `json:"resources,omitempty"`
}

// Author identifies the plugin author.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Compatibility declares the host and numeric-library version ranges the
// plugin supports.
type Compatibility struct {
	Host    string `json:"host"`
	Library string `json:"library"`
}

// Dependency names another plugin this one requires.
type Dependency struct {
	ID       string `json:"id"`
	Version  string `json:"version"`  // Semver range constraint
	Optional bool   `json:"optional"` // Optional dependencies never block
}

// DashboardContrib declares the dashboard contribution points a plugin
// may register at runtime. Registration of an undeclared point is
// refused by the capability layer.
type DashboardContrib struct {
	Panels         []PanelContribution         `json:"panels,omitempty"`
	ToolbarItems   []ToolbarContribution       `json:"toolbarItems,omitempty"`
	Visualizations []VisualizationContribution `json:"visualizations,omitempty"`
	Menu           []MenuContribution          `json:"menu,omitempty"`
}

// PanelContribution declares a dashboard panel.
type PanelContribution struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Position string `json:"position,omitempty"` // left, right, bottom, main
}

// ToolbarContribution declares a toolbar item.
type ToolbarContribution struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Command string `json:"command,omitempty"`
}

// VisualizationContribution declares a result visualization.
type VisualizationContribution struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"` // chart, graph, table, heatmap
}

// MenuContribution declares a menu entry.
type MenuContribution struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Command string `json:"command,omitempty"`
}

// ConfigContrib carries the plugin's configuration schema.
type ConfigContrib struct {
	Schema map[string]ConfigParam `json:"schema"`
}

// ConfigParam describes one configuration parameter.
type ConfigParam struct {
	Type        string   `json:"type"` // string, number, boolean, enum
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// Resources hints at the plugin's expected resource usage.
type Resources struct {
	CPU    string `json:"cpu,omitempty"`    // low, medium, high
	Memory string `json:"memory,omitempty"` // low, medium, high
}

// Violation is one manifest validation failure. Validation fails closed:
// any violation blocks registration, nothing is partially applied.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationError wraps the full violation list for a manifest.
type ValidationError struct {
	PluginID   string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("manifest %s invalid: %s", e.PluginID, strings.Join(parts, "; "))
}

// idPattern validates plugin ids: lowercase reverse-domain style.
var idPattern = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)+$`)

var validVisualizationTypes = map[string]bool{
	"chart":   true,
	"graph":   true,
	"table":   true,
	"heatmap": true,
}

var validPanelPositions = map[string]bool{
	"left":   true,
	"right":  true,
	"bottom": true,
	"main":   true,
}

var validConfigTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"enum":    true,
}

var validResourceHints = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// DecodeManifest parses a manifest from its JSON form.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// LoadManifestFile reads and parses a manifest file.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks the manifest and returns every violation found. An
// empty result means the manifest is registrable.
func (m *Manifest) Validate() []Violation {
	var vs []Violation
	add := func(field, format string, args ...any) {
		vs = append(vs, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Required fields.
	if m.ID == "" {
		add("id", "required")
	} else if !idPattern.MatchString(m.ID) {
		add("id", "must be a lowercase reverse-domain identifier, got %q", m.ID)
	}
	if m.Name == "" {
		add("name", "required")
	}
	if m.Description == "" {
		add("description", "required")
	}
	if m.Author.Name == "" {
		add("author.name", "required")
	}
	if m.License == "" {
		add("license", "required")
	}
	if m.EntryPoint == "" {
		add("entryPoint", "required")
	}

	if m.Version == "" {
		add("version", "required")
	} else if _, err := semver.NewVersion(m.Version); err != nil {
		add("version", "not valid semver: %q", m.Version)
	}

	if m.Compatibility.Host == "" {
		add("compatibility.host", "required")
	} else if _, err := semver.NewConstraint(m.Compatibility.Host); err != nil {
		add("compatibility.host", "not a valid semver range: %q", m.Compatibility.Host)
	}
	if m.Compatibility.Library == "" {
		add("compatibility.library", "required")
	} else if _, err := semver.NewConstraint(m.Compatibility.Library); err != nil {
		add("compatibility.library", "not a valid semver range: %q", m.Compatibility.Library)
	}

	for i, dep := range m.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if dep.ID == "" {
			add(field+".id", "required")
		} else if !idPattern.MatchString(dep.ID) {
			add(field+".id", "must be a lowercase reverse-domain identifier, got %q", dep.ID)
		}
		if dep.Version != "" {
			if _, err := semver.NewConstraint(dep.Version); err != nil {
				add(field+".version", "not a valid semver range: %q", dep.Version)
			}
		}
	}

	for i, p := range m.Permissions {
		if !capability.IsValid(p) {
			add(fmt.Sprintf("permissions[%d]", i), "unknown permission %q", p)
		}
	}

	if m.Dashboard != nil {
		m.validateDashboard(&vs)
	}
	if m.Config != nil {
		m.validateConfigSchema(&vs)
	}
	if m.Resources != nil {
		if m.Resources.CPU != "" && !validResourceHints[m.Resources.CPU] {
			add("resources.cpu", "must be low, medium, or high, got %q", m.Resources.CPU)
		}
		if m.Resources.Memory != "" && !validResourceHints[m.Resources.Memory] {
			add("resources.memory", "must be low, medium, or high, got %q", m.Resources.Memory)
		}
	}

	return vs
}

func (m *Manifest) validateDashboard(vs *[]Violation) {
	add := func(field, format string, args ...any) {
		*vs = append(*vs, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	for i, p := range m.Dashboard.Panels {
		field := fmt.Sprintf("dashboard.panels[%d]", i)
		if p.ID == "" {
			add(field+".id", "required")
		}
		if p.Title == "" {
			add(field+".title", "required")
		}
		if p.Position != "" && !validPanelPositions[p.Position] {
			add(field+".position", "must be left, right, bottom, or main, got %q", p.Position)
		}
	}
	for i, t := range m.Dashboard.ToolbarItems {
		field := fmt.Sprintf("dashboard.toolbarItems[%d]", i)
		if t.ID == "" {
			add(field+".id", "required")
		}
		if t.Label == "" && t.Icon == "" {
			add(field, "needs a label or an icon")
		}
	}
	for i, v := range m.Dashboard.Visualizations {
		field := fmt.Sprintf("dashboard.visualizations[%d]", i)
		if v.ID == "" {
			add(field+".id", "required")
		}
		if v.Title == "" {
			add(field+".title", "required")
		}
		if v.Type == "" {
			add(field+".type", "required")
		} else if !validVisualizationTypes[v.Type] {
			add(field+".type", "must be chart, graph, table, or heatmap, got %q", v.Type)
		}
	}
	for i, mi := range m.Dashboard.Menu {
		field := fmt.Sprintf("dashboard.menu[%d]", i)
		if mi.ID == "" {
			add(field+".id", "required")
		}
		if mi.Label == "" {
			add(field+".label", "required")
		}
	}
}

func (m *Manifest) validateConfigSchema(vs *[]Violation) {
	add := func(field, format string, args ...any) {
		*vs = append(*vs, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	for name, p := range m.Config.Schema {
		field := "config.schema." + name
		if p.Type != "" && !validConfigTypes[p.Type] {
			add(field+".type", "must be string, number, boolean, or enum, got %q", p.Type)
		}
		if p.Minimum != nil && p.Maximum != nil && *p.Minimum > *p.Maximum {
			add(field, "minimum %v exceeds maximum %v", *p.Minimum, *p.Maximum)
		}
		if p.Default != nil {
			if def, ok := numericValue(p.Default); ok {
				if p.Minimum != nil && def < *p.Minimum {
					add(field+".default", "%v below minimum %v", def, *p.Minimum)
				}
				if p.Maximum != nil && def > *p.Maximum {
					add(field+".default", "%v above maximum %v", def, *p.Maximum)
				}
			}
			if p.Type == "enum" {
				if s, ok := p.Default.(string); ok && len(p.Enum) > 0 && !contains(p.Enum, s) {
					add(field+".default", "%q not in enum %v", s, p.Enum)
				}
			}
		}
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ConfigDefaults returns the default values declared in the config
// schema, used as the initialize payload.
func (m *Manifest) ConfigDefaults() map[string]any {
	defaults := make(map[string]any)
	if m.Config == nil {
		return defaults
	}
	for name, p := range m.Config.Schema {
		if p.Default != nil {
			defaults[name] = p.Default
		}
	}
	return defaults
}

// DeclaredContributions extracts the dashboard contribution ids for the
// capability layer.
func (m *Manifest) DeclaredContributions() capability.DeclaredContributions {
	var d capability.DeclaredContributions
	if m.Dashboard == nil {
		return d
	}
	for _, p := range m.Dashboard.Panels {
		d.Panels = append(d.Panels, p.ID)
	}
	for _, t := range m.Dashboard.ToolbarItems {
		d.ToolbarItems = append(d.ToolbarItems, t.ID)
	}
	for _, v := range m.Dashboard.Visualizations {
		d.Visualizations = append(d.Visualizations, v.ID)
	}
	return d
}

// String returns a short human-readable form.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.ID, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	if m.Dependencies != nil {
		clone.Dependencies = append([]Dependency(nil), m.Dependencies...)
	}
	if m.Permissions != nil {
		clone.Permissions = append([]capability.Permission(nil), m.Permissions...)
	}
	if m.Dashboard != nil {
		d := DashboardContrib{
			Panels:         append([]PanelContribution(nil), m.Dashboard.Panels...),
			ToolbarItems:   append([]ToolbarContribution(nil), m.Dashboard.ToolbarItems...),
			Visualizations: append([]VisualizationContribution(nil), m.Dashboard.Visualizations...),
			Menu:           append([]MenuContribution(nil), m.Dashboard.Menu...),
		}
		clone.Dashboard = &d
	}
	if m.Config != nil {
		c := ConfigContrib{Schema: make(map[string]ConfigParam, len(m.Config.Schema))}
		for k, v := range m.Config.Schema {
			c.Schema[k] = v
		}
		clone.Config = &c
	}
	if m.Resources != nil {
		r := *m.Resources
		clone.Resources = &r
	}
	return &clone
}
