package host

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Contribution is a dashboard element registered by a plugin.
type Contribution struct {
	PluginID string
	Kind     string
	ID       string
	Spec     map[string]any
}

// DashboardState collects plugin dashboard registrations and display
// calls. A real front end would render these; tests and the headless
// host inspect them.
type DashboardState struct {
	mu            sync.RWMutex
	contributions map[string]Contribution
	progress      map[string]float64
	log           *logrus.Logger
}

// NewDashboardState creates an empty dashboard.
func NewDashboardState(log *logrus.Logger) *DashboardState {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DashboardState{
		contributions: make(map[string]Contribution),
		progress:      make(map[string]float64),
		log:           log,
	}
}

func (d *DashboardState) register(pluginID, kind, id string, spec map[string]any) error {
	key := kind + "/" + pluginID + "/" + id
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.contributions[key]; exists {
		return fmt.Errorf("%s %q already registered by plugin %s", kind, id, pluginID)
	}
	d.contributions[key] = Contribution{PluginID: pluginID, Kind: kind, ID: id, Spec: spec}
	return nil
}

func (d *DashboardState) RegisterTool(pluginID, toolID string, spec map[string]any) error {
	return d.register(pluginID, "tool", toolID, spec)
}

func (d *DashboardState) RegisterPanel(pluginID, panelID string, spec map[string]any) error {
	return d.register(pluginID, "panel", panelID, spec)
}

func (d *DashboardState) RegisterVisualization(pluginID, visID string, spec map[string]any) error {
	return d.register(pluginID, "visualization", visID, spec)
}

func (d *DashboardState) ShowResult(pluginID string, result any) {
	d.log.WithField("plugin", pluginID).Infof("result: %v", result)
}

func (d *DashboardState) ShowError(pluginID, message string) {
	d.log.WithField("plugin", pluginID).Errorf("plugin error: %s", message)
}

func (d *DashboardState) UpdateProgressBar(pluginID string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	d.mu.Lock()
	d.progress[pluginID] = fraction
	d.mu.Unlock()
}

// Progress returns a plugin's last reported progress fraction.
func (d *DashboardState) Progress(pluginID string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.progress[pluginID]
	return f, ok
}

// Contributions lists registered contributions sorted by key.
func (d *DashboardState) Contributions() []Contribution {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.contributions))
	for k := range d.contributions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Contribution, len(keys))
	for i, k := range keys {
		out[i] = d.contributions[k]
	}
	return out
}

// RemovePlugin drops every contribution and progress entry a plugin
// registered. Called when the plugin is unloaded.
func (d *DashboardState) RemovePlugin(pluginID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, c := range d.contributions {
		if c.PluginID == pluginID {
			delete(d.contributions, k)
		}
	}
	delete(d.progress, pluginID)
}
