// Package host supplies the concrete services the plugin capability
// layer proxies: in-memory storage, a log-backed UI, a dashboard state
// collector, and a numeric calculator.
package host

import (
	"github.com/sirupsen/logrus"

	"github.com/numdeck/numdeck/internal/event"
	"github.com/numdeck/numdeck/internal/plugin/capability"
)

// Services bundles the default host implementations together with the
// handles the host itself needs to keep.
type Services struct {
	Storage   *MemoryStorage
	Bus       *event.Bus
	Dashboard *DashboardState
	UI        *LogUI
	Compute   *Calculator
}

// NewServices builds the default service set.
func NewServices(log *logrus.Logger) *Services {
	return &Services{
		Storage:   NewMemoryStorage(),
		Bus:       event.NewBus(log),
		Dashboard: NewDashboardState(log),
		UI:        NewLogUI(log),
		Compute:   NewCalculator(),
	}
}

// Capability adapts the bundle to what the capability layer consumes.
func (s *Services) Capability() capability.HostServices {
	return capability.HostServices{
		Storage:   s.Storage,
		Bus:       s.Bus,
		Dashboard: s.Dashboard,
		UI:        s.UI,
		Compute:   s.Compute,
	}
}
