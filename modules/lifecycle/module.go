// Package lifecycle is a built-in service module that logs every module
// lifecycle transition the invalidation bus announces.
package lifecycle

import (
	"log/slog"

	"github.com/vk/keystone/internal/orchestrator"
	"github.com/vk/keystone/internal/registry"
)

// Name is the module's registered name.
const Name = "lifecycle"

// Module implements the orchestrator.Builtin interface for this package.
type Module struct {
	// Logger defaults to slog.Default when left nil.
	Logger *slog.Logger
}

// Register subscribes to load and unload announcements for every built-in
// role and installs the module record.
func (m *Module) Register(o *orchestrator.Orchestrator) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, role := range registry.KnownRoles {
		role := role
		o.Bus().SubscribeLoaded(role, func(module string) {
			logger.Info("Module loaded.", "module", module, "role", string(role))
		})
		o.Bus().SubscribeUnloading(role, func(module string) {
			logger.Info("Module unloading.", "module", module, "role", string(role))
		})
	}

	o.RegisterBuiltin(Name, []string{"service"}, 0, nil)
	return nil
}
