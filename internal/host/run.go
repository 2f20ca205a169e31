package host

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/keystone/internal/ctxlog"
)

// pumpInterval bounds how stale the orchestrator can get between file events
// being drained; it is deliberately short next to any debounce interval.
const pumpInterval = 50 * time.Millisecond

// Run starts the orchestrator and drives its pump loop until ctx is
// cancelled. It owns the health server lifecycle.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthPort > 0 {
		a.startHealthcheckServer(a.config.HealthPort)
	}

	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start module orchestrator: %w", err)
	}
	a.logger.Info("🚀 Host running.", "modules", len(a.orch.RegisteredNames()))

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("🏁 Shutting down.")
			if err := a.orch.Close(); err != nil {
				a.logger.Error("Orchestrator close failed.", "error", err)
			}
			return a.closeHealthcheckServer()
		case err := <-a.orch.Errors():
			a.logger.Warn("Module problem reported.", "error", err)
		case <-ticker.C:
			a.orch.Pump(ctx)
		}
	}
}
