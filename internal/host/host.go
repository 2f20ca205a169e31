package host

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/keystone/internal/config"
	"github.com/vk/keystone/internal/ctxlog"
	"github.com/vk/keystone/internal/orchestrator"
)

// Options holds everything the CLI hands to an App instance.
type Options struct {
	ConfigPath string
	HealthPort int
	LogFormat  string
	LogLevel   string
}

// App encapsulates the host's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *config.Host
	orch       *orchestrator.Orchestrator
	httpServer *http.Server
}

// NewApp is the constructor for the host. It returns a fully initialized App
// with its own isolated logger, an orchestrator wired to the configured
// module sources, and every built-in module registered.
func NewApp(outW io.Writer, opts *Options, builtins ...orchestrator.Builtin) *App {
	logger := newLogger(opts.LogLevel, opts.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cfg, err := config.LoadHost(ctx, opts.ConfigPath)
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load host configuration: %w", err))
	}
	logger.Debug("Host configuration loaded.", "sources", len(cfg.Sources), "hot_reload", cfg.HotReload)

	// CLI flags win over the config file where both are set.
	if opts.HealthPort > 0 {
		cfg.HealthPort = opts.HealthPort
	}

	orch := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Logger: logger,
	})

	if len(builtins) == 0 {
		builtins = coreBuiltins
	}
	for _, b := range builtins {
		if err := b.Register(orch); err != nil {
			// A built-in that cannot register is a programmer error.
			panic(fmt.Errorf("register built-in module: %w", err))
		}
	}
	logger.Debug("All built-in modules registered.", "count", len(builtins))

	return &App{
		outW:   outW,
		logger: logger,
		config: cfg,
		orch:   orch,
	}
}

// Orchestrator returns the app's orchestrator. This is primarily for testing.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}
