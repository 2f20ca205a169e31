package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/vk/keystone/internal/boundary"
	"github.com/vk/keystone/internal/bus"
	"github.com/vk/keystone/internal/config"
	"github.com/vk/keystone/internal/depgraph"
	"github.com/vk/keystone/internal/dispatch"
	"github.com/vk/keystone/internal/registry"
	"github.com/vk/keystone/internal/trust"
	"github.com/vk/keystone/internal/watch"
)

// Options wires an Orchestrator. Config is required; every other field has
// a working default so tests can substitute fakes piecemeal.
type Options struct {
	Config    *config.Host
	Logger    *slog.Logger
	Registry  *registry.Registry
	Graph     *depgraph.Graph
	Cache     *dispatch.Cache
	Bus       *bus.Bus
	Launcher  boundary.Launcher
	Validator trust.Validator
	Events    watch.Source
	Clock     func() time.Time
}

// customRole is one host-defined capability role registration.
type customRole struct {
	tag      string
	capType  reflect.Type
	onLoad   bus.Subscriber
	onUnload bus.Subscriber
}

// pendingUnload tracks one torn-down boundary between "unload requested"
// and "collection confirmed or leak declared".
type pendingUnload struct {
	module   string
	handle   boundary.Handle
	at       time.Time
	boundary string
}

// Orchestrator drives the module lifecycle: discovery, debounced reload,
// cascade ordering, trust validation, and post-unload leak verification.
// All load and unload work runs serially under one mutex; it is pumped by
// the host loop and never runs concurrently with itself.
type Orchestrator struct {
	cfg       *config.Host
	logger    *slog.Logger
	reg       *registry.Registry
	graph     *depgraph.Graph
	cache     *dispatch.Cache
	bus       *bus.Bus
	launcher  boundary.Launcher
	validator trust.Validator
	events    watch.Source
	clock     func() time.Time

	errs chan error

	// op serializes all orchestration work (Start, Pump, direct loads).
	op           sync.Mutex
	started      bool
	watcher      *watch.Watcher
	custom       []customRole
	lastAccepted map[string]time.Time
	pending      []pendingUnload
}

// New builds an orchestrator from opts and installs the logic-role
// cache-clear hook on the bus.
func New(opts Options) *Orchestrator {
	if opts.Config == nil {
		panic("orchestrator: Options.Config is required")
	}
	o := &Orchestrator{
		cfg:          opts.Config,
		logger:       opts.Logger,
		reg:          opts.Registry,
		graph:        opts.Graph,
		cache:        opts.Cache,
		bus:          opts.Bus,
		launcher:     opts.Launcher,
		validator:    opts.Validator,
		events:       opts.Events,
		clock:        opts.Clock,
		errs:         make(chan error, 64),
		lastAccepted: make(map[string]time.Time),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.reg == nil {
		o.reg = registry.New()
	}
	if o.graph == nil {
		o.graph = depgraph.New()
	}
	if o.cache == nil {
		o.cache = dispatch.New(o.reg)
	}
	if o.bus == nil {
		o.bus = bus.New()
	}
	if o.launcher == nil {
		o.launcher = boundary.NewHostLauncher(nil)
	}
	if o.validator == nil {
		o.validator = trust.Open{}
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	o.bus.SetLogicLoadHook(o.cache.Clear)
	return o
}

// Registry exposes the module registry, primarily for dispatch wiring and
// tests.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Cache exposes the dispatch cache.
func (o *Orchestrator) Cache() *dispatch.Cache { return o.cache }

// Bus exposes the invalidation bus for subscriber registration.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Errors is the notification channel load, trust, and leak problems are
// reported on. Nothing on this channel is fatal to the host.
func (o *Orchestrator) Errors() <-chan error { return o.errs }

// RegisterCustomRole adds a host-defined capability role. Callable only
// before Start; registrations live for the process lifetime.
func (o *Orchestrator) RegisterCustomRole(tag string, capability reflect.Type, onLoad, onUnload bus.Subscriber) error {
	o.op.Lock()
	defer o.op.Unlock()

	if o.started {
		return fmt.Errorf("custom role %q registered after startup completed", tag)
	}
	if registry.ValidRole(tag) {
		return fmt.Errorf("custom role %q collides with a built-in role", tag)
	}
	for _, cr := range o.custom {
		if cr.tag == tag {
			return fmt.Errorf("custom role %q already registered", tag)
		}
	}
	o.custom = append(o.custom, customRole{tag: tag, capType: capability, onLoad: onLoad, onUnload: onUnload})
	return nil
}

// ResolveType resolves a capability tag to the host's own framework type,
// so module code binds to the identical type the host uses. Implements
// boundary.SharedTypes.
func (o *Orchestrator) ResolveType(tag string) (reflect.Type, bool) {
	for _, cr := range o.custom {
		if cr.tag == tag && cr.capType != nil {
			return cr.capType, true
		}
	}
	return nil, false
}

// Start scans every configured module source directory, loads what it
// finds, and begins watching for changes when hot reload is enabled. Load
// failures are reported, never fatal.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.op.Lock()
	defer o.op.Unlock()

	if o.started {
		return fmt.Errorf("orchestrator already started")
	}

	for _, src := range o.cfg.Sources {
		paths, err := findManifests(src.Path)
		if err != nil {
			o.report(fmt.Errorf("scan source %q: %w", src.Name, err))
			continue
		}
		for _, path := range paths {
			if err := o.loadPath(ctx, path); err != nil {
				o.report(err)
			}
		}
	}

	if o.cfg.HotReload && o.events == nil {
		w, err := watch.New()
		if err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
		for _, src := range o.cfg.Sources {
			if err := w.Add(src.Path); err != nil {
				o.report(fmt.Errorf("watch source %q: %w", src.Name, err))
			}
		}
		o.watcher = w
		o.events = w
	}

	o.started = true
	o.logger.Info("Module orchestrator started.",
		"modules", len(o.reg.Names()), "hot_reload", o.cfg.HotReload)
	return nil
}

// Close stops the watcher. Loaded modules are unloaded so bootstrap and
// service teardown callbacks run.
func (o *Orchestrator) Close() error {
	o.op.Lock()
	defer o.op.Unlock()

	for _, name := range o.reg.Names() {
		if m, ok := o.reg.Get(name); ok {
			o.teardown(m)
		}
	}
	if o.watcher != nil {
		return o.watcher.Close()
	}
	return nil
}

// Pump is the single orchestration entry point, called once per host loop
// iteration. It drains raw file events, applies debounce, performs reload
// work serially, and checks pending unloads for leaks.
func (o *Orchestrator) Pump(ctx context.Context) {
	o.op.Lock()
	defer o.op.Unlock()

	if o.events != nil {
		for _, ev := range o.events.Drain() {
			o.handleEvent(ctx, ev)
		}
	}
	o.checkLeaks()
}

// handleEvent applies debounce and routes one raw event. Runs with op held.
func (o *Orchestrator) handleEvent(ctx context.Context, ev watch.Event) {
	if !isManifest(ev.Path) {
		return
	}
	if !o.acceptAfterDebounce(ev.Path, ev.Time) {
		o.logger.Debug("Change event collapsed by debounce.", "path", ev.Path)
		return
	}

	switch ev.Kind {
	case watch.KindRemove:
		o.handleRemoval(ev.Path)
	default:
		if err := o.reloadWithCascade(ctx, ev.Path); err != nil {
			o.report(err)
		}
	}
}

// acceptAfterDebounce reports whether enough time has passed since the
// last accepted change for this path, collapsing duplicate events from one
// logical write.
func (o *Orchestrator) acceptAfterDebounce(path string, at time.Time) bool {
	if last, ok := o.lastAccepted[path]; ok && at.Sub(last) < o.cfg.Debounce {
		return false
	}
	o.lastAccepted[path] = at
	return true
}

// IsRegistered reports whether a module with the given name is active.
func (o *Orchestrator) IsRegistered(name string) bool {
	return o.reg.IsRegistered(name)
}

// RegisteredNames returns all active module names, sorted.
func (o *Orchestrator) RegisteredNames() []string {
	return o.reg.Names()
}

// RenderOrder returns the declared render order for name.
func (o *Orchestrator) RenderOrder(name string) (int, bool) {
	return o.reg.RenderOrder(name)
}

// Dependencies returns the tracked library dependencies of name.
func (o *Orchestrator) Dependencies(name string) []string {
	return o.graph.Dependencies(name)
}

// report delivers an error to the notification channel without ever
// blocking the reload path.
func (o *Orchestrator) report(err error) {
	select {
	case o.errs <- err:
	default:
		o.logger.Warn("Error notification channel full.", "error", err)
	}
}
