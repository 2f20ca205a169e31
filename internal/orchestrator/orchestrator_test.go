package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/keystone/internal/boundary"
	"github.com/vk/keystone/internal/config"
	"github.com/vk/keystone/internal/dispatch"
	"github.com/vk/keystone/internal/trust"
	"github.com/vk/keystone/internal/watch"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// countingLauncher counts per-module launches on top of a table launcher.
type countingLauncher struct {
	*boundary.TableLauncher
	mutex    sync.Mutex
	launches map[string]int
}

func newCountingLauncher() *countingLauncher {
	return &countingLauncher{
		TableLauncher: boundary.NewTableLauncher(),
		launches:      make(map[string]int),
	}
}

func (l *countingLauncher) Launch(ctx context.Context, m *config.Manifest) (boundary.Instance, error) {
	l.mutex.Lock()
	l.launches[m.Name]++
	l.mutex.Unlock()
	return l.TableLauncher.Launch(ctx, m)
}

func (l *countingLauncher) count(name string) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.launches[name]
}

type testHost struct {
	dir      string
	orch     *Orchestrator
	launcher *countingLauncher
	queue    *watch.Queue
	clock    *fakeClock
	cfg      *config.Host
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	dir := t.TempDir()
	h := &testHost{
		dir:      dir,
		launcher: newCountingLauncher(),
		queue:    &watch.Queue{},
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		cfg: &config.Host{
			Sources:   []*config.Source{{Name: "bundled", Path: dir, Trust: config.TrustBundled}},
			HotReload: true,
			Debounce:  200 * time.Millisecond,
			LeakGrace: 10 * time.Second,
		},
	}
	h.orch = New(Options{
		Config:   h.cfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Launcher: h.launcher,
		Events:   h.queue,
		Clock:    h.clock.Now,
	})
	return h
}

func (h *testHost) writeModule(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name+config.ManifestExt)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *testHost) changeEvent(path string) {
	h.queue.Push(watch.Event{Path: path, Kind: watch.KindWrite, Time: h.clock.Now()})
}

func drainErrors(o *Orchestrator) []error {
	var errs []error
	for {
		select {
		case err := <-o.Errors():
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

func TestStartLoadsDiscoveredModules(t *testing.T) {
	h := newTestHost(t)
	h.launcher.RegisterTable("mathlib", map[string]any{"Lerp": func(a, b float64) float64 { return a }})
	h.writeModule(t, "mathlib", `module { roles = ["library"] }`)
	h.writeModule(t, "hud", `module { roles = ["window"], requires = ["mathlib"] }`)

	require.NoError(t, h.orch.Start(context.Background()))

	assert.True(t, h.orch.IsRegistered("mathlib"))
	assert.True(t, h.orch.IsRegistered("hud"))
	assert.Equal(t, []string{"hud", "mathlib"}, h.orch.RegisteredNames())
	assert.Equal(t, []string{"mathlib"}, h.orch.Dependencies("hud"))
	assert.Empty(t, drainErrors(h.orch))
}

func TestLoadFailureKeepsPreviousVersionActive(t *testing.T) {
	h := newTestHost(t)
	h.launcher.RegisterTable("particles", map[string]any{"Version": func() int { return 1 }})
	path := h.writeModule(t, "particles", `module { roles = ["logic"] }`)
	require.NoError(t, h.orch.Start(context.Background()))

	fn, ok := dispatch.Resolve[func() int](h.orch.Cache(), "particles", "Version")
	require.True(t, ok)
	require.Equal(t, 1, fn())

	// Corrupt the manifest and trigger a reload.
	require.NoError(t, os.WriteFile(path, []byte(`module {`), 0o644))
	h.clock.Advance(time.Second)
	h.changeEvent(path)
	h.orch.Pump(context.Background())

	assert.True(t, h.orch.IsRegistered("particles"), "old version stays active across a failed reload")
	fn, ok = dispatch.Resolve[func() int](h.orch.Cache(), "particles", "Version")
	require.True(t, ok)
	assert.Equal(t, 1, fn())

	errs := drainErrors(h.orch)
	require.NotEmpty(t, errs, "the failure lands on the notification channel")
}

func TestTrustRejectionKeepsPreviousVersionActive(t *testing.T) {
	h := newTestHost(t)
	rejecting := &toggleValidator{}
	h.orch.validator = rejecting

	h.launcher.RegisterTable("particles", map[string]any{"Version": func() int { return 1 }})
	path := h.writeModule(t, "particles", `module { roles = ["logic"] }`)
	require.NoError(t, h.orch.Start(context.Background()))
	require.True(t, h.orch.IsRegistered("particles"))

	rejecting.reject.Store(true)
	h.clock.Advance(time.Second)
	h.changeEvent(path)
	h.orch.Pump(context.Background())

	assert.True(t, h.orch.IsRegistered("particles"))
	assert.NotEmpty(t, drainErrors(h.orch))
}

type toggleValidator struct {
	reject atomic.Bool
}

func (v *toggleValidator) Validate(string, config.TrustLevel) (trust.Outcome, error) {
	if v.reject.Load() {
		return "", fmt.Errorf("signature does not match any allowed publisher")
	}
	return trust.OutcomeUnchecked, nil
}

func TestDebounceCollapsesDuplicateEvents(t *testing.T) {
	h := newTestHost(t)
	path := h.writeModule(t, "hud", `module { roles = ["window"] }`)
	require.NoError(t, h.orch.Start(context.Background()))
	require.Equal(t, 1, h.launcher.count("hud"))

	// Two raw events from one logical write, within the interval.
	h.changeEvent(path)
	h.clock.Advance(50 * time.Millisecond)
	h.changeEvent(path)
	h.orch.Pump(context.Background())
	assert.Equal(t, 2, h.launcher.count("hud"), "exactly one reload for the pair")

	// A later, separate write reloads again.
	h.clock.Advance(time.Second)
	h.changeEvent(path)
	h.orch.Pump(context.Background())
	assert.Equal(t, 3, h.launcher.count("hud"))
}

func TestCascadeReloadOfLibraryDependents(t *testing.T) {
	h := newTestHost(t)
	h.launcher.RegisterTable("lib", map[string]any{"Version": func() int { return 1 }})
	h.launcher.RegisterTable("win", map[string]any{"Title": func() string { return "v1" }})
	libPath := h.writeModule(t, "lib", `module { roles = ["library"] }`)
	h.writeModule(t, "win", `module { roles = ["window"], requires = ["lib"] }`)
	require.NoError(t, h.orch.Start(context.Background()))

	require.Equal(t, []string{"lib"}, h.orch.Dependencies("win"))
	winLaunches := h.launcher.count("win")

	// Prime win's dispatch cache so staleness would be observable.
	title, ok := dispatch.Resolve[func() string](h.orch.Cache(), "win", "Title")
	require.True(t, ok)
	require.Equal(t, "v1", title())

	// The next load of win picks up a new table version.
	h.launcher.RegisterTable("win", map[string]any{"Title": func() string { return "v2" }})

	h.clock.Advance(time.Second)
	h.changeEvent(libPath)
	h.orch.Pump(context.Background())

	assert.True(t, h.orch.IsRegistered("lib"))
	assert.True(t, h.orch.IsRegistered("win"))
	assert.Equal(t, winLaunches+1, h.launcher.count("win"), "the dependent reloaded once")
	assert.Equal(t, []string{"lib"}, h.orch.Dependencies("win"), "edges re-derived after cascade")

	title, ok = dispatch.Resolve[func() string](h.orch.Cache(), "win", "Title")
	require.True(t, ok)
	assert.Equal(t, "v2", title(), "win's dispatch cache is fresh, not stale")
}

func TestReloadEvictsOnlyThatModulesCacheEntries(t *testing.T) {
	h := newTestHost(t)
	h.launcher.RegisterTable("a", map[string]any{"F": func() {}})
	h.launcher.RegisterTable("b", map[string]any{"F": func() {}})
	pathA := h.writeModule(t, "a", `module { roles = ["window"] }`)
	h.writeModule(t, "b", `module { roles = ["window"] }`)
	require.NoError(t, h.orch.Start(context.Background()))

	_, _ = dispatch.Resolve[func()](h.orch.Cache(), "a", "F")
	_, _ = dispatch.Resolve[func()](h.orch.Cache(), "b", "F")
	before := h.orch.Cache().Resolutions()

	h.clock.Advance(time.Second)
	h.changeEvent(pathA)
	h.orch.Pump(context.Background())

	_, ok := dispatch.Resolve[func()](h.orch.Cache(), "b", "F")
	require.True(t, ok)
	assert.Equal(t, before, h.orch.Cache().Resolutions(), "b's entries were untouched")

	_, ok = dispatch.Resolve[func()](h.orch.Cache(), "a", "F")
	require.True(t, ok)
	assert.Equal(t, before+1, h.orch.Cache().Resolutions(), "a's entries re-resolved")
}

func TestRemovalLeavesSlotAbsent(t *testing.T) {
	h := newTestHost(t)
	path := h.writeModule(t, "hud", `module { roles = ["window"] }`)
	require.NoError(t, h.orch.Start(context.Background()))
	require.True(t, h.orch.IsRegistered("hud"))

	h.clock.Advance(time.Second)
	h.queue.Push(watch.Event{Path: path, Kind: watch.KindRemove, Time: h.clock.Now()})
	h.orch.Pump(context.Background())

	assert.False(t, h.orch.IsRegistered("hud"))
	assert.Equal(t, 1, h.orch.pendingCount(), "teardown queued a pending unload record")
}

func TestLeakDetection(t *testing.T) {
	t.Run("collected record drops silently", func(t *testing.T) {
		h := newTestHost(t)
		h.writeModule(t, "hud", `module { roles = ["window"] }`)
		require.NoError(t, h.orch.Start(context.Background()))

		require.True(t, h.orch.Unload("hud"))
		require.Equal(t, 1, h.orch.pendingCount())

		// Table instances with no outside retains collect immediately.
		h.orch.Pump(context.Background())
		assert.Equal(t, 0, h.orch.pendingCount())
	})

	t.Run("pinned record survives until grace then warns once", func(t *testing.T) {
		h := newTestHost(t)
		pinning := &pinningLauncher{TableLauncher: boundary.NewTableLauncher()}
		h.orch.launcher = pinning
		h.writeModule(t, "hud", `module { roles = ["window"] }`)
		require.NoError(t, h.orch.Start(context.Background()))

		unpin := pinning.last.Retain()
		defer unpin()

		require.True(t, h.orch.Unload("hud"))
		require.Equal(t, 1, h.orch.pendingCount())

		// Within the grace period the record is kept, quietly.
		h.clock.Advance(5 * time.Second)
		h.orch.Pump(context.Background())
		assert.Equal(t, 1, h.orch.pendingCount())

		// Past the grace period it is dropped with a single warning, and
		// never revisited.
		h.clock.Advance(6 * time.Second)
		h.orch.Pump(context.Background())
		assert.Equal(t, 0, h.orch.pendingCount())
		h.orch.Pump(context.Background())
		assert.Equal(t, 0, h.orch.pendingCount())
	})
}

type pinningLauncher struct {
	*boundary.TableLauncher
	last *boundary.TableInstance
}

func (l *pinningLauncher) Launch(ctx context.Context, m *config.Manifest) (boundary.Instance, error) {
	inst, err := l.TableLauncher.Launch(ctx, m)
	if err != nil {
		return nil, err
	}
	l.last = inst.(*boundary.TableInstance)
	return inst, nil
}

func TestCustomRoles(t *testing.T) {
	h := newTestHost(t)
	var loaded, unloaded []string
	type inspector interface{ Inspect() string }
	require.NoError(t, h.orch.RegisterCustomRole("inspector-panel",
		reflect.TypeOf((*inspector)(nil)).Elem(),
		func(m string) { loaded = append(loaded, m) },
		func(m string) { unloaded = append(unloaded, m) },
	))

	path := h.writeModule(t, "scene", `module { roles = ["window", "inspector-panel"] }`)
	require.NoError(t, h.orch.Start(context.Background()))
	assert.Equal(t, []string{"scene"}, loaded)

	h.clock.Advance(time.Second)
	h.queue.Push(watch.Event{Path: path, Kind: watch.KindRemove, Time: h.clock.Now()})
	h.orch.Pump(context.Background())
	assert.Equal(t, []string{"scene"}, unloaded)

	t.Run("refused after startup", func(t *testing.T) {
		err := h.orch.RegisterCustomRole("late", nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after startup")
	})

	t.Run("duplicate tag refused", func(t *testing.T) {
		h2 := newTestHost(t)
		require.NoError(t, h2.orch.RegisterCustomRole("x", nil, nil, nil))
		assert.Error(t, h2.orch.RegisterCustomRole("x", nil, nil, nil))
	})

	t.Run("built-in role name refused", func(t *testing.T) {
		h2 := newTestHost(t)
		assert.Error(t, h2.orch.RegisterCustomRole("logic", nil, nil, nil))
	})
}

func TestCycleRefusedAtEdgeDerivation(t *testing.T) {
	h := newTestHost(t)
	h.writeModule(t, "a", `module { roles = ["library"], requires = ["b"] }`)
	h.writeModule(t, "b", `module { roles = ["library"], requires = ["a"] }`)
	require.NoError(t, h.orch.Start(context.Background()))

	// Both modules load; exactly one direction of the cycle is tracked.
	assert.True(t, h.orch.IsRegistered("a"))
	assert.True(t, h.orch.IsRegistered("b"))

	depsA := h.orch.Dependencies("a")
	depsB := h.orch.Dependencies("b")
	assert.Equal(t, 1, len(depsA)+len(depsB), "one edge registered, the cyclic one refused")
}

func TestRegisterBuiltin(t *testing.T) {
	h := newTestHost(t)
	calls := 0
	h.orch.RegisterBuiltin("renderstats", []string{"logic"}, 100, map[string]any{
		"Render": func() { calls++ },
	})

	assert.True(t, h.orch.IsRegistered("renderstats"))
	fn, ok := dispatch.Resolve[func()](h.orch.Cache(), "renderstats", "Render")
	require.True(t, ok)
	fn()
	assert.Equal(t, 1, calls)

	// Built-ins have no boundary; unloading queues no pending record.
	require.True(t, h.orch.Unload("renderstats"))
	assert.Equal(t, 0, h.orch.pendingCount())
}

func TestBusFiresPerRole(t *testing.T) {
	h := newTestHost(t)
	var events []string
	h.orch.Bus().SubscribeLoaded("window", func(m string) { events = append(events, "loaded:"+m) })
	h.orch.Bus().SubscribeUnloading("window", func(m string) { events = append(events, "unloading:"+m) })

	path := h.writeModule(t, "hud", `module { roles = ["window"] }`)
	require.NoError(t, h.orch.Start(context.Background()))

	h.clock.Advance(time.Second)
	h.changeEvent(path)
	h.orch.Pump(context.Background())

	assert.Equal(t, []string{"loaded:hud", "unloading:hud", "loaded:hud"}, events)
}

func TestNonManifestEventsIgnored(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.orch.Start(context.Background()))

	h.queue.Push(watch.Event{Path: filepath.Join(h.dir, "notes.txt"), Kind: watch.KindWrite, Time: h.clock.Now()})
	h.orch.Pump(context.Background())
	assert.Empty(t, drainErrors(h.orch))
	assert.Empty(t, h.orch.RegisteredNames())
}
