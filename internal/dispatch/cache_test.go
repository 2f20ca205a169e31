package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/keystone/internal/registry"
)

func newTestCache(t *testing.T) (*registry.Registry, *Cache) {
	t.Helper()
	reg := registry.New()
	return reg, New(reg)
}

func addModule(reg *registry.Registry, name string, order int, exports map[string]any) {
	reg.Swap(&registry.Module{
		Name:        name,
		RenderOrder: order,
		Roles:       map[registry.Role][]string{registry.RoleLogic: {name}},
		Exports:     exports,
	})
}

func TestResolveCachesTypedCallable(t *testing.T) {
	reg, c := newTestCache(t)
	calls := 0
	addModule(reg, "particles", 10, map[string]any{
		"Step": func(dt float64) { calls++ },
	})

	fn1, ok := Resolve[func(float64)](c, "particles", "Step")
	require.True(t, ok)
	after1 := c.Resolutions()

	fn2, ok := Resolve[func(float64)](c, "particles", "Step")
	require.True(t, ok)
	after2 := c.Resolutions()

	assert.Equal(t, after1, after2, "second resolve must do zero resolution work")

	fn1(0.16)
	fn2(0.16)
	assert.Equal(t, 2, calls)
}

func TestResolveCachesMisses(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "hud", 1, map[string]any{})

	_, ok := Resolve[func()](c, "hud", "Missing")
	assert.False(t, ok)
	after1 := c.Resolutions()

	_, ok = Resolve[func()](c, "hud", "Missing")
	assert.False(t, ok)
	assert.Equal(t, after1, c.Resolutions(), "negative entries are cached too")

	// Unknown module is a miss, not an error.
	_, ok = Resolve[func()](c, "ghost", "Anything")
	assert.False(t, ok)
}

func TestResolveShapeMismatchIsAbsent(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "hud", 1, map[string]any{"Show": func(s string) {}})

	_, ok := Resolve[func(int) int](c, "hud", "Show")
	assert.False(t, ok)
}

func TestEvictDropsOnlyThatModule(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "a", 1, map[string]any{"F": func() {}})
	addModule(reg, "b", 2, map[string]any{"F": func() {}})

	_, _ = Resolve[func()](c, "a", "F")
	_, _ = Resolve[func()](c, "b", "F")
	before := c.Resolutions()

	c.Evict("a")

	_, ok := Resolve[func()](c, "b", "F")
	require.True(t, ok)
	assert.Equal(t, before, c.Resolutions(), "unrelated module entries untouched")

	_, ok = Resolve[func()](c, "a", "F")
	require.True(t, ok)
	assert.Equal(t, before+1, c.Resolutions(), "evicted module re-resolves")
}

func TestInvokeDynamicPath(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "calc", 1, map[string]any{
		"Add": func(a, b int) int { return a + b },
	})

	t.Run("matching shape", func(t *testing.T) {
		out, ok := c.Invoke("calc", "Add", 2, 3)
		require.True(t, ok)
		require.Len(t, out, 1)
		assert.Equal(t, 5, out[0])
	})

	t.Run("mismatched arity reports absent", func(t *testing.T) {
		_, ok := c.Invoke("calc", "Add", 1)
		assert.False(t, ok)
	})

	t.Run("mismatched types report absent", func(t *testing.T) {
		_, ok := c.Invoke("calc", "Add", "x", "y")
		assert.False(t, ok)
	})

	t.Run("unknown member reports absent", func(t *testing.T) {
		_, ok := c.Invoke("calc", "Sub", 1, 2)
		assert.False(t, ok)
	})

	t.Run("convertible argument types bind", func(t *testing.T) {
		out, ok := c.Invoke("calc", "Add", int64(2), int64(3))
		require.True(t, ok)
		assert.Equal(t, 5, out[0])
	})
}

func TestDispatchAllFollowsRenderOrder(t *testing.T) {
	reg, c := newTestCache(t)
	var seen []string
	addModule(reg, "overlay", 30, map[string]any{"Render": func() {}})
	addModule(reg, "world", 10, map[string]any{"Render": func() {}})
	addModule(reg, "hud", 20, map[string]any{"Render": func() {}})
	// No Render member: must be skipped silently.
	addModule(reg, "audio", 15, map[string]any{})

	DispatchAll(c, "Render", func(module string, fn func()) {
		seen = append(seen, module)
		fn()
	})
	assert.Equal(t, []string{"world", "hud", "overlay"}, seen)
}

func TestDispatchAllSeesRegistryChanges(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "world", 10, map[string]any{"Render": func() {}})

	var first []string
	DispatchAll(c, "Render", func(module string, _ func()) { first = append(first, module) })
	assert.Equal(t, []string{"world"}, first)

	addModule(reg, "hud", 5, map[string]any{"Render": func() {}})

	var second []string
	DispatchAll(c, "Render", func(module string, _ func()) { second = append(second, module) })
	assert.Equal(t, []string{"hud", "world"}, second, "cached order list recomputes after registry mutation")
}

func TestDispatchRangeFiltersLiveOrder(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "world", 10, map[string]any{"Render": func() {}})
	addModule(reg, "hud", 20, map[string]any{"Render": func() {}})
	addModule(reg, "overlay", 30, map[string]any{"Render": func() {}})

	var seen []string
	DispatchRange(c, "Render", 15, 25, func(module string, _ func()) { seen = append(seen, module) })
	assert.Equal(t, []string{"hud"}, seen)
}

func TestClear(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "a", 1, map[string]any{"F": func() {}})

	_, _ = Resolve[func()](c, "a", "F")
	before := c.Resolutions()

	c.Clear()

	_, ok := Resolve[func()](c, "a", "F")
	require.True(t, ok)
	assert.Equal(t, before+1, c.Resolutions())
}

func TestIsRegistered(t *testing.T) {
	reg, c := newTestCache(t)
	addModule(reg, "a", 1, nil)
	assert.True(t, c.IsRegistered("a"))
	assert.False(t, c.IsRegistered("b"))
}
