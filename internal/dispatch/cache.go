package dispatch

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/vk/keystone/internal/registry"
)

// key identifies one cached resolution. Typed resolutions carry the
// requested shape so the same member can bind to different signatures;
// dynamic resolutions leave typ nil.
type key struct {
	module string
	member string
	typ    reflect.Type
}

// entry is a resolved callable or an explicit "absent" sentinel. Negative
// entries matter: a dispatch miss is not an error and must not be
// re-resolved every frame.
type entry struct {
	value  any
	absent bool
}

// Cache memoizes per-(module, member) callable resolution on top of the
// module registry. The typed path never re-resolves after first bind;
// misses are cached as explicit negatives. Storage is a sync.Map so typed
// dispatch reads from multiple render threads never block each other.
type Cache struct {
	registry *registry.Registry
	entries  sync.Map // key -> *entry

	// resolutions counts actual bind work, not cache hits.
	resolutions atomic.Uint64

	// orderMutex guards the memoized render-order module list, recomputed
	// whenever the registry's version moves.
	orderMutex   sync.Mutex
	orderList    []string
	orderVersion uint64
	orderValid   bool
}

// New creates a cache reading through reg.
func New(reg *registry.Registry) *Cache {
	return &Cache{registry: reg}
}

// Resolve returns the cached callable of shape T for (module, member),
// binding and caching it on first use. The second result is false when the
// module, the member, or a compatible shape does not exist; that outcome is
// cached too.
func Resolve[T any](c *Cache, module, member string) (T, bool) {
	var zero T
	k := key{module: module, member: member, typ: reflect.TypeOf(&zero).Elem()}

	if v, ok := c.entries.Load(k); ok {
		e := v.(*entry)
		if e.absent {
			return zero, false
		}
		return e.value.(T), true
	}

	c.resolutions.Add(1)
	resolutionsTotal.Inc()
	e := &entry{absent: true}
	if fn, ok := c.lookup(module, member); ok {
		if typed, ok := fn.(T); ok {
			e = &entry{value: typed}
		} else if adapted, ok := convert[T](fn); ok {
			e = &entry{value: adapted}
		}
	}

	v, _ := c.entries.LoadOrStore(k, e)
	e = v.(*entry)
	if e.absent {
		return zero, false
	}
	return e.value.(T), true
}

// convert adapts fn to shape T when the runtime types are convertible,
// covering exported functions whose defined type differs from the
// requested one.
func convert[T any](fn any) (T, bool) {
	var zero T
	want := reflect.TypeOf(&zero).Elem()
	if want.Kind() != reflect.Func {
		return zero, false
	}
	v := reflect.ValueOf(fn)
	if !v.IsValid() || !v.Type().ConvertibleTo(want) {
		return zero, false
	}
	return v.Convert(want).Interface().(T), true
}

// Invoke is the legacy dynamic path for non-hot-path callers: runtime
// member lookup by name with reflective argument binding. A missing module
// or member, or a mismatched shape, reports false instead of raising.
func (c *Cache) Invoke(module, member string, args ...any) ([]any, bool) {
	k := key{module: module, member: member}

	var fn any
	if v, ok := c.entries.Load(k); ok {
		e := v.(*entry)
		if e.absent {
			return nil, false
		}
		fn = e.value
	} else {
		c.resolutions.Add(1)
		resolutionsTotal.Inc()
		looked, ok := c.lookup(module, member)
		e := &entry{absent: true}
		if ok && reflect.ValueOf(looked).Kind() == reflect.Func {
			e = &entry{value: looked}
		}
		v, _ := c.entries.LoadOrStore(k, e)
		e = v.(*entry)
		if e.absent {
			return nil, false
		}
		fn = e.value
	}

	return call(fn, args)
}

// call binds args to fn reflectively. Shape mismatches degrade to absent.
func call(fn any, args []any) ([]any, bool) {
	v := reflect.ValueOf(fn)
	t := v.Type()

	fixed := t.NumIn()
	if t.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, false
		}
	} else if len(args) != fixed {
		return nil, false
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var want reflect.Type
		if i < fixed {
			want = t.In(i)
		} else {
			want = t.In(t.NumIn() - 1).Elem()
		}
		if arg == nil {
			in[i] = reflect.Zero(want)
			continue
		}
		av := reflect.ValueOf(arg)
		switch {
		case av.Type().AssignableTo(want):
			in[i] = av
		case av.Type().ConvertibleTo(want):
			in[i] = av.Convert(want)
		default:
			return nil, false
		}
	}

	out := v.Call(in)
	results := make([]any, len(out))
	for i, o := range out {
		results[i] = o.Interface()
	}
	return results, true
}

// lookup reads the member straight out of the registry's export table.
func (c *Cache) lookup(module, member string) (any, bool) {
	m, ok := c.registry.Get(module)
	if !ok {
		return nil, false
	}
	fn, ok := m.Exports[member]
	if !ok || fn == nil {
		return nil, false
	}
	return fn, true
}

// IsRegistered is the existence check callers should use instead of
// treating a dispatch miss as an error.
func (c *Cache) IsRegistered(module string) bool {
	return c.registry.IsRegistered(module)
}

// DispatchAll invokes the member on every module in the cached
// render-order-sorted list, skipping modules lacking it.
func DispatchAll[T any](c *Cache, member string, invoke func(module string, fn T)) {
	for _, name := range c.orderedNames() {
		if fn, ok := Resolve[T](c, name, member); ok {
			invoke(name, fn)
		}
	}
}

// DispatchRange is DispatchAll limited to modules whose live render order
// lies in [min, max]. It filters against the registry rather than the
// cached list so order changes apply immediately.
func DispatchRange[T any](c *Cache, member string, min, max int, invoke func(module string, fn T)) {
	for _, name := range c.registry.InRenderRange(min, max) {
		if fn, ok := Resolve[T](c, name, member); ok {
			invoke(name, fn)
		}
	}
}

// Evict drops every cached entry for the module. Registration changes evict
// wholesale; unrelated modules' entries stay put.
func (c *Cache) Evict(module string) {
	c.entries.Range(func(k, _ any) bool {
		if k.(key).module == module {
			c.entries.Delete(k)
		}
		return true
	})
}

// Clear drops every cached entry and the memoized render-order list. Fired
// when a logic module loads, since its capability set may have shifted in
// ways per-name eviction misses.
func (c *Cache) Clear() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
	c.orderMutex.Lock()
	c.orderValid = false
	c.orderMutex.Unlock()
}

// Resolutions reports how many actual binds (including negative ones) have
// happened. Cache hits do no resolution work.
func (c *Cache) Resolutions() uint64 {
	return c.resolutions.Load()
}

// orderedNames memoizes the registry's render-ordered name list keyed on
// its mutation counter.
func (c *Cache) orderedNames() []string {
	version := c.registry.Version()
	c.orderMutex.Lock()
	defer c.orderMutex.Unlock()
	if !c.orderValid || c.orderVersion != version {
		c.orderList = c.registry.RenderOrdered()
		c.orderVersion = version
		c.orderValid = true
	}
	return c.orderList
}
