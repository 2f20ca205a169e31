package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/keystone/internal/boundary"
)

// Role is a capability category a module exposes.
type Role string

const (
	RoleBootstrap Role = "bootstrap"
	RoleWindow    Role = "window"
	RoleService   Role = "service"
	RoleLogic     Role = "logic"
	RoleLibrary   Role = "library"
	// RoleCustom is the reserved slot for host-defined capability roles.
	RoleCustom Role = "custom"
)

// KnownRoles lists the fixed role set in setup order. Teardown runs the
// reverse of this order.
var KnownRoles = []Role{RoleBootstrap, RoleLibrary, RoleLogic, RoleService, RoleWindow, RoleCustom}

// ValidRole reports whether name is one of the fixed roles.
func ValidRole(name string) bool {
	for _, r := range KnownRoles {
		if Role(name) == r {
			return true
		}
	}
	return false
}

// Module is one discovered, independently reloadable unit of code.
type Module struct {
	// Name is the stable module name from the manifest filename.
	Name string
	// Path is the manifest location; empty for built-in legacy modules.
	Path string
	// Boundary owns the module's code. Nil in the non-reloadable legacy
	// mode used by modules compiled into the host.
	Boundary *boundary.Boundary
	// Roles maps each declared role to its capability identifiers.
	Roles map[Role][]string
	// Exports is the module's exported function table, the target of all
	// dispatch resolution.
	Exports map[string]any
	// RenderOrder sorts logic modules for render-loop dispatch.
	RenderOrder int
	// ModTime is the manifest's last observed modification time.
	ModTime time.Time
	// Trust records the validation outcome the module loaded under.
	Trust string
}

// HasRole reports whether the module declared the given role.
func (m *Module) HasRole(role Role) bool {
	_, ok := m.Roles[role]
	return ok
}

// Registry is the mutex-guarded module map. The orchestrator is the only
// writer; dispatch and query paths read concurrently.
type Registry struct {
	mutex   sync.RWMutex
	modules map[string]*Module

	// version increments on every mutation; the dispatch cache uses it to
	// invalidate its derived render-order list.
	version atomic.Uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Swap installs m under its name and returns the displaced record, if any.
func (r *Registry) Swap(m *Module) *Module {
	r.mutex.Lock()
	old := r.modules[m.Name]
	r.modules[m.Name] = m
	r.mutex.Unlock()
	r.version.Add(1)
	return old
}

// Remove drops the record for name and returns it, or nil if absent.
func (r *Registry) Remove(name string) *Module {
	r.mutex.Lock()
	old := r.modules[name]
	delete(r.modules, name)
	r.mutex.Unlock()
	if old != nil {
		r.version.Add(1)
	}
	return old
}

// Get returns the record for name.
func (r *Registry) Get(name string) (*Module, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// IsRegistered reports whether a module with the given name is active.
func (r *Registry) IsRegistered(name string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// Names returns all registered module names, sorted.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenderOrder returns the declared render order for name.
func (r *Registry) RenderOrder(name string) (int, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return 0, false
	}
	return m.RenderOrder, true
}

// RenderOrdered returns module names sorted by (render order, name). The
// dispatch cache memoizes this list keyed on Version.
func (r *Registry) RenderOrdered() []string {
	r.mutex.RLock()
	mods := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		mods = append(mods, m)
	}
	r.mutex.RUnlock()

	sort.Slice(mods, func(i, j int) bool {
		if mods[i].RenderOrder != mods[j].RenderOrder {
			return mods[i].RenderOrder < mods[j].RenderOrder
		}
		return mods[i].Name < mods[j].Name
	})
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name
	}
	return names
}

// InRenderRange returns names of modules whose live render order lies in
// [min, max], render-sorted. Used by ranged dispatch, which must consult
// live metadata rather than the cached list.
func (r *Registry) InRenderRange(min, max int) []string {
	r.mutex.RLock()
	type pair struct {
		name  string
		order int
	}
	var pairs []pair
	for _, m := range r.modules {
		if m.RenderOrder >= min && m.RenderOrder <= max {
			pairs = append(pairs, pair{m.Name, m.RenderOrder})
		}
	}
	r.mutex.RUnlock()

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].order != pairs[j].order {
			return pairs[i].order < pairs[j].order
		}
		return pairs[i].name < pairs[j].name
	})
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.name
	}
	return names
}

// Version returns the current mutation counter.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
