// Package bus is the typed publish/subscribe surface notifying host
// subsystems when a module of a given role loads or is about to unload.
//
// Fan-out is synchronous on the reload-driving goroutine, never the render
// thread; subscribers must be idempotent and fast.
package bus

import (
	"sync"

	"github.com/vk/keystone/internal/registry"
)

// Subscriber receives the name of the module the notification concerns.
type Subscriber func(module string)

// Bus carries load/unload notifications for the fixed role set.
type Bus struct {
	mutex     sync.Mutex
	loaded    map[registry.Role][]Subscriber
	unloading map[registry.Role][]Subscriber

	// logicLoadHook runs on every logic-role load notification. Wiring
	// installs the dispatch cache's full clear here: a logic module's
	// render-order or capability set may have shifted in ways per-name
	// invalidation misses.
	logicLoadHook func()
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		loaded:    make(map[registry.Role][]Subscriber),
		unloading: make(map[registry.Role][]Subscriber),
	}
}

// SubscribeLoaded registers fn for "module of this role finished loading".
func (b *Bus) SubscribeLoaded(role registry.Role, fn Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.loaded[role] = append(b.loaded[role], fn)
}

// SubscribeUnloading registers fn for "module of this role is about to
// unload". Subscribers drop their module-derived references here.
func (b *Bus) SubscribeUnloading(role registry.Role, fn Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.unloading[role] = append(b.unloading[role], fn)
}

// SetLogicLoadHook installs the cache-clear hook. Installed once by host
// wiring before discovery begins.
func (b *Bus) SetLogicLoadHook(fn func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.logicLoadHook = fn
}

// NotifyLoaded fans out a load notification to the role's subscribers.
func (b *Bus) NotifyLoaded(role registry.Role, module string) {
	b.mutex.Lock()
	subs := append([]Subscriber(nil), b.loaded[role]...)
	hook := b.logicLoadHook
	b.mutex.Unlock()

	if role == registry.RoleLogic && hook != nil {
		hook()
	}
	for _, fn := range subs {
		fn(module)
	}
}

// NotifyUnloading fans out an about-to-unload notification.
func (b *Bus) NotifyUnloading(role registry.Role, module string) {
	b.mutex.Lock()
	subs := append([]Subscriber(nil), b.unloading[role]...)
	b.mutex.Unlock()

	for _, fn := range subs {
		fn(module)
	}
}
