package boundary

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vk/keystone/internal/config"
)

// TableLauncher backs modules whose code is compiled into the host: the
// manifest carries no executable and the exported function table was
// registered by host code ahead of discovery. It is also the launcher unit
// tests drive the orchestrator with.
type TableLauncher struct {
	mutex  sync.Mutex
	tables map[string]map[string]any
}

// NewTableLauncher creates an empty table launcher.
func NewTableLauncher() *TableLauncher {
	return &TableLauncher{tables: make(map[string]map[string]any)}
}

// RegisterTable installs the exported function table for the named module.
// Re-registering replaces the previous table; the next (re)load picks the
// new one up.
func (l *TableLauncher) RegisterTable(name string, exports map[string]any) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.tables[name] = exports
}

// Launch returns a table instance for the manifest's module. A module with
// no registered table launches with an empty export table; dispatch will
// simply record misses for it.
func (l *TableLauncher) Launch(_ context.Context, m *config.Manifest) (Instance, error) {
	l.mutex.Lock()
	table := l.tables[m.Name]
	l.mutex.Unlock()

	exports := make(map[string]any, len(table))
	for name, fn := range table {
		exports[name] = fn
	}
	return NewTableInstance(exports), nil
}

// TableInstance is in-process module code. In-process Go cannot observe
// garbage collection portably, so reclamation is modeled with a reference
// count: host subsystems holding module-derived references take a Retain,
// and the instance counts as collected once it is released and every
// retain has been given back.
type TableInstance struct {
	exports  map[string]any
	released atomic.Bool
	retains  atomic.Int64
}

// NewTableInstance wraps an exported function table.
func NewTableInstance(exports map[string]any) *TableInstance {
	return &TableInstance{exports: exports}
}

// Exports returns the instance's function table.
func (i *TableInstance) Exports() map[string]any { return i.exports }

// Retain records an outside reference to this instance's code. The returned
// function gives the reference back; forgetting to call it is exactly the
// leak the orchestrator's grace-period check reports.
func (i *TableInstance) Retain() func() {
	i.retains.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { i.retains.Add(-1) })
	}
}

// Release tears the instance down and returns its observation handle.
func (i *TableInstance) Release() Handle {
	i.released.Store(true)
	return tableHandle{i}
}

type tableHandle struct{ inst *TableInstance }

func (h tableHandle) Collected() bool {
	return h.inst.released.Load() && h.inst.retains.Load() == 0
}
