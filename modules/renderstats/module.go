// Package renderstats is a built-in logic module that counts render passes.
// It exists mostly as a dogfooding consumer of the dispatch surface: the host
// render loop reaches it through the same cache every on-disk logic module
// goes through.
package renderstats

import (
	"sync/atomic"

	"github.com/vk/keystone/internal/orchestrator"
)

// Name is the module's registered name.
const Name = "renderstats"

// Module implements the orchestrator.Builtin interface for this package.
type Module struct {
	frames atomic.Uint64
}

// FrameCount returns the number of render passes observed so far.
func (m *Module) FrameCount() uint64 {
	return m.frames.Load()
}

// Register installs the export table with the orchestrator. The large render
// order keeps this module last in the render pass.
func (m *Module) Register(o *orchestrator.Orchestrator) error {
	o.RegisterBuiltin(Name, []string{"logic"}, 1_000_000, map[string]any{
		"Render":     func() { m.frames.Add(1) },
		"FrameCount": m.FrameCount,
	})
	return nil
}
