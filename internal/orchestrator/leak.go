package orchestrator

import (
	"github.com/vk/keystone/internal/boundary"
)

// queueUnload records the released boundary for later reclamation
// verification. Runs with op held.
func (o *Orchestrator) queueUnload(module string, b *boundary.Boundary) {
	handle := b.Unload()
	o.pending = append(o.pending, pendingUnload{
		module:   module,
		handle:   handle,
		at:       o.clock(),
		boundary: b.ID().String(),
	})
}

// checkLeaks walks the pending unload records. A collected boundary drops
// silently; one still resolving past the grace period gets exactly one
// warning and is dropped too — something outside the module system pinned
// the old code, which is a bug to report, not auto-recover. Runs with op
// held.
func (o *Orchestrator) checkLeaks() {
	if len(o.pending) == 0 {
		return
	}

	now := o.clock()
	kept := o.pending[:0]
	for _, p := range o.pending {
		if p.handle.Collected() {
			o.logger.Debug("Unloaded module reclaimed.", "module", p.module, "boundary", p.boundary)
			continue
		}
		if now.Sub(p.at) >= o.cfg.LeakGrace {
			moduleLeaksTotal.Inc()
			o.logger.Warn("Unloaded module was never reclaimed; something outside the module system still references it.",
				"module", p.module, "boundary", p.boundary, "grace", o.cfg.LeakGrace)
			continue
		}
		kept = append(kept, p)
	}
	o.pending = kept
}

// pendingCount reports the live record count; tests assert on it.
func (o *Orchestrator) pendingCount() int {
	o.op.Lock()
	defer o.op.Unlock()
	return len(o.pending)
}
