package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/keystone/internal/boundary"
	"github.com/vk/keystone/internal/config"
	"github.com/vk/keystone/internal/fsutil"
	"github.com/vk/keystone/internal/registry"
)

// Load loads or reloads the module file at path directly, outside the
// watcher flow. Cascade policy still applies.
func (o *Orchestrator) Load(ctx context.Context, path string) error {
	o.op.Lock()
	defer o.op.Unlock()
	return o.reloadWithCascade(ctx, path)
}

// Unload removes the named module explicitly.
func (o *Orchestrator) Unload(name string) bool {
	o.op.Lock()
	defer o.op.Unlock()

	m, ok := o.reg.Get(name)
	if !ok {
		return false
	}
	o.teardown(m)
	return true
}

// RegisterBuiltin installs a compiled-in legacy module: no manifest file,
// no boundary, never reloaded. Bootstrap-era host code uses this for the
// modules that ship inside the binary.
func (o *Orchestrator) RegisterBuiltin(name string, roles []string, renderOrder int, exports map[string]any) {
	o.op.Lock()
	defer o.op.Unlock()

	mod := &registry.Module{
		Name:        name,
		Roles:       o.parseRoles(roles),
		Exports:     exports,
		RenderOrder: renderOrder,
		Trust:       "builtin",
	}
	o.reg.Swap(mod)
	o.cache.Evict(name)
	o.announceLoaded(mod)
}

// reloadWithCascade applies the cascade policy for a changed file: when
// the changed module is a library or logic module, its transitive
// dependents unload in reverse cascade order, the source reloads, then the
// dependents reload in forward order, so each dependent's own dependencies
// are active again before it reloads. Runs with op held.
func (o *Orchestrator) reloadWithCascade(ctx context.Context, path string) error {
	name := fsutil.Stem(path)

	existing, exists := o.reg.Get(name)
	if !exists || !(existing.HasRole(registry.RoleLibrary) || existing.HasRole(registry.RoleLogic)) {
		return o.loadPath(ctx, path)
	}

	order := o.graph.CascadeOrder(name)
	if len(order) == 0 {
		return o.loadPath(ctx, path)
	}
	o.logger.Info("Cascade reload.", "module", name, "dependents", order)

	// Remember where each dependent came from before tearing it down;
	// built-in dependents have no file and sit the cascade out.
	paths := make(map[string]string, len(order))
	for _, dep := range order {
		if m, ok := o.reg.Get(dep); ok && m.Path != "" {
			paths[dep] = m.Path
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		if m, ok := o.reg.Get(order[i]); ok && paths[order[i]] != "" {
			o.teardown(m)
		}
	}

	err := o.loadPath(ctx, path)

	for _, dep := range order {
		depPath, ok := paths[dep]
		if !ok {
			continue
		}
		if depErr := o.loadPath(ctx, depPath); depErr != nil {
			o.report(depErr)
		}
	}
	return err
}

// loadPath drives one slot through Loading: trust check, fresh boundary,
// capability instantiation, edge derivation, bus notification. On any
// failure the prior Active instance is left untouched. Runs with op held.
func (o *Orchestrator) loadPath(ctx context.Context, path string) (err error) {
	name := fsutil.Stem(path)

	// A panicking module constructor is a load failure, not a host crash.
	defer func() {
		if r := recover(); r != nil {
			moduleLoadFailuresTotal.Inc()
			err = fmt.Errorf("load %s: panic: %v", name, r)
		}
	}()

	outcome, err := o.validator.Validate(path, o.trustFor(path))
	if err != nil {
		moduleLoadFailuresTotal.Inc()
		return fmt.Errorf("load %s: validation: %w", name, err)
	}

	b := boundary.New(o.launcher, o)
	manifest, err := b.Load(ctx, path)
	if err != nil {
		moduleLoadFailuresTotal.Inc()
		return fmt.Errorf("load %s: %w", name, err)
	}

	mod := &registry.Module{
		Name:        manifest.Name,
		Path:        manifest.Path,
		Boundary:    b,
		Roles:       o.parseRoles(manifest.Roles),
		Exports:     b.Exports(),
		RenderOrder: manifest.RenderOrder,
		ModTime:     fsutil.ModTime(path),
		Trust:       string(outcome),
	}

	// The new version is ready; only now does the old one go away.
	if old, ok := o.reg.Get(mod.Name); ok {
		o.teardown(old)
	}

	o.reg.Swap(mod)
	o.cache.Evict(mod.Name)
	o.deriveEdges(manifest)
	o.announceLoaded(mod)
	moduleLoadsTotal.Inc()

	o.logger.Info("Module loaded.", "module", mod.Name, "roles", manifest.Roles,
		"render_order", mod.RenderOrder, "trust", mod.Trust)
	return nil
}

// teardown drives Active → Unloading → Absent: role registrations come
// down in reverse setup order, host-side state for the module is dropped,
// the boundary unloads, and a pending unload record is queued for leak
// verification. Runs with op held.
func (o *Orchestrator) teardown(m *registry.Module) {
	for i := len(o.custom) - 1; i >= 0; i-- {
		cr := o.custom[i]
		if hasTag(m, cr.tag) && cr.onUnload != nil {
			cr.onUnload(m.Name)
		}
	}
	for _, role := range teardownOrder {
		if m.HasRole(role) {
			o.bus.NotifyUnloading(role, m.Name)
		}
	}

	o.reg.Remove(m.Name)
	o.cache.Evict(m.Name)
	o.graph.Clear(m.Name)

	if m.Boundary != nil {
		o.queueUnload(m.Name, m.Boundary)
	}
	o.logger.Debug("Module unloaded.", "module", m.Name)
}

// teardownOrder is the reverse of setup: custom roles come first (handled
// separately above), then window, service, logic, library, bootstrap.
var teardownOrder = []registry.Role{
	registry.RoleCustom,
	registry.RoleWindow,
	registry.RoleService,
	registry.RoleLogic,
	registry.RoleLibrary,
	registry.RoleBootstrap,
}

// handleRemoval leaves the slot Absent. Runs with op held.
func (o *Orchestrator) handleRemoval(path string) {
	name := fsutil.Stem(path)
	if m, ok := o.reg.Get(name); ok {
		o.logger.Info("Module file removed.", "module", name)
		o.teardown(m)
	}
}

// announceLoaded runs capability callbacks and fires the bus for every
// role the module registered.
func (o *Orchestrator) announceLoaded(m *registry.Module) {
	for _, cr := range o.custom {
		if hasTag(m, cr.tag) && cr.onLoad != nil {
			cr.onLoad(m.Name)
		}
	}
	for _, role := range registry.KnownRoles {
		if m.HasRole(role) {
			o.bus.NotifyLoaded(role, m.Name)
		}
	}
}

// deriveEdges re-derives the module's dependency edges from its manifest.
// An edge is recorded when the library is already active or its file
// exists beside the module; a refused (cyclic) edge degrades to an
// untracked dependency.
func (o *Orchestrator) deriveEdges(manifest *config.Manifest) {
	o.graph.Clear(manifest.Name)
	for _, req := range manifest.Requires {
		known := o.reg.IsRegistered(req)
		if !known {
			if _, err := os.Stat(filepath.Join(manifest.Dir(), req+config.ManifestExt)); err == nil {
				known = true
			}
		}
		if !known {
			o.logger.Debug("Dependency not found; edge untracked.", "module", manifest.Name, "dependency", req)
			continue
		}
		if !o.graph.Register(manifest.Name, req) {
			o.logger.Warn("Dependency edge refused; it would create a cycle.",
				"module", manifest.Name, "dependency", req)
		}
	}
}

// parseRoles splits declared role names into the fixed set plus custom
// capability tags.
func (o *Orchestrator) parseRoles(names []string) map[registry.Role][]string {
	roles := make(map[registry.Role][]string)
	for _, name := range names {
		if registry.ValidRole(name) {
			role := registry.Role(name)
			roles[role] = append(roles[role], name)
			continue
		}
		roles[registry.RoleCustom] = append(roles[registry.RoleCustom], name)
	}
	return roles
}

// hasTag reports whether the module declared the given custom capability.
func hasTag(m *registry.Module, tag string) bool {
	for _, t := range m.Roles[registry.RoleCustom] {
		if t == tag {
			return true
		}
	}
	return false
}

// trustFor maps a module path to its source directory's trust level.
// Unmatched paths get the most restrictive classification.
func (o *Orchestrator) trustFor(path string) config.TrustLevel {
	dir := filepath.Dir(path)
	for _, src := range o.cfg.Sources {
		if dir == src.Path || strings.HasPrefix(dir, src.Path+string(filepath.Separator)) {
			return src.Trust
		}
	}
	return config.TrustCommunity
}

// findManifests lists module manifest files under dir.
func findManifests(dir string) ([]string, error) {
	return fsutil.FindFilesByExtension(dir, config.ManifestExt)
}

// isManifest reports whether a changed path is a module manifest.
func isManifest(path string) bool {
	return strings.HasSuffix(path, config.ManifestExt)
}
