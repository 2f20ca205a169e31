package boundary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/vk/keystone/internal/config"
	"github.com/vk/keystone/internal/ctxlog"
)

// Handle is the weak observation of a torn-down boundary. Collected reports
// whether the boundary's code has actually been reclaimed; the orchestrator
// polls it for leak detection.
type Handle interface {
	Collected() bool
}

// Instance is live module code running inside a boundary.
type Instance interface {
	// Exports returns the module's exported function table.
	Exports() map[string]any
	// Release tears the instance down and returns its observation handle.
	Release() Handle
}

// Launcher brings a module manifest to life. The default launcher forks the
// module's executable as a child process; built-in modules and tests use a
// table launcher instead.
type Launcher interface {
	Launch(ctx context.Context, m *config.Manifest) (Instance, error)
}

// SharedTypes resolves capability tags against the host's already-loaded
// framework types. A module must see the identical framework types the host
// uses, never a duplicate, so resolution always consults this before any
// directory probing.
type SharedTypes interface {
	ResolveType(tag string) (reflect.Type, bool)
}

type state int

const (
	stateNew state = iota
	stateLoaded
	stateUnloaded
)

// Boundary isolates one module's code so it can be torn down independently
// of the host and of other boundaries. A boundary is single-use: once
// unloaded it is discarded, and the next module version gets a fresh one.
type Boundary struct {
	id       uuid.UUID
	launcher Launcher
	shared   SharedTypes

	mutex     sync.Mutex
	state     state
	manifest  *config.Manifest
	siblings  []*config.Manifest
	instances []Instance
	handle    Handle
}

// New creates an unused boundary.
func New(launcher Launcher, shared SharedTypes) *Boundary {
	return &Boundary{id: uuid.New(), launcher: launcher, shared: shared}
}

// ID identifies the boundary across its lifetime, including in pending
// unload records after teardown.
func (b *Boundary) ID() uuid.UUID { return b.id }

// Load reads the module at path into this boundary. Dependency names from
// the manifest resolve against the host's shared types first; those not
// provided by the host are probed as same-named manifest files in the
// module's own directory and loaded into this same boundary.
func (b *Boundary) Load(ctx context.Context, path string) (*config.Manifest, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state != stateNew {
		return nil, fmt.Errorf("boundary %s is single-use and was already used", b.id)
	}

	logger := ctxlog.FromContext(ctx)

	manifest, err := config.LoadManifest(ctx, path)
	if err != nil {
		return nil, err
	}

	var siblings []*config.Manifest
	for _, req := range manifest.Requires {
		if b.shared != nil {
			if _, ok := b.shared.ResolveType(req); ok {
				// Host framework type; nothing to load, identity preserved.
				logger.Debug("Dependency resolved to host type.", "module", manifest.Name, "dependency", req)
				continue
			}
		}
		sibPath := filepath.Join(manifest.Dir(), req+config.ManifestExt)
		if _, statErr := os.Stat(sibPath); statErr != nil {
			// Missing on disk; the orchestrator may still know it as an
			// already-active module, so this is not a load failure.
			logger.Debug("Dependency file not present beside module.", "module", manifest.Name, "dependency", req)
			continue
		}
		sib, err := config.LoadManifest(ctx, sibPath)
		if err != nil {
			return nil, fmt.Errorf("load dependency %q of %q: %w", req, manifest.Name, err)
		}
		siblings = append(siblings, sib)
	}

	instances := make([]Instance, 0, len(siblings)+1)
	launch := func(m *config.Manifest) error {
		inst, err := b.launcher.Launch(ctx, m)
		if err != nil {
			return err
		}
		instances = append(instances, inst)
		return nil
	}

	for _, sib := range siblings {
		if err := launch(sib); err != nil {
			releaseAll(instances)
			return nil, fmt.Errorf("launch dependency of %q: %w", manifest.Name, err)
		}
	}
	if err := launch(manifest); err != nil {
		releaseAll(instances)
		return nil, err
	}

	b.manifest = manifest
	b.siblings = siblings
	b.instances = instances
	b.state = stateLoaded
	logger.Debug("Boundary loaded.", "boundary", b.id, "module", manifest.Name, "siblings", len(siblings))
	return manifest, nil
}

// Exports returns the merged exported function table of the boundary's
// module and its in-boundary dependencies. The module's own exports win on
// name collisions.
func (b *Boundary) Exports() map[string]any {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	merged := make(map[string]any)
	for _, inst := range b.instances {
		for name, fn := range inst.Exports() {
			merged[name] = fn
		}
	}
	return merged
}

// Manifest returns the loaded module manifest, nil before Load.
func (b *Boundary) Manifest() *config.Manifest {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.manifest
}

// Unload releases the boundary's code and captures the observation handle.
// Actual reclamation happens later, asynchronously. Calling Unload again
// returns the same handle.
func (b *Boundary) Unload() Handle {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state == stateUnloaded {
		return b.handle
	}

	handles := make([]Handle, 0, len(b.instances))
	for i := len(b.instances) - 1; i >= 0; i-- {
		handles = append(handles, b.instances[i].Release())
	}
	b.instances = nil
	b.state = stateUnloaded
	b.handle = groupHandle(handles)
	return b.handle
}

// IsLoaded reports whether the boundary's code is still resolvable: true
// while loaded, and after unload only until the handle observes collection.
func (b *Boundary) IsLoaded() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case stateLoaded:
		return true
	case stateUnloaded:
		return !b.handle.Collected()
	}
	return false
}

func releaseAll(instances []Instance) {
	for i := len(instances) - 1; i >= 0; i-- {
		instances[i].Release()
	}
}

// groupHandle combines per-instance handles; the group is collected only
// when every instance is.
type groupHandle []Handle

func (g groupHandle) Collected() bool {
	for _, h := range g {
		if !h.Collected() {
			return false
		}
	}
	return true
}
