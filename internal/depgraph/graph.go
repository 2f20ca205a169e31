package depgraph

import (
	"sort"
	"sync"
)

// Graph tracks which modules consume which library modules. It stores names
// only, never module content, and stays acyclic by refusing edges rather
// than failing loads.
type Graph struct {
	mutex sync.Mutex

	// forward maps a consumer to the libraries it requires; reverse maps a
	// library to its consumers. Both are kept in lockstep so cycle checks
	// and cascade computation are O(edges).
	forward map[string]map[string]struct{}
	reverse map[string]map[string]struct{}
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		forward: make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
	}
}

// Register adds a "consumer requires library" edge. It reports false without
// inserting when the edge would create a cycle, including the self-edge
// case. A refused edge degrades to "this dependency is untracked".
func (g *Graph) Register(consumer, library string) bool {
	if consumer == library {
		return false
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.pathExists(library, consumer) {
		return false
	}

	if g.forward[consumer] == nil {
		g.forward[consumer] = make(map[string]struct{})
	}
	if g.reverse[library] == nil {
		g.reverse[library] = make(map[string]struct{})
	}
	g.forward[consumer][library] = struct{}{}
	g.reverse[library][consumer] = struct{}{}
	return true
}

// pathExists reports whether to is reachable from from over forward edges.
// Caller must hold the mutex.
func (g *Graph) pathExists(from, to string) bool {
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == to {
			return true
		}
		for next := range g.forward[current] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

// Clear drops every edge where module is the consumer. Edges are fully
// re-derived on every reload, so this runs before each re-registration.
func (g *Graph) Clear(module string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for library := range g.forward[module] {
		delete(g.reverse[library], module)
		if len(g.reverse[library]) == 0 {
			delete(g.reverse, library)
		}
	}
	delete(g.forward, module)
}

// Dependencies returns the sorted library names the given module consumes.
func (g *Graph) Dependencies(module string) []string {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	deps := make([]string, 0, len(g.forward[module]))
	for library := range g.forward[module] {
		deps = append(deps, library)
	}
	sort.Strings(deps)
	return deps
}

// Dependents returns the sorted names of modules directly consuming the
// given library.
func (g *Graph) Dependents(library string) []string {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	dependents := make([]string, 0, len(g.reverse[library]))
	for consumer := range g.reverse[library] {
		dependents = append(dependents, consumer)
	}
	sort.Strings(dependents)
	return dependents
}

// CascadeOrder returns the transitive dependents of changedLibrary,
// de-duplicated, ordered so a dependency always precedes its own dependents
// within the result. No stronger ordering is guaranteed. The changed
// library itself is excluded.
func (g *Graph) CascadeOrder(changedLibrary string) []string {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	seen := make(map[string]struct{})
	var postorder []string

	var visit func(name string)
	visit = func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		consumers := make([]string, 0, len(g.reverse[name]))
		for consumer := range g.reverse[name] {
			consumers = append(consumers, consumer)
		}
		sort.Strings(consumers)
		for _, consumer := range consumers {
			visit(consumer)
		}
		postorder = append(postorder, name)
	}
	visit(changedLibrary)

	// Reversing the post-order yields dependency-before-dependent; the
	// changed library lands last and is dropped.
	order := make([]string, 0, len(postorder)-1)
	for i := len(postorder) - 1; i >= 0; i-- {
		if postorder[i] == changedLibrary {
			continue
		}
		order = append(order, postorder[i])
	}
	return order
}
