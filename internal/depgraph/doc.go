// Package depgraph maintains the directed acyclic graph of module
// dependencies used to compute cascade-reload order when a shared library
// module changes.
package depgraph
