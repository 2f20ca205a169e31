// Package dispatch provides the near-zero-overhead call path into
// module-exposed functionality.
//
// Render and compute loops dispatch into modules every frame while modules
// appear and disappear at arbitrary times; this package memoizes callable
// resolution per (module, member) so the hot path costs one lock-free map
// read after the first bind.
package dispatch
