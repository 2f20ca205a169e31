// Package registry owns the authoritative map of loaded modules.
//
// The Registry stores one Module record per stable module name, covering the
// module's capability roles, its exported function table, its render order,
// and the load boundary that owns its code. Replacement during reload is a
// single guarded slot swap, so render and compute threads reading through
// the registry observe either the old or the new record, never a torn one.
package registry
