// Package orchestrator owns the module lifecycle end to end: it scans the
// configured source directories, validates trust, loads modules through
// isolated boundaries, re-derives dependency edges, orders cascade reloads,
// fires the invalidation bus, and verifies that unloaded boundaries are
// actually reclaimed.
//
// All mutation runs serially under one mutex, driven by the host calling
// Pump once per loop iteration. The filesystem-event goroutine only
// enqueues; nothing here is asynchronous beyond that queue.
package orchestrator
