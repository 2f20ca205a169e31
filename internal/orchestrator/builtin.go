package orchestrator

// Builtin is a module compiled into the host binary. Implementations
// register their export tables, custom roles, and bus subscriptions against
// the orchestrator before it starts.
type Builtin interface {
	Register(o *Orchestrator) error
}
