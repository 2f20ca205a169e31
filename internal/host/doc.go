// Package host assembles the running application: logger, configuration,
// orchestrator, built-in modules, and the health/metrics HTTP server. It
// owns the main loop that pumps the orchestrator.
package host
