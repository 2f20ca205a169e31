package config

import "github.com/hashicorp/hcl/v2"

// --- Host configuration schema ---

// sourceSchema represents a `source "name" { ... }` block in the host file.
type sourceSchema struct {
	Name  string `hcl:"name,label"`
	Path  string `hcl:"path"`
	Trust string `hcl:"trust"`
}

// hostSchema represents the top-level structure of the host configuration.
type hostSchema struct {
	Sources     []*sourceSchema `hcl:"source,block"`
	HotReload   *bool           `hcl:"hot_reload,optional"`
	DebounceMS  *int64          `hcl:"debounce_ms,optional"`
	LeakGraceMS *int64          `hcl:"leak_grace_ms,optional"`
	LogLevel    string          `hcl:"log_level,optional"`
	LogFormat   string          `hcl:"log_format,optional"`
	HealthPort  int             `hcl:"health_port,optional"`
}

// --- Module manifest schema ---

// settingsSchema captures the free-form `settings` block; attributes are
// evaluated into cty values at load time.
type settingsSchema struct {
	Body hcl.Body `hcl:",remain"`
}

// moduleSchema represents the `module { ... }` block of a manifest file.
type moduleSchema struct {
	Roles       []string        `hcl:"roles"`
	RenderOrder int             `hcl:"render_order,optional"`
	Requires    []string        `hcl:"requires,optional"`
	Exec        string          `hcl:"exec,optional"`
	Exports     []string        `hcl:"exports,optional"`
	Settings    *settingsSchema `hcl:"settings,block"`
}

// manifestSchema represents the top-level structure of a module manifest.
type manifestSchema struct {
	Module *moduleSchema `hcl:"module,block"`
}
