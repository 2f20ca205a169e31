package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/keystone/internal/ctxlog"
	"github.com/vk/keystone/internal/fsutil"
)

// ManifestExt is the extension module manifests are discovered by.
const ManifestExt = ".hcl"

// LoadHost reads and validates the host configuration file, translating it
// into the format-agnostic Host model.
func LoadHost(ctx context.Context, path string) (*Host, error) {
	logger := ctxlog.FromContext(ctx)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse host config %s: %w", path, diags)
	}

	var raw hostSchema
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode host config %s: %w", path, diags)
	}

	host := &Host{
		HotReload:  true,
		Debounce:   DefaultDebounce,
		LeakGrace:  DefaultLeakGrace,
		LogLevel:   raw.LogLevel,
		LogFormat:  raw.LogFormat,
		HealthPort: raw.HealthPort,
	}
	if raw.HotReload != nil {
		host.HotReload = *raw.HotReload
	}
	if raw.DebounceMS != nil {
		host.Debounce = time.Duration(*raw.DebounceMS) * time.Millisecond
	}
	if raw.LeakGraceMS != nil {
		host.LeakGrace = time.Duration(*raw.LeakGraceMS) * time.Millisecond
	}

	base := filepath.Dir(path)
	for _, src := range raw.Sources {
		trust, err := ParseTrustLevel(src.Trust)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		dir := src.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		host.Sources = append(host.Sources, &Source{
			Name:  src.Name,
			Path:  dir,
			Trust: trust,
		})
	}

	logger.Debug("Host configuration loaded.", "path", path, "sources", len(host.Sources))
	return host, nil
}

// LoadManifest reads one module manifest file and translates it into the
// agnostic Manifest model. The module name is the manifest filename stem.
func LoadManifest(ctx context.Context, path string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, diags)
	}

	var raw manifestSchema
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, diags)
	}
	if raw.Module == nil {
		return nil, fmt.Errorf("manifest %s: missing module block", path)
	}
	if len(raw.Module.Roles) == 0 {
		return nil, fmt.Errorf("manifest %s: module block declares no roles", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	m := &Manifest{
		Name:        fsutil.Stem(path),
		Path:        abs,
		Roles:       raw.Module.Roles,
		RenderOrder: raw.Module.RenderOrder,
		Requires:    raw.Module.Requires,
		Exec:        raw.Module.Exec,
		Exports:     raw.Module.Exports,
		Settings:    map[string]cty.Value{},
	}

	if raw.Module.Settings != nil {
		attrs, diags := raw.Module.Settings.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("manifest %s: invalid settings block: %w", path, diags)
		}
		for name, attr := range attrs {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("manifest %s: setting %q: %w", path, name, diags)
			}
			m.Settings[name] = val
		}
	}

	ctxlog.FromContext(ctx).Debug("Manifest loaded.",
		"module", m.Name, "roles", m.Roles, "requires", m.Requires)
	return m, nil
}

// Dir returns the directory a manifest lives in; sibling dependency files
// are probed relative to it.
func (m *Manifest) Dir() string {
	return filepath.Dir(m.Path)
}

// ExecPath resolves the module executable relative to the manifest
// directory. Empty when the module declares no executable.
func (m *Manifest) ExecPath() string {
	if m.Exec == "" {
		return ""
	}
	if filepath.IsAbs(m.Exec) {
		return m.Exec
	}
	return filepath.Join(m.Dir(), m.Exec)
}
