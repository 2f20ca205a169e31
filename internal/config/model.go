package config

import (
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// TrustLevel classifies a module source directory.
type TrustLevel string

const (
	// TrustBundled marks modules shipped inside the application bundle.
	TrustBundled TrustLevel = "bundled"
	// TrustPublisher marks modules signed by the application publisher.
	TrustPublisher TrustLevel = "publisher"
	// TrustCommunity marks third-party modules, allowed only when
	// explicitly signed by an approved publisher key.
	TrustCommunity TrustLevel = "community"
)

// ParseTrustLevel validates a trust level string from configuration.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch TrustLevel(s) {
	case TrustBundled, TrustPublisher, TrustCommunity:
		return TrustLevel(s), nil
	}
	return "", fmt.Errorf("unknown trust level %q", s)
}

// Source is one module source directory with its trust classification.
type Source struct {
	Name  string
	Path  string
	Trust TrustLevel
}

// Host is the unified host configuration consumed by the orchestrator.
type Host struct {
	Sources   []*Source
	HotReload bool
	Debounce  time.Duration
	LeakGrace time.Duration

	LogLevel   string
	LogFormat  string
	HealthPort int
}

// Defaults applied when the corresponding attribute is absent.
const (
	DefaultDebounce  = 200 * time.Millisecond
	DefaultLeakGrace = 10 * time.Second
)

// Manifest is the format-agnostic description of one module on disk.
type Manifest struct {
	// Name is the stable module name, derived from the manifest filename.
	Name string
	// Path is the absolute manifest location.
	Path string
	// Roles lists the capability roles the module declares.
	Roles []string
	// RenderOrder sorts logic modules for the well-known render entry point.
	RenderOrder int
	// Requires names sibling library modules this module consumes.
	Requires []string
	// Exec is the optional relative path of the module's executable. When
	// empty the module is expected to be backed by a host-registered table.
	Exec string
	// Exports lists member names an executable module answers for.
	Exports []string
	// Settings carries arbitrary module configuration, handed to the load
	// boundary at launch.
	Settings map[string]cty.Value
}
