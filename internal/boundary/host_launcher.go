package boundary

import (
	"context"

	"github.com/vk/keystone/internal/config"
)

// HostLauncher is the launcher the host runs with: modules declaring an
// executable go behind a child process, everything else resolves against
// the host-registered function tables.
type HostLauncher struct {
	Tables  *TableLauncher
	Process ProcessLauncher
}

// NewHostLauncher wraps the given table registry.
func NewHostLauncher(tables *TableLauncher) *HostLauncher {
	if tables == nil {
		tables = NewTableLauncher()
	}
	return &HostLauncher{Tables: tables}
}

// Launch routes by manifest shape.
func (l *HostLauncher) Launch(ctx context.Context, m *config.Manifest) (Instance, error) {
	if m.Exec != "" {
		return l.Process.Launch(ctx, m)
	}
	return l.Tables.Launch(ctx, m)
}
