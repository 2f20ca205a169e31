package host

import (
	"github.com/vk/keystone/internal/orchestrator"
	"github.com/vk/keystone/modules/lifecycle"
	"github.com/vk/keystone/modules/renderstats"
)

// coreBuiltins is the definitive list of all modules that are compiled into
// the keystone binary.
var coreBuiltins = []orchestrator.Builtin{
	&lifecycle.Module{},
	&renderstats.Module{},
}
