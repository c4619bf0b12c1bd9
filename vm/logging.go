package vm

import "github.com/tliron/commonlog"

// Named loggers, one per concern. The backend and verbosity are chosen by
// the host (see cmd/tiered); without a backend the calls are no-ops.
var (
	compileLog  = commonlog.GetLogger("tiered.compile")
	inlineLog   = commonlog.GetLogger("tiered.inline")
	registryLog = commonlog.GetLogger("tiered.registry")
	runtimeLog  = commonlog.GetLogger("tiered.runtime")
)
