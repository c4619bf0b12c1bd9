package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Report is one statistics record handed to reporters.
type Report struct {
	RunID    string
	Taken    time.Time
	Final    bool // Written by Shutdown
	Targets  []TargetStats
	Compile  CompileStats
	Inlining InliningStats
}

// Runtime is the context every call target belongs to. It owns the options,
// the collaborators, the compile task manager and the target registry. A
// process may run several independent runtimes.
type Runtime struct {
	opts Options
	id   uuid.UUID

	evaluator Evaluator
	executor  Executor
	tree      TreeAccessor
	filter    compileFilter

	compiler *CompilationTaskManager
	inliner  *InliningDecisionEngine
	registry *CallTargetRegistry
	sweeper  *RegistrySweeper

	mu        sync.Mutex
	reporters []Reporter
	shutdown  bool

	nextID atomic.Uint64
}

// NewRuntime creates a runtime. The options are normalised and copied;
// compiler workers start immediately when background compilation is on.
func NewRuntime(opts Options, evaluator Evaluator, compiler Compiler) *Runtime {
	opts.normalize()
	rt := &Runtime{
		opts:      opts,
		id:        uuid.New(),
		evaluator: evaluator,
		executor:  FuncExecutor{},
		tree:      NodeTree{},
		filter:    parseCompileFilter(opts.CompileOnly),
	}
	rt.compiler = newCompilationTaskManager(&rt.opts, compiler)
	rt.inliner = newInliningDecisionEngine(&rt.opts, rt.tree)
	rt.registry = NewCallTargetRegistry(rt.tree)
	if opts.StatisticsEnabled && opts.SweepInterval > 0 {
		rt.sweeper = NewRegistrySweeper(rt, opts.SweepInterval)
		rt.sweeper.Start()
	}
	runtimeLog.Debugf("runtime %s started (%d compiler threads, background %t)",
		rt.id, opts.CompilerThreads, opts.BackgroundCompilation)
	return rt
}

// UseExecutor replaces the artifact executor. Call it before the first call.
func (rt *Runtime) UseExecutor(x Executor) {
	if x != nil {
		rt.executor = x
	}
}

// UseTreeAccessor replaces the tree accessor used by inlining and
// statistics. Call it before creating targets.
func (rt *Runtime) UseTreeAccessor(tree TreeAccessor) {
	if tree == nil {
		return
	}
	rt.tree = tree
	rt.inliner.tree = tree
	rt.registry.tree = tree
}

// AddReporter adds a collaborator that receives statistics reports.
func (rt *Runtime) AddReporter(r Reporter) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.reporters = append(rt.reporters, r)
}

func (rt *Runtime) hasReporters() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.reporters) > 0
}

// ID returns the run identifier stamped on every report.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Options returns a copy of the effective options.
func (rt *Runtime) Options() Options { return rt.opts }

// Registry returns the target registry.
func (rt *Runtime) Registry() *CallTargetRegistry { return rt.registry }

// Compiler returns the compile task manager.
func (rt *Runtime) Compiler() *CompilationTaskManager { return rt.compiler }

// Inliner returns the inlining decision engine.
func (rt *Runtime) Inliner() *InliningDecisionEngine { return rt.inliner }

// Sweeper returns the registry sweeper, or nil when none is configured.
func (rt *Runtime) Sweeper() *RegistrySweeper { return rt.sweeper }

// NewCallTarget creates a target for the tree root. The target is registered
// for statistics when they are enabled.
func (rt *Runtime) NewCallTarget(name string, root *Node) *CallTarget {
	t := newCallTarget(rt, rt.nextID.Add(1), name, root)
	if rt.opts.StatisticsEnabled {
		rt.registry.Register(t)
	}
	return t
}

// Call invokes t.
func (rt *Runtime) Call(t *CallTarget, args ...Value) (Value, error) {
	return t.Call(args...)
}

// Invalidate retires t's artifact from outside the engine.
func (rt *Runtime) Invalidate(t *CallTarget, reason string) {
	t.Invalidate(reason)
}

// Compile requests compilation of t directly, bypassing the profile.
func (rt *Runtime) Compile(t *CallTarget, async bool) error {
	return rt.compiler.Compile(t, async)
}

// AwaitCompletion waits for t's in-flight compile task.
func (rt *Runtime) AwaitCompletion(t *CallTarget, timeout time.Duration) error {
	return rt.compiler.AwaitCompletion(t, timeout)
}

// Statistics returns a snapshot of all live registered targets.
func (rt *Runtime) Statistics() []TargetStats {
	return rt.registry.Snapshot()
}

// Err returns the fatal compiler error, if one occurred.
func (rt *Runtime) Err() error {
	return rt.compiler.Fatal()
}

// Report builds a report with per-target call deltas and hands it to every
// reporter. Reporter errors are joined.
func (rt *Runtime) Report(ctx context.Context, final bool) error {
	rt.mu.Lock()
	reporters := append([]Reporter(nil), rt.reporters...)
	rt.mu.Unlock()
	if len(reporters) == 0 {
		return nil
	}

	r := Report{
		RunID:    rt.id.String(),
		Taken:    rt.opts.now(),
		Final:    final,
		Targets:  rt.registry.Report(),
		Compile:  rt.compiler.Stats(),
		Inlining: rt.inliner.Stats(),
	}
	var errs []error
	for _, rep := range reporters {
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("reporter %T: %w", rep, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the sweeper, cancels every outstanding compile task, stops
// the workers and flushes a final report. It returns the fatal compiler error
// if there was one, joined with any shutdown or reporting errors. Calling
// Shutdown again returns ErrRuntimeStopped.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	if rt.shutdown {
		rt.mu.Unlock()
		return ErrRuntimeStopped
	}
	rt.shutdown = true
	rt.mu.Unlock()

	if rt.sweeper != nil {
		rt.sweeper.Stop()
	}

	var errs []error
	if err := rt.compiler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping compiler: %w", err))
	}
	if rt.opts.StatisticsEnabled {
		if err := rt.Report(ctx, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.compiler.Fatal(); err != nil {
		errs = append([]error{err}, errs...)
	}

	stats := rt.compiler.Stats()
	runtimeLog.Infof("runtime %s stopped: %d installed, %d bailouts, %d discarded, %d inlined",
		rt.id, stats.Installed, stats.Bailouts, stats.Discarded, rt.inliner.Stats().Inlined)
	return errors.Join(errs...)
}
