package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// CompilationTaskManager owns the compile tasks of all call targets. It keeps
// at most one task in flight per target, runs background tasks on a bounded
// pool of worker goroutines, and installs finished artifacts against the
// generation token the task was created with.
type CompilationTaskManager struct {
	opts     *Options
	compiler Compiler

	// Background compilation queue
	pending chan *CompileTask
	workers *errgroup.Group
	stop    context.CancelFunc

	mu       sync.Mutex
	inflight map[*CompileTask]struct{}
	stopped  bool

	// First process-level compiler failure (FailOnCompilerError)
	fatal atomic.Pointer[CompilerError]

	// Statistics
	submitted   atomic.Uint64
	installed   atomic.Uint64
	discarded   atomic.Uint64 // Results for stale generations
	bailouts    atomic.Uint64
	failures    atomic.Uint64
	dropped     atomic.Uint64 // Background requests refused by a full queue
	cancelled   atomic.Uint64
	compileTime atomic.Uint64 // nanoseconds
}

// newCompilationTaskManager creates the manager and starts its workers.
func newCompilationTaskManager(opts *Options, compiler Compiler) *CompilationTaskManager {
	m := &CompilationTaskManager{
		opts:     opts,
		compiler: compiler,
		pending:  make(chan *CompileTask, opts.CompileQueueSize),
		inflight: make(map[*CompileTask]struct{}),
	}

	if opts.BackgroundCompilation {
		ctx, cancel := context.WithCancel(context.Background())
		m.stop = cancel
		m.workers, ctx = errgroup.WithContext(ctx)
		for i := 0; i < opts.CompilerThreads; i++ {
			m.workers.Go(func() error {
				m.worker(ctx)
				return nil
			})
		}
	}
	return m
}

// worker drains the queue until the manager stops.
func (m *CompilationTaskManager) worker(ctx context.Context) {
	for {
		select {
		case task := <-m.pending:
			m.run(task)
		case <-ctx.Done():
			return
		}
	}
}

// Compile requests compilation of t. It is a no-op when a task for t is
// already in flight, when t is disabled, or after Stop. With async set and
// background compilation enabled the task is queued and Compile returns at
// once; otherwise the compiler runs on the calling goroutine.
//
// The returned error is non-nil only when a synchronous compile failed and
// FailOnCompilerError promoted the failure.
func (m *CompilationTaskManager) Compile(t *CallTarget, async bool) error {
	if t.Disabled() {
		return nil
	}

	task := newCompileTask(m, t, t.generation())
	if !t.task.CompareAndSwap(nil, task) {
		task.cancel()
		return nil
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.abandon(task)
		return nil
	}
	m.inflight[task] = struct{}{}

	if async && m.opts.BackgroundCompilation {
		select {
		case m.pending <- task:
			m.mu.Unlock()
			m.submitted.Add(1)
			if m.opts.TraceCompilation {
				compileLog.Infof("queued %-50s |Gen %d |Queue %d", t.Name(), task.generation, len(m.pending))
			}
		default:
			delete(m.inflight, task)
			m.mu.Unlock()
			m.dropped.Add(1)
			m.abandon(task)
		}
		return nil
	}
	m.mu.Unlock()

	m.submitted.Add(1)
	return m.run(task)
}

// run invokes the compiler for a task and handles the outcome.
func (m *CompilationTaskManager) run(task *CompileTask) error {
	if task.IsCancelled() {
		m.discarded.Add(1)
		m.complete(task, false, nil)
		return nil
	}

	start := time.Now()
	code, err := m.compiler.Compile(task.ctx, task.target)
	elapsed := time.Since(start)
	m.compileTime.Add(uint64(elapsed))

	return m.handleResult(task, code, err, elapsed)
}

// handleResult installs, discards or reports the result of a task.
func (m *CompilationTaskManager) handleResult(task *CompileTask, code interface{}, err error, elapsed time.Duration) error {
	t := task.target

	if task.IsCancelled() || t.generation() != task.generation {
		m.discarded.Add(1)
		if m.opts.TraceCompilation {
			compileLog.Infof("discarded %-47s |Gen %d (current %d)", t.Name(), task.generation, t.generation())
		}
		m.complete(task, false, nil)
		return nil
	}

	if err == nil {
		art := &Artifact{Code: code, Generation: task.generation, Installed: m.opts.now()}
		if !t.installArtifact(art) {
			m.discarded.Add(1)
			m.complete(task, false, nil)
			return nil
		}
		t.profile.Reset()
		m.installed.Add(1)
		if m.opts.TraceCompilation {
			compileLog.Infof("optimized %-47s |Nodes %7d |Time %5.0fms |Gen %d",
				t.Name(), t.NodeCount(), float64(elapsed)/1e6, task.generation)
		}
		m.complete(task, true, nil)
		return nil
	}

	if IsBailout(err) {
		m.bailouts.Add(1)
		if m.opts.TraceCompilation {
			compileLog.Infof("opt bailout %-45s %s", t.Name(), err)
		}
		m.bailout(t)
		m.complete(task, false, nil)
		return nil
	}

	m.failures.Add(1)
	if m.opts.TraceCompilation {
		compileLog.Infof("opt failed %-46s %s", t.Name(), err)
	}
	if m.opts.FailOnCompilerError {
		ce := &CompilerError{Target: t.Name(), Err: err}
		m.fatal.CompareAndSwap(nil, ce)
		compileLog.Criticalf("compiler failure on %s is fatal: %s", t.Name(), err)
		m.complete(task, false, ce)
		return ce
	}
	m.bailout(t)
	m.complete(task, false, nil)
	return nil
}

// bailout applies the bailout policy to a target that could not be compiled.
func (m *CompilationTaskManager) bailout(t *CallTarget) {
	if m.opts.BailoutPolicy == BailoutReprofile {
		t.profile.ReportInvalidation()
		t.profile.Reset()
		return
	}
	t.disable()
}

// complete releases the target's task slot and finishes the task.
func (m *CompilationTaskManager) complete(task *CompileTask, installed bool, err error) {
	task.target.task.CompareAndSwap(task, nil)
	m.mu.Lock()
	delete(m.inflight, task)
	m.mu.Unlock()
	task.finish(installed, err)
}

// abandon finishes a task that never ran.
func (m *CompilationTaskManager) abandon(task *CompileTask) {
	task.target.task.CompareAndSwap(task, nil)
	task.finish(false, nil)
}

// Cancel cancels the in-flight task of t, if any. It reports whether there
// was one.
func (m *CompilationTaskManager) Cancel(t *CallTarget) bool {
	task := t.task.Load()
	if task == nil {
		return false
	}
	m.cancelTask(task)
	return true
}

func (m *CompilationTaskManager) cancelTask(task *CompileTask) {
	if !task.cancelled.CompareAndSwap(false, true) {
		return
	}
	task.target.advanceGeneration()
	task.cancel()
	task.target.task.CompareAndSwap(task, nil)
	m.cancelled.Add(1)
	if m.opts.TraceCompilation {
		compileLog.Infof("cancelled %-47s |Gen %d", task.target.Name(), task.generation)
	}
}

// AwaitCompletion blocks until the in-flight task of t finishes or timeout
// elapses. It returns nil at once when nothing is in flight, and
// ErrAwaitTimeout without cancelling the task on timeout.
func (m *CompilationTaskManager) AwaitCompletion(t *CallTarget, timeout time.Duration) error {
	task := t.task.Load()
	if task == nil {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-task.done:
		return task.err
	case <-timer.C:
		return ErrAwaitTimeout
	}
}

// Fatal returns the first compiler failure promoted by FailOnCompilerError.
func (m *CompilationTaskManager) Fatal() error {
	if ce := m.fatal.Load(); ce != nil {
		return ce
	}
	return nil
}

// Stop cancels every outstanding task, stops the workers and waits for them
// to exit or ctx to end. Tasks still queued are finished without running.
func (m *CompilationTaskManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	tasks := make([]*CompileTask, 0, len(m.inflight))
	for task := range m.inflight {
		tasks = append(tasks, task)
	}
	m.mu.Unlock()

	for _, task := range tasks {
		m.cancelTask(task)
	}

	if m.workers == nil {
		return nil
	}
	m.stop()

	exited := make(chan error, 1)
	go func() { exited <- m.workers.Wait() }()
	var err error
	select {
	case err = <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case task := <-m.pending:
			m.complete(task, false, nil)
		default:
			return err
		}
	}
}

// CompileStats holds compilation statistics.
type CompileStats struct {
	Submitted   uint64
	Installed   uint64
	Discarded   uint64
	Bailouts    uint64
	Failures    uint64
	Dropped     uint64
	Cancelled   uint64
	InFlight    int
	QueueLength int
	CompileTime time.Duration
}

// Stats returns compilation statistics.
func (m *CompilationTaskManager) Stats() CompileStats {
	m.mu.Lock()
	inflight := len(m.inflight)
	m.mu.Unlock()

	return CompileStats{
		Submitted:   m.submitted.Load(),
		Installed:   m.installed.Load(),
		Discarded:   m.discarded.Load(),
		Bailouts:    m.bailouts.Load(),
		Failures:    m.failures.Load(),
		Dropped:     m.dropped.Load(),
		Cancelled:   m.cancelled.Load(),
		InFlight:    inflight,
		QueueLength: len(m.pending),
		CompileTime: time.Duration(m.compileTime.Load()),
	}
}
