package vm

import (
	"context"
	"sync/atomic"
	"time"
)

// CompileTask is the handle for one compilation of one call target.
//
// A task is bound to the generation token its target had when the task was
// created. Cancelling the task, or invalidating the target, advances that
// token, so whatever the compiler eventually returns for a stale task is
// discarded instead of installed.
type CompileTask struct {
	target     *CallTarget
	manager    *CompilationTaskManager
	generation uint64
	submitted  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	// Written once before done is closed.
	installed bool
	err       error
}

func newCompileTask(m *CompilationTaskManager, t *CallTarget, generation uint64) *CompileTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &CompileTask{
		target:     t,
		manager:    m,
		generation: generation,
		submitted:  m.opts.now(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Target returns the call target being compiled.
func (task *CompileTask) Target() *CallTarget {
	return task.target
}

// Generation returns the generation token the task installs under.
func (task *CompileTask) Generation() uint64 {
	return task.generation
}

// Done returns a channel closed when the task has finished, whether its
// result was installed, discarded or failed.
func (task *CompileTask) Done() <-chan struct{} {
	return task.done
}

// Poll reports whether the task has finished and, if so, the process-level
// error it produced (nil unless FailOnCompilerError promoted a failure).
func (task *CompileTask) Poll() (bool, error) {
	select {
	case <-task.done:
		return true, task.err
	default:
		return false, nil
	}
}

// Installed reports whether the task's artifact was installed. It is only
// meaningful once the task is done.
func (task *CompileTask) Installed() bool {
	select {
	case <-task.done:
		return task.installed
	default:
		return false
	}
}

// Cancel requests cancellation. The target's generation is advanced, so a
// result that still arrives is discarded.
func (task *CompileTask) Cancel() {
	task.manager.cancelTask(task)
}

// Await blocks until the task finishes or ctx is done. It never cancels the
// task.
func (task *CompileTask) Await(ctx context.Context) error {
	select {
	case <-task.done:
		return task.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCancelled reports whether cancellation has been requested.
func (task *CompileTask) IsCancelled() bool {
	return task.cancelled.Load()
}

// finish records the outcome and releases waiters.
func (task *CompileTask) finish(installed bool, err error) {
	task.installed = installed
	task.err = err
	task.cancel()
	close(task.done)
}
