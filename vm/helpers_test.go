package vm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fake collaborators
// ---------------------------------------------------------------------------

// countingEvaluator walks the tree like a tiny interpreter: call nodes record
// their call and invoke the callee, inlined nodes evaluate their body in
// place. It returns the number of op nodes visited.
type countingEvaluator struct {
	executions atomic.Int64
	err        error
}

func (e *countingEvaluator) Execute(t *CallTarget, root *Node, frame *Frame) (Value, error) {
	e.executions.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return e.eval(root, frame)
}

func (e *countingEvaluator) eval(n *Node, frame *Frame) (int, error) {
	switch n.Kind {
	case NodeCall:
		n.RecordCall()
		v, err := n.Callee.CallFrom(frame)
		if err != nil {
			return 0, err
		}
		ops, _ := v.(int)
		return ops, nil
	case NodeDispatch:
		n.RecordCall()
		return 0, nil
	case NodeInlined:
		return e.eval(n.Body(), frame)
	}
	ops := 1
	for _, k := range n.Kids {
		v, err := e.eval(k, frame)
		if err != nil {
			return 0, err
		}
		ops += v
	}
	return ops, nil
}

// fakeCompiler returns an ArtifactFunc yielding "compiled:<name>", or the
// configured error. With gate set, every compile blocks until a value is
// sent on gate.
type fakeCompiler struct {
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	started chan *CallTarget
}

func (c *fakeCompiler) Compile(ctx context.Context, t *CallTarget) (interface{}, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	gate := c.gate
	started := c.started
	c.mu.Unlock()

	if started != nil {
		started <- t
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	name := t.Name()
	return ArtifactFunc(func(*Frame) (Value, error) {
		return "compiled:" + name, nil
	}), nil
}

func (c *fakeCompiler) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// sequenceCompiler returns a distinct artifact per compile, so tests can tell
// which compile got installed. Compile i announces itself on started and then
// waits for gates[i]; it ignores cancellation.
type sequenceCompiler struct {
	n       atomic.Int64
	gates   []chan struct{}
	started chan int64
}

func (c *sequenceCompiler) Compile(ctx context.Context, t *CallTarget) (interface{}, error) {
	i := c.n.Add(1) - 1
	if c.started != nil {
		c.started <- i
	}
	if int(i) < len(c.gates) {
		<-c.gates[i]
	}
	return ArtifactFunc(func(*Frame) (Value, error) {
		return i, nil
	}), nil
}

// recordingReporter keeps every report it receives.
type recordingReporter struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (r *recordingReporter) Report(ctx context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return r.err
}

func (r *recordingReporter) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

var errGuest = errors.New("guest failure")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// syncOptions returns options that compile on the calling goroutine, so a
// test observes the install right after the call that triggered it.
func syncOptions() Options {
	opts := DefaultOptions()
	opts.BackgroundCompilation = false
	opts.InliningEnabled = false
	return opts
}

func newTestRuntime(t *testing.T, opts Options, c Compiler) (*Runtime, *countingEvaluator) {
	t.Helper()
	ev := &countingEvaluator{}
	rt := NewRuntime(opts, ev, c)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt, ev
}

// leaf returns a tree of n op nodes.
func leaf(label string, n int) *Node {
	root := Op(label)
	for i := 1; i < n; i++ {
		root.Kids = append(root.Kids, Op(label))
	}
	return root
}

func callN(t *testing.T, target *CallTarget, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := target.Call(); err != nil {
			t.Fatalf("call %d of %s: %v", i, target.Name(), err)
		}
	}
}

// manualClock is a settable clock for the timed threshold policy.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
