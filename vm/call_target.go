package vm

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// TargetState is the tiering state of a call target.
type TargetState uint8

const (
	StateInterpreted TargetState = iota // Running in the interpreter
	StateCompiling                      // Interpreting while a compile task is in flight
	StateCompiled                       // A valid artifact is installed
	StateDisabled                       // Compilation bailed out; interpreted for good
)

func (s TargetState) String() string {
	switch s {
	case StateCompiling:
		return "compiling"
	case StateCompiled:
		return "compiled"
	case StateDisabled:
		return "disabled"
	}
	return "interpreted"
}

// maxDispatchAttempts bounds the fast-path retries of a single call. The
// second pass always finds the artifact slot cleared by the first and goes
// to the interpreter.
const maxDispatchAttempts = 2

// CallTarget is the unit of guest execution the engine tiers: it starts
// interpreted, is inlined into and compiled once hot, and falls back to the
// interpreter when its artifact is invalidated.
type CallTarget struct {
	id      uint64
	name    string
	rt      *Runtime
	created time.Time

	root   atomic.Pointer[Node] // Tree the interpreter runs; replaced by inlining
	source *Node                // Tree as registered; copied when t is inlined elsewhere

	install  atomic.Pointer[installState]
	task     atomic.Pointer[CompileTask]
	profile  *CompilationProfile
	disabled atomic.Bool
	calls    atomic.Int64 // Lifetime calls, fast and slow path

	tuneMu sync.Mutex // Serialises inlining/compile decisions, not interpretation
}

func newCallTarget(rt *Runtime, id uint64, name string, root *Node) *CallTarget {
	if root == nil {
		root = Op(name)
	}
	t := &CallTarget{
		id:      id,
		name:    name,
		rt:      rt,
		created: rt.opts.now(),
		source:  root,
		profile: newCompilationProfile(&rt.opts),
	}
	t.root.Store(root)
	t.install.Store(&installState{})
	return t
}

// ID returns the target's identifier, unique within its Runtime.
func (t *CallTarget) ID() uint64 { return t.id }

// Name returns the target's name.
func (t *CallTarget) Name() string {
	if t == nil {
		return "<nil>"
	}
	return t.name
}

func (t *CallTarget) String() string { return t.Name() }

// Root returns the tree the interpreter currently runs.
func (t *CallTarget) Root() *Node { return t.root.Load() }

// InlineTree returns the tree that is copied when t is inlined into a caller.
func (t *CallTarget) InlineTree() *Node { return t.source }

// Profile returns the target's compilation profile.
func (t *CallTarget) Profile() *CompilationProfile { return t.profile }

// Disabled reports whether compilation of t has been given up for good.
func (t *CallTarget) Disabled() bool { return t.disabled.Load() }

// CallCount returns the number of calls made to t over its lifetime.
func (t *CallTarget) CallCount() int64 { return t.calls.Load() }

// NodeCount returns the size of the current tree.
func (t *CallTarget) NodeCount() int { return t.rt.tree.CountNodes(t.Root()) }

// Artifact returns the installed artifact, or nil.
func (t *CallTarget) Artifact() *Artifact { return t.install.Load().artifact }

// Task returns the in-flight compile task, or nil.
func (t *CallTarget) Task() *CompileTask { return t.task.Load() }

// State returns the tiering state.
func (t *CallTarget) State() TargetState {
	if t.Disabled() {
		return StateDisabled
	}
	if t.Artifact().Valid() {
		return StateCompiled
	}
	if t.task.Load() != nil {
		return StateCompiling
	}
	return StateInterpreted
}

// Call invokes t. A valid artifact is executed directly; otherwise the call
// is interpreted and the profile decides whether to inline or compile.
// Guest errors are returned unchanged.
func (t *CallTarget) Call(args ...Value) (Value, error) {
	return t.CallFrom(nil, args...)
}

// CallFrom is Call with the caller's frame, for evaluators that keep a
// frame chain.
func (t *CallTarget) CallFrom(caller *Frame, args ...Value) (Value, error) {
	if err := t.rt.compiler.Fatal(); err != nil {
		return nil, err
	}
	t.calls.Add(1)
	frame := &Frame{Target: t, Args: args, Caller: caller}

	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		a := t.install.Load().artifact
		if a == nil {
			break
		}
		if !t.rt.executor.IsValid(a) {
			t.retire(a, "artifact found invalid")
			break
		}
		v, err := t.rt.executor.Execute(a, frame)
		if errors.Is(err, ErrInvalidCode) {
			t.retire(a, "invalid code signalled")
			continue
		}
		return v, err
	}
	return t.interpret(frame)
}

// interpret is the slow path.
func (t *CallTarget) interpret(frame *Frame) (Value, error) {
	t.profile.ReportInterpreterCall()
	v, err := t.rt.evaluator.Execute(t, t.Root(), frame)
	if err != nil {
		return v, err
	}
	if ferr := t.tune(); ferr != nil {
		return nil, ferr
	}
	return v, nil
}

// tune consults the profile after an interpreted call and makes at most one
// inlining or compilation decision.
func (t *CallTarget) tune() error {
	if t.Disabled() || t.task.Load() != nil || !t.profile.ShouldCompile() {
		return nil
	}
	if !t.rt.filter.allows(t.name) {
		return nil
	}
	if !t.tuneMu.TryLock() {
		return nil // another caller is deciding for this target
	}
	defer t.tuneMu.Unlock()

	if t.Disabled() || t.task.Load() != nil || !t.profile.ShouldCompile() {
		return nil
	}
	if t.rt.opts.InliningEnabled && t.rt.inliner.TryInlineOne(t) {
		t.profile.Reset()
		return nil
	}
	return t.rt.compiler.Compile(t, true)
}

// ReportLoopCount lets the evaluator charge n loop iterations to t.
func (t *CallTarget) ReportLoopCount(n int) {
	t.profile.ReportLoopCount(n)
}

// Invalidate retires the installed artifact, cancels any in-flight compile
// and counts an invalidation. The next call is interpreted.
func (t *CallTarget) Invalidate(reason string) {
	t.rt.compiler.Cancel(t)
	prev := t.clearArtifact()
	if prev != nil {
		prev.Invalidate()
	}
	t.invalidated(reason)
}

// NodeReplaced tells t that a node inside its tree was rewritten. Compiled
// code built from the old tree is retired and compilation is delayed by
// ReplaceReprofileCount.
func (t *CallTarget) NodeReplaced(reason string) {
	t.profile.ReportNodeReplace()
	t.rt.compiler.Cancel(t)
	if a := t.Artifact(); a != nil {
		t.retire(a, reason)
	}
}

// ReplaceRoot publishes a rewritten tree for t.
func (t *CallTarget) ReplaceRoot(root *Node, reason string) {
	if root == nil {
		return
	}
	t.root.Store(root)
	t.NodeReplaced(reason)
}

// retire clears a if it is still the installed artifact.
func (t *CallTarget) retire(a *Artifact, reason string) {
	for {
		cur := t.install.Load()
		if cur.artifact != a {
			return
		}
		if t.install.CompareAndSwap(cur, &installState{generation: cur.generation + 1}) {
			break
		}
	}
	a.Invalidate()
	t.invalidated(reason)
}

func (t *CallTarget) invalidated(reason string) {
	t.profile.ReportInvalidation()
	if t.rt.opts.InvalidationPolicy == InvalidationReprofile {
		t.profile.Reset()
	}
	if t.rt.opts.TraceCompilation {
		compileLog.Infof("invalidated %-45s |Reason %s |Invalidations %d",
			t.name, reason, t.profile.InvalidationCount())
	}
}

// ---------------------------------------------------------------------------
// Install slot
// ---------------------------------------------------------------------------

// generation returns the current generation token.
func (t *CallTarget) generation() uint64 {
	return t.install.Load().generation
}

// installArtifact installs a if the generation token still matches the one
// a was compiled under.
func (t *CallTarget) installArtifact(a *Artifact) bool {
	for {
		cur := t.install.Load()
		if cur.generation != a.Generation || t.Disabled() {
			return false
		}
		if t.install.CompareAndSwap(cur, &installState{artifact: a, generation: cur.generation}) {
			return true
		}
	}
}

// advanceGeneration invalidates every outstanding generation token while
// keeping the installed artifact.
func (t *CallTarget) advanceGeneration() {
	for {
		cur := t.install.Load()
		next := &installState{artifact: cur.artifact, generation: cur.generation + 1}
		if t.install.CompareAndSwap(cur, next) {
			return
		}
	}
}

// clearArtifact removes the installed artifact and advances the generation.
func (t *CallTarget) clearArtifact() *Artifact {
	for {
		cur := t.install.Load()
		if t.install.CompareAndSwap(cur, &installState{generation: cur.generation + 1}) {
			return cur.artifact
		}
	}
}

// disable permanently stops compilation of t.
func (t *CallTarget) disable() {
	t.disabled.Store(true)
	t.clearArtifact()
}

// spliceInline replaces site's call node with an inlined copy of the
// callee's tree. The new tree is published with a single pointer store;
// interpreters already running keep the tree they loaded.
func (t *CallTarget) spliceInline(site CallSite) bool {
	if site.Kind != CallSiteDirect || site.Callee == nil {
		return false
	}
	old := t.root.Load()
	kids := make([]*Node, 0, len(site.Node.Kids)+1)
	for _, arg := range site.Node.Kids {
		kids = append(kids, arg.Copy())
	}
	kids = append(kids, site.Callee.InlineTree().Copy())
	inlined := &Node{Kind: NodeInlined, Callee: site.Callee, Kids: kids}

	next, found := copyReplacing(old, site.Node, inlined)
	if !found {
		return false
	}
	resetCallCounts(next)
	return t.root.CompareAndSwap(old, next)
}
