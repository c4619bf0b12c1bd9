package vm

import (
	"errors"
	"testing"
	"time"
)

func TestCallTargetInterpretsUntilThreshold(t *testing.T) {
	fc := &fakeCompiler{}
	rt, ev := newTestRuntime(t, syncOptions(), fc)
	target := rt.NewCallTarget("sum", leaf("sum", 4))

	callN(t, target, 999)
	if fc.Calls() != 0 {
		t.Fatalf("compiled after 999 calls, want none (compiles=%d)", fc.Calls())
	}
	if target.Artifact() != nil {
		t.Fatal("artifact installed before threshold")
	}

	v, err := target.Call()
	if err != nil {
		t.Fatal(err)
	}
	if v != 4 {
		t.Errorf("threshold call returned %v, want interpreted result 4", v)
	}
	if fc.Calls() != 1 {
		t.Fatalf("compiles = %d after threshold call, want 1", fc.Calls())
	}
	if !target.Artifact().Valid() {
		t.Fatal("expected a valid artifact after the threshold call")
	}
	if target.State() != StateCompiled {
		t.Errorf("state = %s, want compiled", target.State())
	}

	before := ev.executions.Load()
	v, err = target.Call()
	if err != nil {
		t.Fatal(err)
	}
	if v != "compiled:sum" {
		t.Errorf("call after install returned %v, want compiled:sum", v)
	}
	if ev.executions.Load() != before {
		t.Error("call after install went through the evaluator")
	}
	if target.CallCount() != 1001 {
		t.Errorf("CallCount = %d, want 1001", target.CallCount())
	}
}

func TestCallTargetLoopWorkCountsTowardThreshold(t *testing.T) {
	fc := &fakeCompiler{}
	rt, _ := newTestRuntime(t, syncOptions(), fc)
	target := rt.NewCallTarget("loop", leaf("loop", 1))

	callN(t, target, 1)
	target.ReportLoopCount(996)

	// Reported work reaches 998, then 999.
	callN(t, target, 2)
	if fc.Calls() != 0 {
		t.Fatalf("compiled with reported work below 1000 (compiles=%d)", fc.Calls())
	}
	callN(t, target, 1)
	if fc.Calls() != 1 {
		t.Fatalf("compiles = %d once work reached 1000, want 1", fc.Calls())
	}
}

func TestCallTargetMinInvokeGuard(t *testing.T) {
	fc := &fakeCompiler{}
	rt, _ := newTestRuntime(t, syncOptions(), fc)
	target := rt.NewCallTarget("heavy", leaf("heavy", 1))

	callN(t, target, 1)
	target.ReportLoopCount(50000)
	callN(t, target, 1)
	if fc.Calls() != 0 {
		t.Fatal("compiled a loop-heavy target after 2 calls; minimum is 3")
	}
	callN(t, target, 1)
	if fc.Calls() != 1 {
		t.Fatalf("compiles = %d after third call, want 1", fc.Calls())
	}
}

func TestCallTargetInvalidationFallsBackToInterpreter(t *testing.T) {
	fc := &fakeCompiler{}
	rt, ev := newTestRuntime(t, syncOptions(), fc)
	target := rt.NewCallTarget("inv", leaf("inv", 2))

	callN(t, target, 1000)
	old := target.Artifact()
	if !old.Valid() {
		t.Fatal("expected artifact after threshold")
	}

	rt.Invalidate(target, "assumption broken")

	if target.Artifact() != nil {
		t.Error("artifact still installed after Invalidate")
	}
	if old.Valid() {
		t.Error("old artifact still valid after Invalidate")
	}

	before := ev.executions.Load()
	v, err := target.Call()
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("call after invalidation returned %v, want interpreted 2", v)
	}
	if ev.executions.Load() != before+1 {
		t.Error("call after invalidation did not go through the evaluator")
	}

	p := target.Profile()
	if p.InvalidationCount() != 1 {
		t.Errorf("InvalidationCount = %d, want 1", p.InvalidationCount())
	}
	if p.Threshold() != 2000 {
		t.Errorf("threshold after one invalidation = %d, want 2000", p.Threshold())
	}

	// The old artifact never runs again, even once a new one is installed.
	callN(t, target, 2000)
	if target.Artifact() == old {
		t.Error("old artifact reinstalled")
	}
	if !target.Artifact().Valid() {
		t.Error("expected recompilation after the re-armed threshold")
	}
}

func TestCallTargetInvalidationKeepPolicy(t *testing.T) {
	opts := syncOptions()
	opts.InvalidationPolicy = InvalidationKeep
	rt, _ := newTestRuntime(t, opts, &fakeCompiler{})
	target := rt.NewCallTarget("keep", leaf("keep", 1))

	callN(t, target, 500)
	rt.Invalidate(target, "external")

	if got := target.Profile().Remaining(); got != 500 {
		t.Errorf("remaining after invalidation = %d, want untouched 500", got)
	}
	if target.Profile().InvalidationCount() != 1 {
		t.Error("invalidation not counted")
	}
}

// invalidCodeExecutor reports ErrInvalidCode for every artifact it runs.
type invalidCodeExecutor struct {
	FuncExecutor
	signalled int
}

func (x *invalidCodeExecutor) Execute(a *Artifact, frame *Frame) (Value, error) {
	x.signalled++
	return nil, ErrInvalidCode
}

func TestCallTargetInvalidCodeSignalFallsThrough(t *testing.T) {
	rt, _ := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	x := &invalidCodeExecutor{}
	rt.UseExecutor(x)
	target := rt.NewCallTarget("race", leaf("race", 3))

	callN(t, target, 1000)
	old := target.Artifact()
	if !old.Valid() {
		t.Fatal("expected artifact after threshold")
	}

	v, err := target.Call()
	if err != nil {
		t.Fatalf("invalid code signal surfaced to caller: %v", err)
	}
	if v != 3 {
		t.Errorf("got %v, want interpreted result 3", v)
	}
	if x.signalled != 1 {
		t.Errorf("executor ran %d times, want 1", x.signalled)
	}
	if target.Artifact() != nil || old.Valid() {
		t.Error("artifact not retired after invalid code signal")
	}
	if target.Profile().InvalidationCount() != 1 {
		t.Errorf("InvalidationCount = %d, want 1", target.Profile().InvalidationCount())
	}
}

func TestCallTargetBailoutDisablesPermanently(t *testing.T) {
	fc := &fakeCompiler{err: Bailout("unsupported node")}
	rt, _ := newTestRuntime(t, syncOptions(), fc)
	target := rt.NewCallTarget("bail", leaf("bail", 1))

	callN(t, target, 1000)
	if fc.Calls() != 1 {
		t.Fatalf("compiles = %d, want 1", fc.Calls())
	}
	if !target.Disabled() {
		t.Fatal("target not disabled after bailout")
	}

	callN(t, target, 5000)
	if fc.Calls() != 1 {
		t.Errorf("disabled target compiled again (compiles=%d)", fc.Calls())
	}
	if rt.Compile(target, false) != nil || fc.Calls() != 1 {
		t.Error("explicit compile of a disabled target reached the compiler")
	}
	if !target.Disabled() || target.State() != StateDisabled {
		t.Errorf("state = %s, want disabled", target.State())
	}
	if rt.Compiler().Stats().Bailouts != 1 {
		t.Errorf("bailouts = %d, want 1", rt.Compiler().Stats().Bailouts)
	}
}

func TestCallTargetBailoutReprofilePolicy(t *testing.T) {
	opts := syncOptions()
	opts.BailoutPolicy = BailoutReprofile
	fc := &fakeCompiler{err: Bailout("not yet")}
	rt, _ := newTestRuntime(t, opts, fc)
	target := rt.NewCallTarget("retry", leaf("retry", 1))

	callN(t, target, 1000)
	if target.Disabled() {
		t.Fatal("reprofile policy disabled the target")
	}
	if target.Profile().Threshold() != 2000 {
		t.Errorf("threshold after bailout = %d, want 2000", target.Profile().Threshold())
	}
	callN(t, target, 1999)
	if fc.Calls() != 1 {
		t.Fatalf("compiles = %d before re-armed threshold, want 1", fc.Calls())
	}
	callN(t, target, 1)
	if fc.Calls() != 2 {
		t.Errorf("compiles = %d after re-armed threshold, want 2", fc.Calls())
	}
}

func TestCallTargetCompilerFailureIsBailoutByDefault(t *testing.T) {
	fc := &fakeCompiler{err: errors.New("backend crashed")}
	rt, _ := newTestRuntime(t, syncOptions(), fc)
	target := rt.NewCallTarget("crash", leaf("crash", 1))

	callN(t, target, 1000)
	if !target.Disabled() {
		t.Error("failed target should be disabled")
	}
	if rt.Err() != nil {
		t.Errorf("Err = %v, want nil without FailOnCompilerError", rt.Err())
	}
}

func TestCallTargetFailOnCompilerError(t *testing.T) {
	opts := syncOptions()
	opts.FailOnCompilerError = true
	boom := errors.New("backend crashed")
	rt, _ := newTestRuntime(t, opts, &fakeCompiler{err: boom})
	target := rt.NewCallTarget("fatal", leaf("fatal", 1))
	other := rt.NewCallTarget("other", leaf("other", 1))

	callN(t, target, 999)
	_, err := target.Call()
	var ce *CompilerError
	if !errors.As(err, &ce) {
		t.Fatalf("threshold call returned %v, want *CompilerError", err)
	}
	if !errors.Is(err, boom) || ce.Target != "fatal" {
		t.Errorf("unexpected compiler error %#v", ce)
	}

	if _, err := other.Call(); !errors.Is(err, boom) {
		t.Errorf("later call returned %v, want the fatal error", err)
	}
	if !errors.Is(rt.Err(), boom) {
		t.Errorf("Err = %v", rt.Err())
	}
}

func TestCallTargetGuestErrorsPassThrough(t *testing.T) {
	rt, ev := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	ev.err = errGuest
	target := rt.NewCallTarget("throws", leaf("throws", 1))

	_, err := target.Call()
	if err != errGuest {
		t.Errorf("got %v, want the guest error unchanged", err)
	}
}

func TestCallTargetNodeReplacedDelaysCompilation(t *testing.T) {
	fc := &fakeCompiler{}
	rt, _ := newTestRuntime(t, syncOptions(), fc)
	target := rt.NewCallTarget("rewrite", leaf("rewrite", 1))

	callN(t, target, 998)
	target.NodeReplaced("specialised")
	if got := target.Profile().Remaining(); got != 10 {
		t.Fatalf("remaining after rewrite = %d, want 10", got)
	}
	callN(t, target, 9)
	if fc.Calls() != 0 {
		t.Fatal("compiled inside the rewrite reprofile window")
	}
	callN(t, target, 1)
	if fc.Calls() != 1 {
		t.Fatalf("compiles = %d, want 1", fc.Calls())
	}

	old := target.Artifact()
	target.ReplaceRoot(leaf("rewrite", 2), "respecialised")
	if target.Artifact() != nil || old.Valid() {
		t.Error("artifact survived a root replacement")
	}
	if target.Profile().NodeReplaceCount() != 2 {
		t.Errorf("NodeReplaceCount = %d, want 2", target.Profile().NodeReplaceCount())
	}
	if v, _ := target.Call(); v != 2 {
		t.Errorf("call after replacement returned %v, want 2 from the new tree", v)
	}
}

func TestCallTargetCompileOnlyFilter(t *testing.T) {
	opts := syncOptions()
	opts.CompilationThreshold = 10
	opts.CompileOnly = "hot,~hotter"
	fc := &fakeCompiler{}
	rt, _ := newTestRuntime(t, opts, fc)

	hot := rt.NewCallTarget("hot", leaf("hot", 1))
	hotter := rt.NewCallTarget("hotter", leaf("hotter", 1))
	cold := rt.NewCallTarget("cold", leaf("cold", 1))
	for _, target := range []*CallTarget{hot, hotter, cold} {
		callN(t, target, 50)
	}

	if !hot.Artifact().Valid() {
		t.Error("included target not compiled")
	}
	if hotter.Artifact() != nil {
		t.Error("excluded target compiled")
	}
	if cold.Artifact() != nil {
		t.Error("target matching no include compiled")
	}
	if fc.Calls() != 1 {
		t.Errorf("compiles = %d, want 1", fc.Calls())
	}
}

func TestCallTargetTimedThreshold(t *testing.T) {
	clock := newManualClock()
	opts := syncOptions()
	opts.Clock = clock.Now
	opts.ThresholdPolicy = ThresholdTimed
	opts.CompilationThreshold = 10
	opts.MinInvokeThreshold = 1
	fc := &fakeCompiler{}
	rt, _ := newTestRuntime(t, opts, fc)
	target := rt.NewCallTarget("startup", leaf("startup", 1))

	callN(t, target, 100)
	if fc.Calls() != 0 {
		t.Fatal("timed policy compiled inside the decision window")
	}

	clock.Advance(150 * time.Millisecond)
	callN(t, target, 1)
	if fc.Calls() != 1 {
		t.Errorf("compiles = %d after the decision window, want 1", fc.Calls())
	}
}
