package vm

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"testing"
	"time"
)

func TestRegistrySnapshotIsIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	a := rt.NewCallTarget("a", leaf("a", 2))
	b := rt.NewCallTarget("b", leaf("b", 5))
	callN(t, a, 3)

	first := rt.Statistics()
	second := rt.Statistics()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ without calls in between:\n%+v\n%+v", first, second)
	}
	if len(first) != 2 || first[0].ID != a.ID() || first[1].ID != b.ID() {
		t.Fatalf("snapshot not ordered by id: %+v", first)
	}
	if first[1].NodeCount != 5 || first[1].Name != "b" {
		t.Errorf("entry for b = %+v", first[1])
	}

	const n = 7
	callN(t, a, n)
	third := rt.Statistics()
	if got := third[0].CallCount - first[0].CallCount; got != n {
		t.Errorf("call count grew by %d after %d calls", got, n)
	}
	if third[1].CallCount != first[1].CallCount {
		t.Error("untouched target's count changed")
	}
}

func TestRegistrySnapshotReflectsCompilation(t *testing.T) {
	opts := syncOptions()
	opts.CompilationThreshold = 5
	rt, _ := newTestRuntime(t, opts, &fakeCompiler{})
	target := rt.NewCallTarget("hot", leaf("hot", 1))

	callN(t, target, 5)
	s := rt.Statistics()[0]
	if !s.Compiled || s.State != StateCompiled {
		t.Errorf("entry = %+v, want compiled", s)
	}

	target.Invalidate("test")
	s = rt.Statistics()[0]
	if s.Compiled || s.InvalidationCount != 1 || s.State != StateInterpreted {
		t.Errorf("entry after invalidation = %+v", s)
	}
}

func TestRegistryReportDeltas(t *testing.T) {
	rt, _ := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	target := rt.NewCallTarget("delta", leaf("delta", 1))

	callN(t, target, 4)
	if got := rt.Registry().Report()[0].CallsSinceReport; got != 4 {
		t.Errorf("first report delta = %d, want 4", got)
	}
	if got := rt.Registry().Report()[0].CallsSinceReport; got != 0 {
		t.Errorf("second report delta = %d, want 0", got)
	}
	callN(t, target, 2)
	if got := rt.Statistics()[0].CallsSinceReport; got != 0 {
		t.Errorf("snapshot filled the report delta (%d)", got)
	}
	if got := rt.Registry().Report()[0].CallsSinceReport; got != 2 {
		t.Errorf("third report delta = %d, want 2", got)
	}
}

func registerGarbage(rt *Runtime, n int) {
	for i := 0; i < n; i++ {
		rt.NewCallTarget("garbage", leaf("garbage", 1))
	}
}

func TestRegistryDoesNotKeepTargetsAlive(t *testing.T) {
	rt, _ := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	keep := rt.NewCallTarget("keep", leaf("keep", 1))
	registerGarbage(rt, 10)

	if rt.Registry().Len() != 11 {
		t.Fatalf("Len = %d, want 11", rt.Registry().Len())
	}

	pruned := 0
	for i := 0; i < 10 && pruned < 10; i++ {
		runtime.GC()
		pruned += rt.Registry().Prune()
	}
	if pruned != 10 {
		t.Fatalf("pruned %d collected targets, want 10", pruned)
	}

	stats := rt.Statistics()
	if len(stats) != 1 || stats[0].ID != keep.ID() {
		t.Errorf("live entries = %+v, want only keep", stats)
	}
	runtime.KeepAlive(keep)
}

func TestRegistryDisabledStatistics(t *testing.T) {
	opts := syncOptions()
	opts.StatisticsEnabled = false
	rt, _ := newTestRuntime(t, opts, &fakeCompiler{})
	rt.NewCallTarget("unregistered", leaf("unregistered", 1))

	if rt.Registry().Len() != 0 {
		t.Error("target registered with statistics disabled")
	}
}

func TestRegistryCountsInlinedSites(t *testing.T) {
	rt, _ := newTestRuntime(t, DefaultOptions(), &fakeCompiler{})
	callee := rt.NewCallTarget("callee", leaf("callee", 2))
	caller := rt.NewCallTarget("caller", Op("caller", Call(callee), Dispatch("send")))
	hitCalls(caller, 5)
	rt.Inliner().TryInlineOne(caller)

	s := rt.Statistics()[1]
	if s.InlinedSites != 1 || s.CallSites != 1 || s.NodeCount != 5 {
		t.Errorf("caller entry = %+v", s)
	}
}

func TestSweeperPrunesAndReports(t *testing.T) {
	opts := syncOptions()
	opts.SweepInterval = time.Hour
	rt, _ := newTestRuntime(t, opts, &fakeCompiler{})
	rep := &recordingReporter{}
	rt.AddReporter(rep)

	target := rt.NewCallTarget("swept", leaf("swept", 1))
	callN(t, target, 3)

	stats := rt.Sweeper().SweepNow()
	if !stats.Reported || stats.Live != 1 {
		t.Errorf("sweep stats = %+v", stats)
	}
	if rt.Sweeper().SweepCount() != 1 || rt.Sweeper().LastStats() != stats {
		t.Error("sweep not recorded")
	}

	reports := rep.Reports()
	if len(reports) != 1 || reports[0].Final {
		t.Fatalf("reports = %+v, want one periodic report", reports)
	}
	if got := reports[0].Targets[0].CallsSinceReport; got != 3 {
		t.Errorf("CallsSinceReport = %d, want 3", got)
	}
}

func TestSweeperStartStop(t *testing.T) {
	rt, _ := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	rep := &recordingReporter{}
	rt.AddReporter(rep)

	s := NewRegistrySweeper(rt, 5*time.Millisecond)
	s.Start()
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for s.SweepCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	count := s.SweepCount()
	if count < 2 {
		t.Fatalf("sweeper ran %d times, want at least 2", count)
	}
	time.Sleep(20 * time.Millisecond)
	if s.SweepCount() != count {
		t.Error("sweeper kept running after Stop")
	}
}

func TestSweeperReportErrorIsNotFatal(t *testing.T) {
	rt, _ := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	rt.AddReporter(&recordingReporter{err: errors.New("disk full")})

	s := NewRegistrySweeper(rt, time.Hour)
	if stats := s.SweepNow(); stats.Reported {
		t.Error("failed report counted as reported")
	}
	if err := rt.Report(context.Background(), false); err == nil {
		t.Error("reporter error not returned by Report")
	}
}
