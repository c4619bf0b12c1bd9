package vm

import (
	"sync/atomic"
	"time"
)

// CompilationProfile tracks the work a call target has done in the
// interpreter and decides when it is hot enough to compile.
//
// Calls and loop iterations both spend one remaining-work budget seeded from
// the compilation threshold. The budget and the window counters are re-armed
// by Reset after an install or an inlining cycle; invalidation and rewrite
// counts live for the whole life of the target and feed the adaptive
// threshold.
//
// The profile is written from the slow path of its target only, but
// statistics readers run concurrently, so every field is atomic.
type CompilationProfile struct {
	interpreterCalls atomic.Int64 // Calls in the current window
	loopIterations   atomic.Int64 // Loop iterations in the current window
	invalidations    atomic.Int64
	nodeReplaces     atomic.Int64
	remaining        atomic.Int64 // Work left before the target is hot
	threshold        atomic.Int64 // Budget the current window started with

	policy  ThresholdPolicy
	created time.Time
	opts    *Options
}

// newCompilationProfile creates a profile armed with the base threshold.
func newCompilationProfile(opts *Options) *CompilationProfile {
	p := &CompilationProfile{
		policy:  opts.ThresholdPolicy,
		created: opts.now(),
		opts:    opts,
	}
	p.threshold.Store(int64(opts.CompilationThreshold))
	p.remaining.Store(int64(opts.CompilationThreshold))
	return p
}

// ReportInterpreterCall records one interpreted invocation.
func (p *CompilationProfile) ReportInterpreterCall() {
	p.interpreterCalls.Add(1)
	p.remaining.Add(-1)
}

// ReportLoopCount records n loop iterations executed inside the target.
func (p *CompilationProfile) ReportLoopCount(n int) {
	if n <= 0 {
		return
	}
	p.loopIterations.Add(int64(n))
	p.remaining.Add(-int64(n))
}

// ReportInvalidation counts an invalidation of the target's artifact.
func (p *CompilationProfile) ReportInvalidation() {
	p.invalidations.Add(1)
}

// ReportNodeReplace counts a rewrite inside the target's tree and makes sure
// at least ReplaceReprofileCount more work happens before compiling.
func (p *CompilationProfile) ReportNodeReplace() {
	p.nodeReplaces.Add(1)
	floor := int64(p.opts.ReplaceReprofileCount)
	for {
		cur := p.remaining.Load()
		if cur >= floor || p.remaining.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// ShouldCompile reports whether the work budget is spent and the target has
// been called often enough for the call to be known to recur.
func (p *CompilationProfile) ShouldCompile() bool {
	if p.remaining.Load() > 0 {
		return false
	}
	if p.interpreterCalls.Load() < int64(p.opts.MinInvokeThreshold) {
		return false
	}
	if p.policy == ThresholdTimed && p.opts.now().Sub(p.created) < p.opts.CompilationDecisionTime {
		return false
	}
	return true
}

// Reset re-arms the profile. The new threshold grows with the number of
// invalidations so a target that keeps getting invalidated is compiled less
// eagerly, up to MaxCompilationThreshold.
func (p *CompilationProfile) Reset() {
	t := p.nextThreshold()
	p.threshold.Store(t)
	p.remaining.Store(t)
	p.interpreterCalls.Store(0)
	p.loopIterations.Store(0)
}

func (p *CompilationProfile) nextThreshold() int64 {
	base := int64(p.opts.CompilationThreshold)
	t := base * (1 + int64(p.opts.InvalidationReprofileMultiplier)*p.invalidations.Load())
	if max := int64(p.opts.maxThreshold()); t > max {
		t = max
	}
	if t < base {
		t = base
	}
	return t
}

// InterpreterCalls returns the calls counted in the current window.
func (p *CompilationProfile) InterpreterCalls() int64 { return p.interpreterCalls.Load() }

// LoopIterations returns the loop iterations counted in the current window.
func (p *CompilationProfile) LoopIterations() int64 { return p.loopIterations.Load() }

// InvalidationCount returns how often the target has been invalidated.
func (p *CompilationProfile) InvalidationCount() int64 { return p.invalidations.Load() }

// NodeReplaceCount returns how often the target's tree has been rewritten.
func (p *CompilationProfile) NodeReplaceCount() int64 { return p.nodeReplaces.Load() }

// Remaining returns the work left before the target becomes hot.
func (p *CompilationProfile) Remaining() int64 { return p.remaining.Load() }

// Threshold returns the budget the current window started with.
func (p *CompilationProfile) Threshold() int64 { return p.threshold.Load() }

// ProfileSnapshot is a point-in-time copy of a profile.
type ProfileSnapshot struct {
	InterpreterCalls  int64
	LoopIterations    int64
	InvalidationCount int64
	NodeReplaceCount  int64
	Remaining         int64
	Threshold         int64
	Policy            ThresholdPolicy
}

// Snapshot copies the profile counters.
func (p *CompilationProfile) Snapshot() ProfileSnapshot {
	return ProfileSnapshot{
		InterpreterCalls:  p.interpreterCalls.Load(),
		LoopIterations:    p.loopIterations.Load(),
		InvalidationCount: p.invalidations.Load(),
		NodeReplaceCount:  p.nodeReplaces.Load(),
		Remaining:         p.remaining.Load(),
		Threshold:         p.threshold.Load(),
		Policy:            p.policy,
	}
}
