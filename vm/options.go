package vm

import (
	"runtime"
	"strings"
	"time"
)

// ThresholdPolicy selects how a profile decides that a target is hot.
type ThresholdPolicy int

const (
	// ThresholdCounter compiles once the work budget is spent and the
	// minimum invocation count is reached.
	ThresholdCounter ThresholdPolicy = iota

	// ThresholdTimed additionally requires CompilationDecisionTime to have
	// passed since the target was created, so code that only runs in a
	// startup burst stays interpreted.
	ThresholdTimed
)

func (p ThresholdPolicy) String() string {
	if p == ThresholdTimed {
		return "timed"
	}
	return "counter"
}

// BailoutPolicy decides what happens to a target whose compilation bailed out.
type BailoutPolicy int

const (
	BailoutDisable   BailoutPolicy = iota // Never compile the target again
	BailoutReprofile                      // Re-arm the profile with a larger threshold
)

func (p BailoutPolicy) String() string {
	if p == BailoutReprofile {
		return "reprofile"
	}
	return "disable"
}

// InvalidationPolicy decides what an invalidation does to the profile.
type InvalidationPolicy int

const (
	InvalidationReprofile InvalidationPolicy = iota // Reset with the adaptive threshold
	InvalidationKeep                                // Leave the profile as it is
)

func (p InvalidationPolicy) String() string {
	if p == InvalidationKeep {
		return "keep"
	}
	return "reprofile"
}

// Options configures a Runtime. The zero value is not useful; start from
// DefaultOptions.
type Options struct {
	// Profiling
	CompilationThreshold            int             // Work units before compiling
	MinInvokeThreshold              int             // Calls required regardless of loop work
	MaxCompilationThreshold         int             // Cap for the adaptive threshold (0 = 64x threshold)
	InvalidationReprofileMultiplier int             // Threshold growth per invalidation
	ReplaceReprofileCount           int             // Minimum budget after a node rewrite
	ThresholdPolicy                 ThresholdPolicy // counter or timed
	CompilationDecisionTime         time.Duration   // Timed policy only

	// Inlining
	InliningEnabled         bool
	MaxCallerNodeSize       int
	MaxCalleeNodeSize       int
	MaxInlineRecursionDepth int

	// Compilation
	BackgroundCompilation bool
	CompilerThreads       int
	CompileQueueSize      int
	FailOnCompilerError   bool
	BailoutPolicy         BailoutPolicy
	InvalidationPolicy    InvalidationPolicy
	CompileOnly           string // Comma-separated includes, "~name" excludes

	// Statistics and tracing
	StatisticsEnabled    bool
	SweepInterval        time.Duration // Registry sweeper period (0 = no sweeper)
	TraceCompilation     bool
	TraceInlining        bool
	TraceInliningDetails bool

	// Clock returns the current time. Tests replace it; nil means time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	threads := runtime.GOMAXPROCS(0) / 2
	if threads < 1 {
		threads = 1
	}
	return Options{
		CompilationThreshold:            1000,
		MinInvokeThreshold:              3,
		InvalidationReprofileMultiplier: 1,
		ReplaceReprofileCount:           10,
		ThresholdPolicy:                 ThresholdCounter,
		CompilationDecisionTime:         100 * time.Millisecond,

		InliningEnabled:         true,
		MaxCallerNodeSize:       2250,
		MaxCalleeNodeSize:       250,
		MaxInlineRecursionDepth: 2,

		BackgroundCompilation: true,
		CompilerThreads:       threads,
		CompileQueueSize:      100,
		BailoutPolicy:         BailoutDisable,
		InvalidationPolicy:    InvalidationReprofile,

		StatisticsEnabled: true,
	}
}

// maxThreshold returns the effective cap for adaptive thresholds.
func (o *Options) maxThreshold() int {
	if o.MaxCompilationThreshold > 0 {
		return o.MaxCompilationThreshold
	}
	return o.CompilationThreshold * 64
}

func (o *Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

// normalize fills in values that must be positive.
func (o *Options) normalize() {
	if o.CompilationThreshold < 1 {
		o.CompilationThreshold = 1
	}
	if o.MinInvokeThreshold < 0 {
		o.MinInvokeThreshold = 0
	}
	if o.InvalidationReprofileMultiplier < 0 {
		o.InvalidationReprofileMultiplier = 0
	}
	if o.CompilerThreads < 1 {
		o.CompilerThreads = 1
	}
	if o.CompileQueueSize < 1 {
		o.CompileQueueSize = 1
	}
}

// ---------------------------------------------------------------------------
// Compile-only filter
// ---------------------------------------------------------------------------

// compileFilter restricts compilation by target name. A name passes when it
// contains no exclude and, if any includes are given, at least one include.
type compileFilter struct {
	includes []string
	excludes []string
}

func parseCompileFilter(filter string) compileFilter {
	var f compileFilter
	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "~") {
			if ex := strings.TrimPrefix(part, "~"); ex != "" {
				f.excludes = append(f.excludes, ex)
			}
			continue
		}
		f.includes = append(f.includes, part)
	}
	return f
}

func (f compileFilter) allows(name string) bool {
	for _, ex := range f.excludes {
		if strings.Contains(name, ex) {
			return false
		}
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, in := range f.includes {
		if strings.Contains(name, in) {
			return true
		}
	}
	return false
}
