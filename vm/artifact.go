package vm

import (
	"sync/atomic"
	"time"
)

// Artifact is an installed compiled representation of a call target.
// It is immutable apart from its validity flag, which goes from valid to
// invalid exactly once. A recompile always produces a new Artifact.
type Artifact struct {
	Code       interface{} // Opaque handle returned by the Compiler
	Generation uint64      // Generation token the artifact was installed under
	Installed  time.Time

	invalid atomic.Bool
}

// Valid reports whether the artifact has not been invalidated.
func (a *Artifact) Valid() bool {
	return a != nil && !a.invalid.Load()
}

// Invalidate marks the artifact invalid. It returns true only for the call
// that performed the transition.
func (a *Artifact) Invalidate() bool {
	return a.invalid.CompareAndSwap(false, true)
}

// installState is the per-target slot swapped atomically by installs,
// invalidations and cancellations. The generation advances on every
// invalidation and cancellation so late compile results can be detected.
type installState struct {
	artifact   *Artifact
	generation uint64
}

// FuncExecutor runs artifacts whose Code is an ArtifactFunc.
type FuncExecutor struct{}

// ArtifactFunc is the code shape FuncExecutor understands.
type ArtifactFunc func(frame *Frame) (Value, error)

func (FuncExecutor) Execute(a *Artifact, frame *Frame) (Value, error) {
	if !a.Valid() {
		return nil, ErrInvalidCode
	}
	fn, ok := a.Code.(ArtifactFunc)
	if !ok {
		return nil, ErrInvalidCode
	}
	return fn(frame)
}

func (FuncExecutor) IsValid(a *Artifact) bool {
	return a.Valid()
}
