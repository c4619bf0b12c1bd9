package vm

import "context"

// Value is a guest-language value. The engine never inspects values.
type Value = interface{}

// Frame carries one activation into the evaluator or a compiled artifact.
// Slot layout belongs to the evaluator; the engine only passes it along.
type Frame struct {
	Target *CallTarget
	Args   []Value
	Caller *Frame
}

// Evaluator interprets a call target's tree. Guest errors it returns pass
// through Call unchanged.
type Evaluator interface {
	Execute(t *CallTarget, root *Node, frame *Frame) (Value, error)
}

// Compiler turns a call target into machine code. It returns the code
// handle, a *BailoutError when it cannot compile the target, or any other
// error for an unrecoverable failure. Compilers should give up early when
// ctx is cancelled; a late result is discarded either way.
type Compiler interface {
	Compile(ctx context.Context, t *CallTarget) (interface{}, error)
}

// Executor runs installed artifacts.
type Executor interface {
	// Execute runs a, returning ErrInvalidCode if the artifact turned out to
	// be stale.
	Execute(a *Artifact, frame *Frame) (Value, error)

	// IsValid reports whether a may still be run.
	IsValid(a *Artifact) bool
}

// Reporter receives statistics snapshots, at sweeps and at Shutdown.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(t *CallTarget, root *Node, frame *Frame) (Value, error)

func (f EvaluatorFunc) Execute(t *CallTarget, root *Node, frame *Frame) (Value, error) {
	return f(t, root, frame)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, t *CallTarget) (interface{}, error)

func (f CompilerFunc) Compile(ctx context.Context, t *CallTarget) (interface{}, error) {
	return f(ctx, t)
}
