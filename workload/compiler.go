package workload

import (
	"context"
	"time"

	"github.com/chazu/tiered/vm"
)

// NoCompileLabel marks a tree the compiler refuses to compile.
const NoCompileLabel = "nocompile"

// Compiler turns a target's current tree, inlined bodies included, into a
// chain of closures. Compiled code does not profile: call-site counts and
// loop counts are left alone.
type Compiler struct {
	Resolver Resolver
	MaxDepth int

	// Delay simulates compile time. The compiler gives up when ctx is
	// cancelled during the delay.
	Delay time.Duration
}

// NewCompiler creates a compiler resolving dispatches through r.
func NewCompiler(r Resolver) *Compiler {
	return &Compiler{Resolver: r, MaxDepth: DefaultMaxDepth}
}

type compiledNode func(frame *vm.Frame) (int64, error)

// Compile implements vm.Compiler.
func (c *Compiler) Compile(ctx context.Context, t *vm.CallTarget) (interface{}, error) {
	if c.Delay > 0 {
		timer := time.NewTimer(c.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	root := t.Root()
	var refused bool
	root.Walk(func(n *vm.Node) bool {
		if n.Kind == vm.NodeOp && n.Label == NoCompileLabel {
			refused = true
		}
		return !refused
	})
	if refused {
		return nil, vm.Bailout("%s contains a %s node", t.Name(), NoCompileLabel)
	}

	code, err := c.compile(root)
	if err != nil {
		return nil, vm.Bailout("%s: %v", t.Name(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vm.ArtifactFunc(func(frame *vm.Frame) (vm.Value, error) {
		v, err := code(frame)
		if err != nil {
			return nil, err
		}
		return v, nil
	}), nil
}

func (c *Compiler) compile(n *vm.Node) (compiledNode, error) {
	switch n.Kind {
	case vm.NodeCall:
		callee := n.Callee
		return func(frame *vm.Frame) (int64, error) {
			return c.call(callee, frame)
		}, nil
	case vm.NodeDispatch:
		name := n.Label
		e := Evaluator{Resolver: c.Resolver}
		return func(frame *vm.Frame) (int64, error) {
			callee, err := e.resolve(name)
			if err != nil {
				return 0, err
			}
			return c.call(callee, frame)
		}, nil
	case vm.NodeInlined:
		return c.compile(n.Body())
	}

	iterations, isLoop, err := loopCount(n.Label)
	if err != nil {
		return nil, err
	}
	if !isLoop {
		iterations = 1
	}
	kids := make([]compiledNode, len(n.Kids))
	for i, k := range n.Kids {
		if kids[i], err = c.compile(k); err != nil {
			return nil, err
		}
	}
	return func(frame *vm.Frame) (int64, error) {
		total := int64(1)
		for i := 0; i < iterations; i++ {
			for _, k := range kids {
				v, err := k(frame)
				if err != nil {
					return 0, err
				}
				total += v
			}
		}
		return total, nil
	}, nil
}

func (c *Compiler) call(callee *vm.CallTarget, frame *vm.Frame) (int64, error) {
	limit := c.MaxDepth
	if limit <= 0 {
		limit = DefaultMaxDepth
	}
	if depth(frame) >= limit {
		return 0, nil
	}
	v, err := callee.CallFrom(frame)
	if err != nil {
		return 0, err
	}
	return asInt(v)
}
