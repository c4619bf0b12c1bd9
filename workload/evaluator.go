// Package workload is a small guest language over the vm node kit: an
// evaluator, a closure compiler and a set of built-in programs. The tiered
// command uses it to drive a Runtime, and tests use it to exercise the
// engine end to end.
//
// Every node evaluates to the number of op nodes it executed, as an int64,
// so interpreted and compiled execution can be compared directly.
package workload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/tiered/vm"
)

// DefaultMaxDepth bounds guest recursion: a call made deeper than this
// returns 0 without running.
const DefaultMaxDepth = 16

// Resolver finds the target a dispatch node calls.
type Resolver interface {
	Target(name string) *vm.CallTarget
}

// Evaluator is the tree-walking interpreter.
type Evaluator struct {
	Resolver Resolver
	MaxDepth int
}

// NewEvaluator creates an evaluator resolving dispatches through r.
func NewEvaluator(r Resolver) *Evaluator {
	return &Evaluator{Resolver: r, MaxDepth: DefaultMaxDepth}
}

// Execute implements vm.Evaluator.
func (e *Evaluator) Execute(t *vm.CallTarget, root *vm.Node, frame *vm.Frame) (vm.Value, error) {
	return e.eval(t, root, frame)
}

func (e *Evaluator) eval(t *vm.CallTarget, n *vm.Node, frame *vm.Frame) (int64, error) {
	switch n.Kind {
	case vm.NodeCall:
		n.RecordCall()
		return e.call(n.Callee, frame)
	case vm.NodeDispatch:
		n.RecordCall()
		callee, err := e.resolve(n.Label)
		if err != nil {
			return 0, err
		}
		return e.call(callee, frame)
	case vm.NodeInlined:
		return e.eval(t, n.Body(), frame)
	}

	iterations, isLoop, err := loopCount(n.Label)
	if err != nil {
		return 0, err
	}
	if !isLoop {
		iterations = 1
	}
	total := int64(1)
	for i := 0; i < iterations; i++ {
		for _, k := range n.Kids {
			v, err := e.eval(t, k, frame)
			if err != nil {
				return 0, err
			}
			total += v
		}
	}
	if isLoop {
		t.ReportLoopCount(iterations)
	}
	return total, nil
}

func (e *Evaluator) call(callee *vm.CallTarget, frame *vm.Frame) (int64, error) {
	if depth(frame) >= e.maxDepth() {
		return 0, nil
	}
	v, err := callee.CallFrom(frame)
	if err != nil {
		return 0, err
	}
	return asInt(v)
}

func (e *Evaluator) resolve(name string) (*vm.CallTarget, error) {
	if e.Resolver == nil {
		return nil, fmt.Errorf("dispatch %q: no resolver", name)
	}
	callee := e.Resolver.Target(name)
	if callee == nil {
		return nil, fmt.Errorf("dispatch %q: no such target", name)
	}
	return callee, nil
}

func (e *Evaluator) maxDepth() int {
	if e.MaxDepth > 0 {
		return e.MaxDepth
	}
	return DefaultMaxDepth
}

// depth returns the number of frames in the chain ending at frame.
func depth(frame *vm.Frame) int {
	d := 0
	for f := frame; f != nil; f = f.Caller {
		d++
	}
	return d
}

// loopCount parses "loop N" labels.
func loopCount(label string) (int, bool, error) {
	rest, ok := strings.CutPrefix(label, "loop ")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("bad loop label %q", label)
	}
	return n, true, nil
}

func asInt(v vm.Value) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected guest value %T", v)
}
