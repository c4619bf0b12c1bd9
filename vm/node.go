package vm

import (
	"fmt"
	"sync/atomic"
)

// NodeKind tags the shapes of executable-tree nodes the engine cares about.
// Everything that is not a call is an op node; the engine never looks inside
// ops, it only counts them.
type NodeKind uint8

const (
	NodeOp       NodeKind = iota // Plain operation, opaque to the engine
	NodeCall                     // Direct call to a known callee target
	NodeDispatch                 // Indirect/megamorphic call, callee unknown
	NodeInlined                  // Inlined copy of a callee's tree
)

func (k NodeKind) String() string {
	switch k {
	case NodeOp:
		return "op"
	case NodeCall:
		return "call"
	case NodeDispatch:
		return "dispatch"
	case NodeInlined:
		return "inlined"
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

// Node is one element of a call target's executable tree.
//
// Trees are treated as immutable once published on a CallTarget: inlining
// builds a modified copy and swaps the root, so evaluators may walk a tree
// they loaded without holding any lock. The only mutable state is the call
// counter of call nodes, which is atomic.
type Node struct {
	Kind   NodeKind
	Label  string      // Evaluator-defined operation text
	Callee *CallTarget // NodeCall and NodeInlined only
	Kids   []*Node

	calls atomic.Int64
}

// Op returns an op node with the given children.
func Op(label string, kids ...*Node) *Node {
	return &Node{Kind: NodeOp, Label: label, Kids: kids}
}

// Call returns a direct call node to callee.
func Call(callee *CallTarget, args ...*Node) *Node {
	return &Node{Kind: NodeCall, Callee: callee, Kids: args}
}

// Dispatch returns an indirect call node; the callee is resolved by the
// evaluator at run time.
func Dispatch(label string, args ...*Node) *Node {
	return &Node{Kind: NodeDispatch, Label: label, Kids: args}
}

// RecordCall bumps the observed call count of a call node. Evaluators call it
// each time a NodeCall or NodeDispatch executes in the interpreter.
func (n *Node) RecordCall() {
	n.calls.Add(1)
}

// CallCount returns the observed call count.
func (n *Node) CallCount() int64 {
	return n.calls.Load()
}

// ResetCallCount zeroes the observed call count.
func (n *Node) ResetCallCount() {
	n.calls.Store(0)
}

// Body returns the inlined tree of a NodeInlined node. The body is stored as
// the last child so argument nodes keep their positions.
func (n *Node) Body() *Node {
	if n.Kind != NodeInlined || len(n.Kids) == 0 {
		return nil
	}
	return n.Kids[len(n.Kids)-1]
}

// Args returns the argument children of a call or inlined node.
func (n *Node) Args() []*Node {
	if n.Kind == NodeInlined && len(n.Kids) > 0 {
		return n.Kids[:len(n.Kids)-1]
	}
	return n.Kids
}

// Copy returns a deep copy of the subtree with all call counts zeroed.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Kind: n.Kind, Label: n.Label, Callee: n.Callee}
	if len(n.Kids) > 0 {
		c.Kids = make([]*Node, len(n.Kids))
		for i, k := range n.Kids {
			c.Kids[i] = k.Copy()
		}
	}
	return c
}

// Walk visits the subtree in pre-order. Returning false from fn skips the
// children of that node.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, k := range n.Kids {
		k.Walk(fn)
	}
}

func (n *Node) String() string {
	switch n.Kind {
	case NodeCall:
		return fmt.Sprintf("call(%s)", n.Callee.Name())
	case NodeInlined:
		return fmt.Sprintf("inlined(%s)", n.Callee.Name())
	case NodeDispatch:
		return fmt.Sprintf("dispatch(%s)", n.Label)
	}
	return n.Label
}

// ---------------------------------------------------------------------------
// Call sites
// ---------------------------------------------------------------------------

// CallSiteKind tags discovered call sites.
type CallSiteKind uint8

const (
	CallSiteDirect   CallSiteKind = iota // Known callee, inlinable
	CallSiteIndirect                     // Megamorphic dispatch, never inlined
)

// CallSite describes one call node discovered in a walk of a target's tree.
// Call sites are rebuilt on every walk and must not be kept across inlining
// cycles: the tree they point into is replaced by each inline.
type CallSite struct {
	Kind           CallSiteKind
	Node           *Node
	Callee         *CallTarget // nil for indirect sites
	CallCount      int64
	InlineNodeCost int // Nodes the callee's inline tree would add
	RecursionDepth int // Inlined ancestors that copy the same callee
}

func (cs CallSite) String() string {
	if cs.Kind == CallSiteIndirect {
		return cs.Node.String()
	}
	return fmt.Sprintf("call(%s)", cs.Callee.Name())
}

// TreeAccessor gives the engine its view of an executable tree.
type TreeAccessor interface {
	CountNodes(root *Node) int
	FindCallSites(root *Node) []CallSite
}

// NodeTree is the TreeAccessor for the Node kit.
type NodeTree struct{}

// CountNodes returns the number of nodes in the subtree, inlined bodies
// included.
func (NodeTree) CountNodes(root *Node) int {
	count := 0
	root.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

// FindCallSites collects every call and dispatch node in discovery order.
// Inlined bodies are searched too, so their nested calls can be inlined in a
// later cycle.
func (t NodeTree) FindCallSites(root *Node) []CallSite {
	var sites []CallSite
	var inlined []*CallTarget // callees of the NodeInlined ancestors

	var visit func(n *Node)
	visit = func(n *Node) {
		switch n.Kind {
		case NodeCall:
			depth := 0
			for _, anc := range inlined {
				if anc == n.Callee {
					depth++
				}
			}
			sites = append(sites, CallSite{
				Kind:           CallSiteDirect,
				Node:           n,
				Callee:         n.Callee,
				CallCount:      n.CallCount(),
				InlineNodeCost: t.CountNodes(n.Callee.InlineTree()),
				RecursionDepth: depth,
			})
		case NodeDispatch:
			sites = append(sites, CallSite{
				Kind:      CallSiteIndirect,
				Node:      n,
				CallCount: n.CallCount(),
			})
		case NodeInlined:
			inlined = append(inlined, n.Callee)
			defer func() { inlined = inlined[:len(inlined)-1] }()
		}
		for _, k := range n.Kids {
			visit(k)
		}
	}
	if root != nil {
		visit(root)
	}
	return sites
}

// copyReplacing deep-copies root, substituting replacement for the node
// identical to old. It reports whether old was found. Call counts in the copy
// start at zero.
func copyReplacing(root, old, replacement *Node) (*Node, bool) {
	if root == old {
		return replacement, true
	}
	c := &Node{Kind: root.Kind, Label: root.Label, Callee: root.Callee}
	found := false
	if len(root.Kids) > 0 {
		c.Kids = make([]*Node, len(root.Kids))
		for i, k := range root.Kids {
			var hit bool
			c.Kids[i], hit = copyReplacing(k, old, replacement)
			found = found || hit
		}
	}
	return c, found
}

// resetCallCounts zeroes every call counter in the subtree.
func resetCallCounts(root *Node) {
	root.Walk(func(n *Node) bool {
		n.ResetCallCount()
		return true
	})
}
