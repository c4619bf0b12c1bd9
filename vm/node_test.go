package vm

import "testing"

func TestNodeCopyZeroesCounts(t *testing.T) {
	call := Dispatch("send", Op("arg"))
	call.RecordCall()
	root := Op("root", call)

	c := root.Copy()
	if c == root || c.Kids[0] == call {
		t.Fatal("Copy shared nodes")
	}
	if c.Kids[0].CallCount() != 0 {
		t.Error("copy kept the call count")
	}
	if c.Kids[0].Kids[0].Label != "arg" {
		t.Error("copy lost children")
	}
	if call.CallCount() != 1 {
		t.Error("copy changed the original")
	}
}

func TestCopyReplacing(t *testing.T) {
	target := Op("target")
	root := Op("root", Op("a"), Op("b", target))
	repl := Op("replacement")

	next, found := copyReplacing(root, target, repl)
	if !found {
		t.Fatal("target not found")
	}
	if next.Kids[1].Kids[0] != repl {
		t.Error("replacement not spliced")
	}
	if root.Kids[1].Kids[0] != target {
		t.Error("original tree mutated")
	}

	if _, found := copyReplacing(root, Op("elsewhere"), repl); found {
		t.Error("found a node that is not in the tree")
	}
}

func TestNodeInlinedBodyAndArgs(t *testing.T) {
	n := &Node{Kind: NodeInlined, Kids: []*Node{Op("x"), Op("y"), Op("body")}}
	if n.Body().Label != "body" {
		t.Errorf("Body = %s", n.Body())
	}
	if args := n.Args(); len(args) != 2 || args[1].Label != "y" {
		t.Errorf("Args = %v", args)
	}
	if Op("plain").Body() != nil {
		t.Error("op node has a body")
	}
}

func TestFindCallSites(t *testing.T) {
	rt, _ := newTestRuntime(t, syncOptions(), &fakeCompiler{})
	f := rt.NewCallTarget("f", leaf("f", 4))
	g := rt.NewCallTarget("g", leaf("g", 1))

	inner := Call(f)
	root := Op("root",
		Call(g),
		Dispatch("send"),
		&Node{Kind: NodeInlined, Callee: f, Kids: []*Node{Op("f", inner)}},
	)
	inner.RecordCall()

	sites := NodeTree{}.FindCallSites(root)
	if len(sites) != 3 {
		t.Fatalf("found %d sites, want 3", len(sites))
	}
	if sites[0].Callee != g || sites[0].InlineNodeCost != 1 || sites[0].RecursionDepth != 0 {
		t.Errorf("site 0 = %+v", sites[0])
	}
	if sites[1].Kind != CallSiteIndirect || sites[1].Callee != nil {
		t.Errorf("site 1 = %+v", sites[1])
	}
	if sites[2].Node != inner || sites[2].RecursionDepth != 1 || sites[2].CallCount != 1 || sites[2].InlineNodeCost != 4 {
		t.Errorf("site 2 = %+v", sites[2])
	}

	if got := (NodeTree{}).CountNodes(root); got != 6 {
		t.Errorf("CountNodes = %d, want 6", got)
	}
}
