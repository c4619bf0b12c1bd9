package workload

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/tiered/vm"
)

// Program is a named set of call targets with an entry point. It resolves
// dispatch nodes by target name.
type Program struct {
	mu      sync.RWMutex
	targets map[string]*vm.CallTarget
	order   []string
	entry   string
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{targets: make(map[string]*vm.CallTarget)}
}

// Target implements Resolver.
func (p *Program) Target(name string) *vm.CallTarget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targets[name]
}

// Define creates a target in rt and makes it resolvable by name. The first
// definition becomes the entry point unless SetEntry says otherwise.
func (p *Program) Define(rt *vm.Runtime, name string, root *vm.Node) *vm.CallTarget {
	t := rt.NewCallTarget(name, root)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.targets[name]; !ok {
		p.order = append(p.order, name)
	}
	p.targets[name] = t
	if p.entry == "" {
		p.entry = name
	}
	return t
}

// SetEntry selects the target Run calls.
func (p *Program) SetEntry(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.targets[name]; !ok {
		return fmt.Errorf("no target named %q", name)
	}
	p.entry = name
	return nil
}

// Entry returns the entry target, or nil for an empty program.
func (p *Program) Entry() *vm.CallTarget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targets[p.entry]
}

// Targets returns the targets in definition order.
func (p *Program) Targets() []*vm.CallTarget {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*vm.CallTarget, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.targets[name])
	}
	return out
}

// RunOptions control Run.
type RunOptions struct {
	Iterations int // Calls of the entry target, spread over the workers
	Workers    int // Concurrent callers (default 1)

	// InvalidateEvery invalidates the entry target's callees every N
	// iterations, simulating a deoptimizing guest. 0 disables it.
	InvalidateEvery int
}

// RunResult summarises a Run.
type RunResult struct {
	Calls         int64
	Work          int64 // Sum of the values the entry returned
	Invalidations int64
}

// Run calls the entry target opts.Iterations times across opts.Workers
// goroutines. The first guest error cancels the remaining workers.
func (p *Program) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	entry := p.Entry()
	if entry == nil {
		return RunResult{}, fmt.Errorf("program has no entry target")
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var res RunResult
	var calls, work, invalidations atomic.Int64
	var next atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				i := next.Add(1)
				if i > int64(opts.Iterations) {
					return nil
				}
				v, err := entry.Call(i)
				if err != nil {
					return fmt.Errorf("iteration %d: %w", i, err)
				}
				n, err := asInt(v)
				if err != nil {
					return err
				}
				calls.Add(1)
				work.Add(n)
				if opts.InvalidateEvery > 0 && i%int64(opts.InvalidateEvery) == 0 {
					invalidations.Add(int64(p.invalidateCallees(entry, i)))
				}
			}
		})
	}
	err := g.Wait()
	res.Calls = calls.Load()
	res.Work = work.Load()
	res.Invalidations = invalidations.Load()
	return res, err
}

// invalidateCallees invalidates every target other than entry, returning
// how many were invalidated.
func (p *Program) invalidateCallees(entry *vm.CallTarget, iteration int64) int {
	n := 0
	for _, t := range p.Targets() {
		if t == entry {
			continue
		}
		t.Invalidate(fmt.Sprintf("workload iteration %d", iteration))
		n++
	}
	return n
}

// builder defines a built-in program's targets.
type builder func(p *Program, rt *vm.Runtime)

var builtins = map[string]builder{
	"loops":       buildLoops,
	"calls":       buildCalls,
	"recursive":   buildRecursive,
	"megamorphic": buildMegamorphic,
	"bailout":     buildBailout,
}

func init() {
	builtins["mixed"] = buildMixed
}

// Builtins lists the built-in program names.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build defines the named built-in program in rt.
func Build(name string, p *Program, rt *vm.Runtime) error {
	b, ok := builtins[name]
	if !ok {
		return fmt.Errorf("unknown workload %q (have %v)", name, Builtins())
	}
	b(p, rt)
	return nil
}

// buildLoops is a loop-heavy body: few calls, lots of reported loop work.
func buildLoops(p *Program, rt *vm.Runtime) {
	sum := vm.Op("loop 50", vm.Op("add", vm.Op("x"), vm.Op("y")))
	p.Define(rt, "loops.main", vm.Op("main", sum))
	_ = p.SetEntry("loops.main")
}

// buildCalls is a small call graph of direct sites, the inliner's food.
func buildCalls(p *Program, rt *vm.Runtime) {
	inc := p.Define(rt, "calls.inc", vm.Op("add", vm.Op("x"), vm.Op("1")))
	square := p.Define(rt, "calls.square", vm.Op("mul", vm.Call(inc), vm.Op("x")))
	p.Define(rt, "calls.main", vm.Op("main",
		vm.Call(square, vm.Op("a")),
		vm.Call(square, vm.Op("b")),
		vm.Call(inc, vm.Op("c")),
	))
	_ = p.SetEntry("calls.main")
}

// buildRecursive recurses through a dispatch until the depth bound stops it.
func buildRecursive(p *Program, rt *vm.Runtime) {
	p.Define(rt, "recursive.walk", vm.Op("walk", vm.Op("step"), vm.Dispatch("recursive.walk")))
	walk := p.Target("recursive.walk")
	p.Define(rt, "recursive.main", vm.Op("main", vm.Call(walk)))
	_ = p.SetEntry("recursive.main")
}

// buildMegamorphic calls through name-resolved sites only.
func buildMegamorphic(p *Program, rt *vm.Runtime) {
	for _, shape := range []string{"circle", "square", "triangle"} {
		p.Define(rt, "megamorphic."+shape, vm.Op("area", vm.Op(shape)))
	}
	p.Define(rt, "megamorphic.main", vm.Op("loop 3",
		vm.Dispatch("megamorphic.circle"),
		vm.Dispatch("megamorphic.square"),
		vm.Dispatch("megamorphic.triangle"),
	))
	_ = p.SetEntry("megamorphic.main")
}

// buildBailout has a callee the compiler refuses.
func buildBailout(p *Program, rt *vm.Runtime) {
	native := p.Define(rt, "bailout.native", vm.Op(NoCompileLabel, vm.Op("syscall")))
	p.Define(rt, "bailout.main", vm.Op("main", vm.Call(native), vm.Op("ret")))
	_ = p.SetEntry("bailout.main")
}

// buildMixed combines every other program under one entry.
func buildMixed(p *Program, rt *vm.Runtime) {
	var entries []*vm.CallTarget
	names := slices.DeleteFunc(Builtins(), func(n string) bool { return n == "mixed" })
	for _, name := range names {
		builtins[name](p, rt)
		entries = append(entries, p.Entry())
	}
	kids := make([]*vm.Node, len(entries))
	for i, e := range entries {
		kids[i] = vm.Call(e)
	}
	p.Define(rt, "mixed.main", vm.Op("main", kids...))
	_ = p.SetEntry("mixed.main")
}
