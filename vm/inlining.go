package vm

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// InliningDecisionEngine makes at most one inlining decision per tuning
// cycle for a hot call target. Repeated hot cycles make repeated single-step
// decisions, so each step stays cheap and shows up in the trace on its own.
type InliningDecisionEngine struct {
	opts *Options
	tree TreeAccessor

	// Statistics
	cycles       atomic.Uint64 // Calls to TryInlineOne that found call sites
	inlined      atomic.Uint64
	callerAborts atomic.Uint64 // Cycles stopped by the caller size limit
	noneEligible atomic.Uint64
}

// RankedSite is a call site with the values the policy computed for it.
type RankedSite struct {
	CallSite
	Metric   float64
	Eligible bool

	order int
}

func newInliningDecisionEngine(opts *Options, tree TreeAccessor) *InliningDecisionEngine {
	return &InliningDecisionEngine{opts: opts, tree: tree}
}

// TryInlineOne inlines the most relevant eligible call site of t, if any.
// It returns true when t's tree was changed.
func (e *InliningDecisionEngine) TryInlineOne(t *CallTarget) bool {
	root := t.Root()
	sites := e.tree.FindCallSites(root)
	if len(sites) == 0 {
		return false
	}
	e.cycles.Add(1)

	callerCost := e.tree.CountNodes(root)
	callerCalls := t.profile.InterpreterCalls()
	ranked := e.Rank(sites, callerCost, callerCalls)

	if callerCost >= e.opts.MaxCallerNodeSize {
		e.callerAborts.Add(1)
		if e.opts.TraceInliningDetails {
			inlineLog.Debugf("inlining hit caller size limit (%3d >= %3d). %3d remaining call sites in %s",
				callerCost, e.opts.MaxCallerNodeSize, len(ranked), t.Name())
			e.traceSites(t, ranked, callerCost, callerCalls, "")
		}
		return false
	}

	for _, site := range ranked {
		if !site.Eligible {
			continue
		}
		if t.spliceInline(site.CallSite) {
			e.inlined.Add(1)
			if e.opts.TraceInlining {
				e.traceSite(t, site, callerCost, callerCalls, "inlined")
			}
			return true
		}
	}

	e.noneEligible.Add(1)
	if e.opts.TraceInliningDetails {
		inlineLog.Debugf("inlining stopped. %3d remaining call sites in %s", len(ranked), t.Name())
		e.traceSites(t, ranked, callerCost, callerCalls, "")
	}
	return false
}

// Eligible reports whether site may be inlined into a caller of callerCost
// nodes.
func (e *InliningDecisionEngine) Eligible(site CallSite, callerCost int) bool {
	if site.Kind != CallSiteDirect || site.Callee == nil {
		return false
	}
	return site.InlineNodeCost <= e.opts.MaxCalleeNodeSize &&
		callerCost+site.InlineNodeCost <= e.opts.MaxCallerNodeSize &&
		site.CallCount > 0 &&
		site.RecursionDepth < e.opts.MaxInlineRecursionDepth
}

// Metric returns the relevance of a call site: calls per inlined node plus
// the site's call frequency relative to the caller.
func Metric(site CallSite, callerCalls int64) float64 {
	cost := site.InlineNodeCost
	if cost < 1 {
		cost = 1
	}
	if callerCalls < 1 {
		callerCalls = 1
	}
	calls := float64(site.CallCount)
	return calls/float64(cost) + calls/float64(callerCalls)
}

// Rank orders all sites by descending metric. Ties keep discovery order.
func (e *InliningDecisionEngine) Rank(sites []CallSite, callerCost int, callerCalls int64) []RankedSite {
	ranked := make([]RankedSite, len(sites))
	for i, s := range sites {
		ranked[i] = RankedSite{
			CallSite: s,
			Metric:   Metric(s, callerCalls),
			Eligible: e.Eligible(s, callerCost),
			order:    i,
		}
	}
	slices.SortStableFunc(ranked, func(a, b RankedSite) int {
		switch {
		case a.Metric > b.Metric:
			return -1
		case a.Metric < b.Metric:
			return 1
		}
		return a.order - b.order
	})
	return ranked
}

func (e *InliningDecisionEngine) traceSites(t *CallTarget, ranked []RankedSite, callerCost int, callerCalls int64, msg string) {
	for _, site := range ranked {
		e.traceSite(t, site, callerCost, callerCalls, msg)
	}
}

func (e *InliningDecisionEngine) traceSite(t *CallTarget, site RankedSite, callerCost int, callerCalls int64, msg string) {
	calls := fmt.Sprintf("%4d/%4d", site.CallCount, callerCalls)
	nodes := fmt.Sprintf("%3d/%3d", site.InlineNodeCost, callerCost)
	inlineLog.Debugf("%-9s %-40s |Nodes %8s |Calls %10s %7.3f |into %s",
		msg, site.CallSite.String(), nodes, calls, site.Metric, t.Name())
}

// InliningStats holds inlining statistics.
type InliningStats struct {
	Cycles       uint64
	Inlined      uint64
	CallerAborts uint64
	NoneEligible uint64
}

// Stats returns inlining statistics.
func (e *InliningDecisionEngine) Stats() InliningStats {
	return InliningStats{
		Cycles:       e.cycles.Load(),
		Inlined:      e.inlined.Load(),
		CallerAborts: e.callerAborts.Load(),
		NoneEligible: e.noneEligible.Load(),
	}
}
