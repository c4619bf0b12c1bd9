// Package report contains the statistics reporters a vm.Runtime can be
// configured with: a commonlog table printer, a CBOR record file and a
// SQLite history database.
package report

import (
	"cmp"
	"slices"

	"github.com/chazu/tiered/vm"
)

// Record is the storage form of one vm.Report.
type Record struct {
	RunID   string         `cbor:"1,keyasint"`
	Taken   int64          `cbor:"2,keyasint"` // Unix nanoseconds
	Final   bool           `cbor:"3,keyasint,omitempty"`
	Targets []TargetRecord `cbor:"4,keyasint"`
	Compile CompileRecord  `cbor:"5,keyasint"`
	Inlined uint64         `cbor:"6,keyasint"`
}

// TargetRecord is the storage form of one vm.TargetStats.
type TargetRecord struct {
	ID               uint64 `cbor:"1,keyasint"`
	Name             string `cbor:"2,keyasint"`
	Calls            int64  `cbor:"3,keyasint"`
	CallsSinceReport int64  `cbor:"4,keyasint"`
	Nodes            int    `cbor:"5,keyasint"`
	Compiled         bool   `cbor:"6,keyasint"`
	Invalidations    int64  `cbor:"7,keyasint"`
	NodeReplaces     int64  `cbor:"8,keyasint"`
	State            string `cbor:"9,keyasint"`
	InlinedSites     int    `cbor:"10,keyasint"`
	CallSites        int    `cbor:"11,keyasint"`
}

// CompileRecord is the storage form of vm.CompileStats.
type CompileRecord struct {
	Submitted   uint64 `cbor:"1,keyasint"`
	Installed   uint64 `cbor:"2,keyasint"`
	Discarded   uint64 `cbor:"3,keyasint"`
	Bailouts    uint64 `cbor:"4,keyasint"`
	Failures    uint64 `cbor:"5,keyasint"`
	Dropped     uint64 `cbor:"6,keyasint"`
	Cancelled   uint64 `cbor:"7,keyasint"`
	CompileTime int64  `cbor:"8,keyasint"` // nanoseconds
}

// NewRecord converts a report.
func NewRecord(r vm.Report) Record {
	rec := Record{
		RunID:   r.RunID,
		Taken:   r.Taken.UnixNano(),
		Final:   r.Final,
		Targets: make([]TargetRecord, len(r.Targets)),
		Compile: CompileRecord{
			Submitted:   r.Compile.Submitted,
			Installed:   r.Compile.Installed,
			Discarded:   r.Compile.Discarded,
			Bailouts:    r.Compile.Bailouts,
			Failures:    r.Compile.Failures,
			Dropped:     r.Compile.Dropped,
			Cancelled:   r.Compile.Cancelled,
			CompileTime: int64(r.Compile.CompileTime),
		},
		Inlined: r.Inlining.Inlined,
	}
	for i, t := range r.Targets {
		rec.Targets[i] = TargetRecord{
			ID:               t.ID,
			Name:             t.Name,
			Calls:            t.CallCount,
			CallsSinceReport: t.CallsSinceReport,
			Nodes:            t.NodeCount,
			Compiled:         t.Compiled,
			Invalidations:    t.InvalidationCount,
			NodeReplaces:     t.NodeReplaceCount,
			State:            t.State.String(),
			InlinedSites:     t.InlinedSites,
			CallSites:        t.CallSites,
		}
	}
	return rec
}

// byCallsDesc orders targets hottest first, ties by ID.
func byCallsDesc(targets []TargetRecord) []TargetRecord {
	sorted := slices.Clone(targets)
	slices.SortFunc(sorted, func(a, b TargetRecord) int {
		if c := cmp.Compare(b.Calls, a.Calls); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sorted
}
