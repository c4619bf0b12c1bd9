package report

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/tiered/vm"
)

// LogReporter prints the profiling table through a commonlog logger, one
// message per line.
type LogReporter struct {
	log commonlog.Logger
}

// NewLogReporter creates a reporter logging under name ("tiered.report" when
// empty).
func NewLogReporter(name string) *LogReporter {
	if name == "" {
		name = "tiered.report"
	}
	return &LogReporter{log: commonlog.GetLogger(name)}
}

func (l *LogReporter) Report(ctx context.Context, r vm.Report) error {
	var buf bytes.Buffer
	if err := WriteTable(&buf, r); err != nil {
		return err
	}
	kind := "periodic"
	if r.Final {
		kind = "final"
	}
	l.log.Noticef("%s statistics for run %s", kind, r.RunID)
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		l.log.Notice(sc.Text())
	}
	return sc.Err()
}

const (
	tableHeader = "%-40s | %-10s | %s / %s | %s\n"
	tableRow    = "%-40s | %10d | %18d | %11d | %10d%s\n"
)

// TableReporter writes the profiling table of final reports to a writer.
// Periodic reports are ignored.
type TableReporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewTableReporter creates a reporter writing to w.
func NewTableReporter(w io.Writer) *TableReporter {
	return &TableReporter{w: w}
}

func (t *TableReporter) Report(ctx context.Context, r vm.Report) error {
	if !r.Final {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return WriteTable(t.w, r)
}

// WriteTable writes the per-target profiling table: targets that were called,
// hottest first, with inlined and remaining call sites and node counts.
// Targets still running in the interpreter are marked "int".
func WriteTable(w io.Writer, r vm.Report) error {
	return WriteRecordTable(w, NewRecord(r))
}

// WriteRecordTable is WriteTable for a stored record.
func WriteRecordTable(w io.Writer, rec Record) error {
	var totalCalls int64
	var totalInlined, totalSites, totalNodes int

	if _, err := fmt.Fprintf(w, tableHeader, "Call Target", "Call Count", "Call Sites Inlined", "Not Inlined", "Node Count"); err != nil {
		return err
	}
	for _, t := range byCallsDesc(rec.Targets) {
		if t.Calls == 0 {
			continue
		}
		comment := ""
		if !t.Compiled {
			comment = " int"
		}
		if _, err := fmt.Fprintf(w, tableRow, t.Name, t.Calls, t.InlinedSites, t.CallSites, t.Nodes, comment); err != nil {
			return err
		}
		totalCalls += t.Calls
		totalInlined += t.InlinedSites
		totalSites += t.CallSites
		totalNodes += t.Nodes
	}
	_, err := fmt.Fprintf(w, tableRow, "Total", totalCalls, totalInlined, totalSites, totalNodes, "")
	if err != nil {
		return err
	}

	c := rec.Compile
	_, err = fmt.Fprintf(w, "compiled %d, bailouts %d, failures %d, discarded %d, dropped %d, inlined %d\n",
		c.Installed, c.Bailouts, c.Failures, c.Discarded, c.Dropped, rec.Inlined)
	return err
}
