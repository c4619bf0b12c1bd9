package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/tiered/manifest"
	"github.com/chazu/tiered/report"
	"github.com/chazu/tiered/vm"
	"github.com/chazu/tiered/workload"
)

type runFlags struct {
	iterations      int
	workers         int
	invalidateEvery int
	compileDelay    time.Duration
	table           bool
	shutdownTimeout time.Duration
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [workload]",
		Short: "Run a built-in workload (default: mixed)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "mixed"
			if len(args) == 1 {
				name = args[0]
			}
			m, err := g.loadManifest()
			if err != nil {
				return err
			}
			return runWorkload(cmd.Context(), cmd.OutOrStdout(), m, name, f)
		},
	}
	cmd.Flags().IntVarP(&f.iterations, "iterations", "n", 10000, "calls of the entry target")
	cmd.Flags().IntVar(&f.workers, "workers", 1, "concurrent callers")
	cmd.Flags().IntVar(&f.invalidateEvery, "invalidate-every", 0, "invalidate callees every N iterations (0 = never)")
	cmd.Flags().DurationVar(&f.compileDelay, "compile-delay", 0, "simulated compile time per target")
	cmd.Flags().BoolVar(&f.table, "table", false, "print the final statistics table")
	cmd.Flags().DurationVar(&f.shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for compiler shutdown and the final report")
	return cmd
}

func runWorkload(ctx context.Context, out io.Writer, m *manifest.Manifest, name string, f runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts, err := m.Options()
	if err != nil {
		return err
	}

	p := workload.NewProgram()
	compiler := workload.NewCompiler(p)
	compiler.Delay = f.compileDelay
	rt := vm.NewRuntime(opts, workload.NewEvaluator(p), compiler)

	closeReporters, err := addReporters(rt, m, out, f.table)
	if err != nil {
		shutdown(rt, f.shutdownTimeout)
		return err
	}
	defer closeReporters()

	if err := workload.Build(name, p, rt); err != nil {
		shutdown(rt, f.shutdownTimeout)
		return err
	}

	start := time.Now()
	res, runErr := p.Run(ctx, workload.RunOptions{
		Iterations:      f.iterations,
		Workers:         f.workers,
		InvalidateEvery: f.invalidateEvery,
	})
	elapsed := time.Since(start)

	stats := rt.Compiler().Stats()
	fmt.Fprintf(out, "run %s: %s, %d calls, %d work units, %d invalidations in %s\n",
		rt.ID(), name, res.Calls, res.Work, res.Invalidations, elapsed.Round(time.Microsecond))
	fmt.Fprintf(out, "compiler: %d submitted, %d installed, %d in flight\n",
		stats.Submitted, stats.Installed, stats.InFlight)

	return errors.Join(runErr, shutdown(rt, f.shutdownTimeout))
}

// addReporters attaches the reporters the manifest asks for. The returned
// func closes the ones holding resources and must run after Shutdown.
func addReporters(rt *vm.Runtime, m *manifest.Manifest, out io.Writer, table bool) (func(), error) {
	s := m.Statistics
	if s.Log {
		rt.AddReporter(report.NewLogReporter(""))
	}
	if table {
		rt.AddReporter(report.NewTableReporter(out))
	}
	if s.CBOR != "" {
		rt.AddReporter(report.NewCBORReporter(m.OutputPath(s.CBOR)))
	}
	if s.SQLite == "" {
		return func() {}, nil
	}
	db, err := report.OpenSQLite(m.OutputPath(s.SQLite))
	if err != nil {
		return nil, err
	}
	rt.AddReporter(db)
	return func() { db.Close() }, nil
}

func shutdown(rt *vm.Runtime, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return rt.Shutdown(ctx)
}
