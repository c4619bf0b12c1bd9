package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chazu/tiered/report"
	"github.com/chazu/tiered/workload"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	var dbPath, cborPath string
	cmd := &cobra.Command{
		Use:   "stats [run-id]",
		Short: "Show recorded statistics",
		Long: `Without arguments, lists the runs stored in the statistics database.
With a run id, prints the table of that run's latest report. With --cbor,
prints the table of the last record in a CBOR statistics file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if cborPath != "" {
				records, err := report.ReadCBOR(cborPath)
				if len(records) == 0 {
					if err == nil {
						err = fmt.Errorf("%s holds no records", cborPath)
					}
					return err
				}
				return report.WriteRecordTable(out, records[len(records)-1])
			}

			if dbPath == "" {
				m, err := g.loadManifest()
				if err != nil {
					return err
				}
				dbPath = m.OutputPath(m.Statistics.SQLite)
			}
			if dbPath == "" {
				return fmt.Errorf("no statistics database: pass --db or set statistics.sqlite")
			}
			db, err := report.OpenSQLite(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if len(args) == 1 {
				rec, err := db.LatestRecord(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return report.WriteRecordTable(out, *rec)
			}

			runs, err := db.Runs(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tREPORTS\tLAST\tFINAL")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%v\n", r.RunID, r.Reports, r.Last.Format("2006-01-02 15:04:05"), r.Final)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "statistics database (default: statistics.sqlite)")
	cmd.Flags().StringVar(&cborPath, "cbor", "", "read a CBOR statistics file instead")
	return cmd
}

func newWorkloadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workloads",
		Short: "List the built-in workloads",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(workload.Builtins(), "\n"))
		},
	}
}
