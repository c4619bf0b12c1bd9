// Tiered CLI - runs built-in workloads on the tiered execution engine and
// inspects the statistics they leave behind.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tiered/manifest"
)

// Version is set at build time.
var Version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configDir string
	verbose   int
	quiet     bool
	logFile   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "tiered",
		Short: "Tiered call-target execution engine",
		Long: `tiered drives the tiered execution engine: call targets start in the
interpreter, are profiled, get call sites inlined and are compiled in the
background once hot.`,
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			verbosity := g.verbose
			if g.quiet {
				verbosity = -4
			}
			commonlog.Initialize(verbosity, g.logFile)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.configDir, "config", "", "directory containing "+manifest.FileName+" (default: search upward from .)")
	root.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "more logging (repeat for debug)")
	root.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "no logging")
	root.PersistentFlags().StringVar(&g.logFile, "log", "", "log to a file instead of stderr")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newConfigCmd(g))
	root.AddCommand(newStatsCmd(g))
	root.AddCommand(newWorkloadsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadManifest loads --config, or the nearest tiered.toml, or the defaults.
func (g *globalFlags) loadManifest() (*manifest.Manifest, error) {
	if g.configDir != "" {
		return manifest.Load(g.configDir)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}
