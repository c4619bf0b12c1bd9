package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := g.loadManifest()
			if err != nil {
				return err
			}
			data, err := m.Encode()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path := m.Path(); path != "" {
				fmt.Fprintf(out, "# %s\n", path)
			} else {
				fmt.Fprintln(out, "# defaults")
			}
			_, err = out.Write(data)
			return err
		},
	}
}
