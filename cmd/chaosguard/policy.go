package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/njchilds90/chaosguard/policyfile"
)

func policyCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the effective policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective policy as a self-contained YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.loadPolicy()
			if err != nil {
				return err
			}
			data, err := policyfile.Dump(p)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rules",
		Short: "List the effective rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.loadPolicy()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tVALUE")
			for _, r := range p.Rules() {
				value := r.Value
				if r.Limit > 0 {
					value = fmt.Sprint(r.Limit)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Kind, value)
			}
			return tw.Flush()
		},
	})
	return cmd
}
