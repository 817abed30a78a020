package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUsageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show or reset token and cost totals",
	}

	var tool toolFlag
	show := &cobra.Command{
		Use:   "show",
		Short: "Print totals per command family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools := allTools
			if tool != "" {
				tools = []string{string(tool)}
			}

			headerColor.Fprintf(a.out, "%-9s  %12s  %12s  %6s  %10s\n", "TOOL", "INPUT", "OUTPUT", "CALLS", "COST")
			var cost float64
			for _, t := range tools {
				totals, err := a.usageTotals(cmd.Context(), t)
				if err != nil {
					return err
				}
				cost += totals.Total.Cost
				fmt.Fprintf(a.out, "%-9s  %12d  %12d  %6d  %10s\n",
					t, totals.Total.InputTokens, totals.Total.OutputTokens, totals.Calls, fmt.Sprintf("$%.4f", totals.Total.Cost))
			}
			if len(tools) > 1 {
				headerColor.Fprintf(a.out, "%-9s  %12s  %12s  %6s  %10s\n", "total", "", "", "", fmt.Sprintf("$%.4f", cost))
			}
			return nil
		},
	}
	show.Flags().Var(&tool, "tool", "only this command family")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Zero the totals of one command family, or all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools := allTools
			if tool != "" {
				tools = []string{string(tool)}
			}
			for _, t := range tools {
				if err := a.resetUsage(cmd.Context(), t); err != nil {
					return err
				}
			}
			goodColor.Fprintln(a.out, "usage reset")
			return nil
		},
	}
	reset.Flags().Var(&tool, "tool", "only this command family")

	cmd.AddCommand(show, reset)
	return cmd
}
