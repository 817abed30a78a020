package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
)

// toolFlag is a --tool value restricted to the known command families.
type toolFlag string

var _ pflag.Value = (*toolFlag)(nil)

func (t *toolFlag) String() string { return string(*t) }

func (t *toolFlag) Set(v string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	if v != toolDefault && !slices.Contains(allTools, v) {
		return fmt.Errorf("must be one of %s, %s", toolDefault, strings.Join(allTools, ", "))
	}
	*t = toolFlag(v)
	return nil
}

func (t *toolFlag) Type() string { return "tool" }

func newKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the stored API credential",
	}

	tool := toolFlag(toolDefault)
	set := &cobra.Command{
		Use:   "set <api-key>",
		Short: "Store the API credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if key == "" {
				return fmt.Errorf("API key must not be empty")
			}
			if err := a.view(string(tool)).Put(cmd.Context(), "credential", key); err != nil {
				return err
			}
			goodColor.Fprintf(a.out, "API key saved for %s\n", tool)
			return nil
		},
	}
	set.Flags().Var(&tool, "tool", "command family the key applies to")

	unset := &cobra.Command{
		Use:   "clear",
		Short: "Forget the stored API credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.view(string(tool)).Delete(cmd.Context(), "credential"); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "API key removed for %s\n", tool)
			return nil
		},
	}
	unset.Flags().Var(&tool, "tool", "command family the key applies to")

	cmd.AddCommand(set, unset)
	return cmd
}

func newModelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Choose the model each command uses",
	}

	tool := toolFlag(toolDefault)
	set := &cobra.Command{
		Use:   "set <model>",
		Short: "Store the model name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := gemini.TrimModelPrefix(strings.TrimSpace(args[0]))
			if model == "" {
				return fmt.Errorf("model must not be empty")
			}
			if err := a.view(string(tool)).Put(cmd.Context(), "model", model); err != nil {
				return err
			}
			goodColor.Fprintf(a.out, "model for %s set to %s\n", tool, model)
			return nil
		},
	}
	set.Flags().Var(&tool, "tool", "command family the model applies to")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the model each command family uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, t := range allTools {
				m, err := a.model(cmd.Context(), t)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%-9s %s\n", t, m)
			}
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}
