package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const chatMaxOutputTokens = 5000

type chatOptions struct {
	system         string
	saveSignatures bool
	thinkingLevel  string
	thinkingBudget int
}

func newChatCmd(a *app) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a multi-turn conversation",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.system, "system", "", "set the system instruction for this conversation")
	pf.BoolVar(&opts.saveSignatures, "save-signatures", false, "keep thought signatures in the history")
	pf.StringVar(&opts.thinkingLevel, "thinking-level", "", "thinking level for gemini-3 models (minimal, low, medium, high)")
	pf.IntVar(&opts.thinkingBudget, "thinking-budget", 0, "thinking token budget for older models (-1 lets the model decide)")

	send := &cobra.Command{
		Use:   "send <message>...",
		Short: "Send a message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.chatSend(cmd, strings.Join(args, " "), opts)
		},
	}

	regenerate := &cobra.Command{
		Use:   "regenerate",
		Short: "Replace the last reply with a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.chatRegenerate(cmd, opts)
		},
	}

	var cleanAll bool
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove the latest thought signature, or all with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := a.loadChat(cmd.Context())
			if err != nil {
				return err
			}
			n := cleanSignatures(doc, cleanAll)
			if err := a.saveChat(cmd.Context(), doc); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "cleared %d thought signature(s)\n", n)
			return nil
		},
	}
	clean.Flags().BoolVar(&cleanAll, "all", false, "remove every thought signature")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the conversation and reset its usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := a.loadChat(cmd.Context())
			if err != nil {
				return err
			}
			doc.History = []studio.HistoryEntry{}
			if err := a.saveChat(cmd.Context(), doc); err != nil {
				return err
			}
			if err := a.resetUsage(cmd.Context(), toolChat); err != nil {
				return err
			}
			goodColor.Fprintln(a.out, "conversation cleared")
			return nil
		},
	}

	history := &cobra.Command{
		Use:   "history",
		Short: "Print the conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := a.loadChat(cmd.Context())
			if err != nil {
				return err
			}
			if doc.SystemInstruction != "" {
				faintColor.Fprintf(a.out, "system: %s\n", doc.SystemInstruction)
			}
			for _, e := range doc.History {
				headerColor.Fprintf(a.out, "%s:", e.Role)
				fmt.Fprintf(a.out, " %s\n", e.Text)
			}
			return nil
		},
	}

	var exportPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the conversation as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := a.loadChat(cmd.Context())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			if exportPath == "" || exportPath == "-" {
				_, err = fmt.Fprintln(a.out, string(data))
				return err
			}
			if err := os.WriteFile(exportPath, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", exportPath, err)
			}
			goodColor.Fprintf(a.out, "exported %d turn(s) to %s\n", len(doc.History), exportPath)
			return nil
		},
	}
	export.Flags().StringVarP(&exportPath, "out", "o", "", "output file (default stdout)")

	importCmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace the conversation with an exported JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			doc, err := studio.DecodeHistory(data)
			if err != nil {
				return err
			}
			for i, e := range doc.History {
				if e.Role != models.RoleUser && e.Role != models.RoleModel {
					return fmt.Errorf("history entry %d: role must be user or model", i+1)
				}
			}
			if err := a.saveChat(cmd.Context(), doc); err != nil {
				return err
			}
			goodColor.Fprintf(a.out, "imported %d turn(s)\n", len(doc.History))
			return nil
		},
	}

	cmd.AddCommand(send, regenerate, clean, clearCmd, history, export, importCmd)
	return cmd
}

func (a *app) chatSend(cmd *cobra.Command, text string, opts chatOptions) error {
	ctx := cmd.Context()
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is required")
	}

	doc, err := a.loadChat(ctx)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("system") {
		doc.SystemInstruction = opts.system
	}

	entries := append(append([]studio.HistoryEntry(nil), doc.History...), studio.HistoryEntry{Role: models.RoleUser, Text: text})
	return a.chatReply(cmd, doc, entries, opts)
}

func (a *app) chatRegenerate(cmd *cobra.Command, opts chatOptions) error {
	doc, err := a.loadChat(cmd.Context())
	if err != nil {
		return err
	}

	kept := doc.History
	if n := len(kept); n > 0 && kept[n-1].Role == models.RoleModel {
		kept = kept[:n-1]
	}
	if len(kept) == 0 || kept[len(kept)-1].Role != models.RoleUser {
		return fmt.Errorf("no user message to reply to")
	}
	return a.chatReply(cmd, doc, append([]studio.HistoryEntry(nil), kept...), opts)
}

// chatReply asks for the reply to entries and, on success only, stores
// entries plus the reply as the new history.
func (a *app) chatReply(cmd *cobra.Command, doc *studio.HistoryDocument, entries []studio.HistoryEntry, opts chatOptions) error {
	ctx := cmd.Context()

	cred, err := a.credential(ctx, toolChat)
	if err != nil {
		return err
	}
	model, err := a.model(ctx, toolChat)
	if err != nil {
		return err
	}

	var budget *int
	if cmd.Flags().Changed("thinking-budget") {
		budget = &opts.thinkingBudget
	}

	contents := make([]gemini.Content, 0, len(entries))
	for _, e := range entries {
		contents = append(contents, gemini.Content{
			Role:  e.Role,
			Parts: []gemini.Part{{Text: e.Text, ThoughtSignature: e.ThoughtSignature}},
		})
	}
	req := &gemini.GenerateContentRequest{
		Contents:          contents,
		SystemInstruction: systemContent(doc.SystemInstruction),
		GenerationConfig: &gemini.GenerationConfig{
			MaxOutputTokens: chatMaxOutputTokens,
			ThinkingConfig:  gemini.ThinkingConfigFor(model, opts.thinkingLevel, budget),
		},
	}

	gen, err := a.generate(ctx, toolChat, cred, model, req)
	if err != nil {
		return err
	}

	reply := studio.HistoryEntry{Role: models.RoleModel, Text: gen.Text}
	if opts.saveSignatures {
		reply.ThoughtSignature = gen.ThoughtSignature
	}
	doc.History = append(entries, reply)
	if err := a.saveChat(ctx, doc); err != nil {
		return err
	}

	fmt.Fprintln(a.out, gen.Text)
	return nil
}

func (a *app) loadChat(ctx context.Context) (*studio.HistoryDocument, error) {
	doc := &studio.HistoryDocument{}
	if _, err := a.view(toolChat).GetJSON(ctx, "history", doc); err != nil {
		return nil, err
	}
	if doc.History == nil {
		doc.History = []studio.HistoryEntry{}
	}
	return doc, nil
}

// saveChat outlives ctx so a reply that arrived is never lost to a late
// Ctrl-C.
func (a *app) saveChat(ctx context.Context, doc *studio.HistoryDocument) error {
	return a.view(toolChat).PutJSON(context.WithoutCancel(ctx), "history", doc)
}

// cleanSignatures clears the most recent signature, or every one, and
// reports how many entries changed.
func cleanSignatures(doc *studio.HistoryDocument, all bool) int {
	n := 0
	for i := len(doc.History) - 1; i >= 0; i-- {
		if doc.History[i].ThoughtSignature == "" {
			continue
		}
		doc.History[i].ThoughtSignature = ""
		n++
		if !all {
			break
		}
	}
	return n
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
