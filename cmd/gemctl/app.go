package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/gemstudio/internal/config"
	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/localstore"
	"github.com/kiranshivaraju/gemstudio/internal/usage"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	faintColor  = color.New(color.Faint)
)

// Each command family keeps its state under its own prefix. Credentials and
// models set without a tool land under "default".
const (
	toolDefault  = "default"
	toolGenerate = "generate"
	toolChat     = "chat"
	toolBatch    = "batch"
	toolVideo    = "video"
	toolUpload   = "upload"
)

var allTools = []string{toolGenerate, toolChat, toolBatch, toolVideo, toolUpload}

// credentialEnv is consulted when no credential was stored.
const credentialEnv = "GEMINI_API_KEY"

// app holds what every command needs. Tests fill cfg, store and api before
// running a command; otherwise setup builds them from the config file.
type app struct {
	cfgPath string
	debug   bool
	noColor bool

	cfg   *config.CLIConfig
	store *localstore.Store
	api   gemini.API

	out    io.Writer
	errOut io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "gemctl",
		Short: "gemctl talks to the Gemini API from the terminal",
		Long: `gemctl generates text, chats, runs batches, renders videos and uploads
media against the Gemini API. State is kept in a local sqlite file.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default is $HOME/.gemstudio/config.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newKeyCmd(a),
		newModelCmd(a),
		newGenerateCmd(a),
		newChatCmd(a),
		newBatchCmd(a),
		newVideoCmd(a),
		newUploadCmd(a),
		newUsageCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if a.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level})))

	if a.noColor {
		color.NoColor = true
	}

	if a.cfg == nil {
		path := a.cfgPath
		if path == "" {
			dir, err := config.DefaultCLIDir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "config.yaml")
		}
		cfg, err := config.LoadCLI(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
	}

	if a.store == nil {
		st, err := localstore.Open(a.cfg.DBPath)
		if err != nil {
			return err
		}
		a.store = st
	}

	if a.api == nil {
		a.api = gemini.NewHTTPClient(a.cfg.Gemini())
	}

	slog.Debug("gemctl ready", "command", cmd.CommandPath(), "db_path", a.cfg.DBPath, "base_url", a.cfg.BaseURL)
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing local store", "error", err)
		}
	}
}

func (a *app) view(tool string) *localstore.View {
	return a.store.Prefixed(tool)
}

// credential returns the tool's key, then the default key, then the
// environment.
func (a *app) credential(ctx context.Context, tool string) (string, error) {
	for _, t := range []string{tool, toolDefault} {
		v, ok, err := a.view(t).Get(ctx, "credential")
		if err != nil {
			return "", err
		}
		if ok && v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(os.Getenv(credentialEnv)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("API credential is not set; run 'gemctl key set' or export %s", credentialEnv)
}

// model returns the tool's model, then the default model, then the config.
func (a *app) model(ctx context.Context, tool string) (string, error) {
	// Video models never fall back to the default text model.
	tools := []string{tool, toolDefault}
	if tool == toolVideo {
		tools = tools[:1]
	}
	for _, t := range tools {
		v, ok, err := a.view(t).Get(ctx, "model")
		if err != nil {
			return "", err
		}
		if ok && v != "" {
			return v, nil
		}
	}
	if tool == toolVideo {
		return a.cfg.VideoModel, nil
	}
	return a.cfg.Model, nil
}

func (a *app) usageTotals(ctx context.Context, tool string) (models.UsageTotals, error) {
	var totals models.UsageTotals
	if _, err := a.view(tool).GetJSON(ctx, "usage", &totals); err != nil {
		return models.UsageTotals{}, err
	}
	return totals, nil
}

// recordUsage adds u to the tool's persisted totals.
func (a *app) recordUsage(ctx context.Context, tool string, u models.Usage) (models.UsageTotals, error) {
	totals, err := a.usageTotals(ctx, tool)
	if err != nil {
		return models.UsageTotals{}, err
	}
	acc := usage.NewAccumulator(totals)
	totals = acc.Add(u)
	if err := a.view(tool).PutJSON(context.WithoutCancel(ctx), "usage", totals); err != nil {
		return models.UsageTotals{}, err
	}
	return totals, nil
}

func (a *app) resetUsage(ctx context.Context, tool string) error {
	acc := usage.NewAccumulator(models.UsageTotals{})
	acc.Reset()
	return a.view(tool).PutJSON(ctx, "usage", acc.Totals())
}

func (a *app) printUsage(u models.Usage, totals models.UsageTotals) {
	faintColor.Fprintf(a.errOut, "tokens in %d, out %d, cost $%.4f | session in %d, out %d, cost $%.4f\n",
		u.InputTokens, u.OutputTokens, u.Cost,
		totals.Total.InputTokens, totals.Total.OutputTokens, totals.Total.Cost)
}
