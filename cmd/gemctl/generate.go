package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/usage"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

type generateOptions struct {
	images      []string
	fileURI     string
	fileMIME    string
	search      bool
	system      string
	temperature float64
	maxTokens   int
}

func newGenerateCmd(a *app) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate <prompt>...",
		Short: "Send one prompt, optionally with images or an uploaded file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGenerate(cmd, strings.Join(args, " "), opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&opts.images, "image", "i", nil, "image file to attach (repeatable)")
	f.StringVar(&opts.fileURI, "file-uri", "", "URI of a file returned by 'gemctl upload'")
	f.StringVar(&opts.fileMIME, "file-mime", "", "MIME type of --file-uri")
	f.BoolVar(&opts.search, "search", false, "let the model use Google Search")
	f.StringVar(&opts.system, "system", "", "system instruction")
	f.Float64Var(&opts.temperature, "temperature", -1, "sampling temperature (negative leaves the model default)")
	f.IntVar(&opts.maxTokens, "max-tokens", 0, "maximum output tokens (0 leaves the model default)")
	return cmd
}

func (a *app) runGenerate(cmd *cobra.Command, prompt string, opts generateOptions) error {
	ctx := cmd.Context()
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if opts.fileURI != "" && opts.fileMIME == "" {
		return fmt.Errorf("--file-mime is required with --file-uri")
	}

	cred, err := a.credential(ctx, toolGenerate)
	if err != nil {
		return err
	}
	model, err := a.model(ctx, toolGenerate)
	if err != nil {
		return err
	}

	parts := []gemini.Part{{Text: prompt}}
	for _, path := range opts.images {
		blob, err := readBlob(path)
		if err != nil {
			return err
		}
		parts = append(parts, gemini.Part{InlineData: blob})
	}
	if opts.fileURI != "" {
		parts = append(parts, gemini.Part{FileData: &gemini.FileData{FileURI: opts.fileURI, MIMEType: opts.fileMIME}})
	}

	req := &gemini.GenerateContentRequest{
		Contents:          []gemini.Content{{Role: models.RoleUser, Parts: parts}},
		SystemInstruction: systemContent(opts.system),
		GenerationConfig:  &gemini.GenerationConfig{MaxOutputTokens: opts.maxTokens},
	}
	if opts.temperature >= 0 {
		t := opts.temperature
		req.GenerationConfig.Temperature = &t
	}
	if opts.search {
		req.Tools = []gemini.Tool{{GoogleSearch: &gemini.GoogleSearch{}}}
	}

	gen, err := a.generate(ctx, toolGenerate, cred, model, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, gen.Text)
	return nil
}

// generate performs one call and records its usage for tool.
func (a *app) generate(ctx context.Context, tool, cred, model string, req *gemini.GenerateContentRequest) (gemini.Generated, error) {
	resp, err := a.api.GenerateContent(ctx, cred, model, req)
	if err != nil {
		return gemini.Generated{}, err
	}
	gen, err := gemini.ExtractGenerated(resp)
	if err != nil {
		return gemini.Generated{}, err
	}

	u := usage.ForText(model, int64(gen.Usage.PromptTokenCount), int64(gen.Usage.OutputTokens()))
	totals, err := a.recordUsage(ctx, tool, u)
	if err != nil {
		return gemini.Generated{}, err
	}
	a.printUsage(u, totals)
	return gen, nil
}

func systemContent(text string) *gemini.Content {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	c := gemini.TextContent("", text)
	return &c
}

func readBlob(path string) (*gemini.Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return gemini.InlineBlob(detectMIME(path, data), data), nil
}

// mediaTypes covers formats the API accepts that the host's mime table
// may not know.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mpeg": "video/mpeg",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".heic": "image/heic",
}

// detectMIME trusts the extension first and sniffs the content otherwise.
func detectMIME(path string, head []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	t := mediaTypes[ext]
	if t == "" {
		t = mime.TypeByExtension(ext)
	}
	if t == "" {
		t = http.DetectContentType(head)
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}
