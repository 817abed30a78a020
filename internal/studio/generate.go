package studio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/usage"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// Image is inline media attached to a prompt.
type Image struct {
	MIMEType string
	Data     []byte
}

// FileRef points at a previously uploaded file.
type FileRef struct {
	URI      string
	MIMEType string
}

type GenerateParams struct {
	Prompt          string
	Images          []Image
	Files           []FileRef
	Search          bool
	Temperature     *float64
	MaxOutputTokens int
}

// GenerateResult is one completed call. Usage is this call alone; Totals is
// the session accumulator after it.
type GenerateResult struct {
	Text             string             `json:"text"`
	ThoughtSignature string             `json:"thought_signature,omitempty"`
	FinishReason     string             `json:"finish_reason,omitempty"`
	Usage            models.Usage       `json:"usage"`
	Totals           models.UsageTotals `json:"totals"`
}

// Generate sends a single prompt, with optional media, and records usage.
func (s *Service) Generate(ctx context.Context, tenantID, sessionID uuid.UUID, p GenerateParams) (*GenerateResult, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, validationError("prompt is required")
	}
	for _, img := range p.Images {
		if img.MIMEType == "" || len(img.Data) == 0 {
			return nil, validationError("images need a MIME type and data")
		}
	}
	for _, f := range p.Files {
		if f.URI == "" {
			return nil, validationError("file references need a URI")
		}
	}

	sess, err := s.loadSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	parts := []gemini.Part{{Text: p.Prompt}}
	for _, img := range p.Images {
		parts = append(parts, gemini.Part{InlineData: gemini.InlineBlob(img.MIMEType, img.Data)})
	}
	for _, f := range p.Files {
		parts = append(parts, gemini.Part{FileData: &gemini.FileData{FileURI: f.URI, MIMEType: f.MIMEType}})
	}

	req := &gemini.GenerateContentRequest{
		Contents:          []gemini.Content{{Role: models.RoleUser, Parts: parts}},
		SystemInstruction: systemInstruction(sess),
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:     p.Temperature,
			MaxOutputTokens: p.MaxOutputTokens,
			ThinkingConfig:  gemini.ThinkingConfigFor(sess.Model, sess.ThinkingLevel, sess.ThinkingBudget),
		},
	}
	if p.Search {
		req.Tools = []gemini.Tool{{GoogleSearch: &gemini.GoogleSearch{}}}
	}

	return s.generate(ctx, sess, req)
}

// generate performs the call and records its usage. Recording runs detached
// from ctx so a response that arrived is never lost to a late cancel.
func (s *Service) generate(ctx context.Context, sess *models.Session, req *gemini.GenerateContentRequest) (*GenerateResult, error) {
	resp, err := s.api.GenerateContent(ctx, sess.Credential, sess.Model, req)
	if err != nil {
		return nil, upstreamError("generating content", err)
	}

	gen, err := gemini.ExtractGenerated(resp)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	u := usage.ForText(sess.Model, int64(gen.Usage.PromptTokenCount), int64(gen.Usage.OutputTokens()))
	totals, err := s.store.AddUsage(context.WithoutCancel(ctx), sess.ID, u)
	if err != nil {
		return nil, fmt.Errorf("recording usage: %w", err)
	}

	slog.Debug("generated content",
		"session_id", sess.ID,
		"model", sess.Model,
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens,
		"finish_reason", gen.FinishReason,
	)

	return &GenerateResult{
		Text:             gen.Text,
		ThoughtSignature: gen.ThoughtSignature,
		FinishReason:     gen.FinishReason,
		Usage:            u,
		Totals:           totals,
	}, nil
}

func systemInstruction(sess *models.Session) *gemini.Content {
	if strings.TrimSpace(sess.SystemInstruction) == "" {
		return nil
	}
	c := gemini.TextContent("", sess.SystemInstruction)
	return &c
}

// GetUsage returns the session's usage accumulator.
func (s *Service) GetUsage(ctx context.Context, tenantID, sessionID uuid.UUID) (models.UsageTotals, error) {
	if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
		return models.UsageTotals{}, err
	}
	return s.store.GetUsage(ctx, sessionID)
}

// ResetUsage zeroes the session's usage accumulator.
func (s *Service) ResetUsage(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
		return err
	}
	return s.store.ResetUsage(ctx, sessionID)
}
