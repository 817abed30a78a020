package handler

import (
	"net/http"

	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
)

// inlineMedia is base64 data in JSON, which encoding/json maps to []byte.
type inlineMedia struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type fileRef struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
}

type generateRequest struct {
	Prompt          string        `json:"prompt"`
	Images          []inlineMedia `json:"images"`
	Files           []fileRef     `json:"files"`
	Search          bool          `json:"search"`
	Temperature     *float64      `json:"temperature"`
	MaxOutputTokens int           `json:"max_output_tokens"`
}

// NewGenerateHandler serves POST /api/v1/sessions/{sessionID}/generate.
func NewGenerateHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req generateRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		p := studio.GenerateParams{
			Prompt:          req.Prompt,
			Search:          req.Search,
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		}
		for _, img := range req.Images {
			p.Images = append(p.Images, studio.Image{MIMEType: img.MIMEType, Data: img.Data})
		}
		for _, f := range req.Files {
			p.Files = append(p.Files, studio.FileRef{URI: f.URI, MIMEType: f.MIMEType})
		}

		res, err := svc.Generate(r.Context(), tenantID, sessionID, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewGetUsageHandler serves GET /api/v1/sessions/{sessionID}/usage.
func NewGetUsageHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		totals, err := svc.GetUsage(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, totals)
	}
}

// NewResetUsageHandler serves DELETE /api/v1/sessions/{sessionID}/usage.
func NewResetUsageHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		if err := svc.ResetUsage(r.Context(), tenantID, sessionID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
