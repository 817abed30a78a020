package handler

import (
	"net/http"

	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

type sessionRequest struct {
	Kind                 string   `json:"kind"`
	Model                string   `json:"model"`
	Credential           string   `json:"credential"`
	SystemInstruction    string   `json:"system_instruction"`
	SaveThoughtSignature bool     `json:"save_thought_signature"`
	ThinkingLevel        string   `json:"thinking_level"`
	ThinkingBudget       *int     `json:"thinking_budget"`
	UserName             string   `json:"user_name"`
	Roles                []string `json:"roles"`
}

type sessionPatch struct {
	Model                *string   `json:"model"`
	Credential           *string   `json:"credential"`
	SystemInstruction    *string   `json:"system_instruction"`
	SaveThoughtSignature *bool     `json:"save_thought_signature"`
	ThinkingLevel        *string   `json:"thinking_level"`
	ThinkingBudget       *int      `json:"thinking_budget"`
	ClearThinkingBudget  bool      `json:"clear_thinking_budget"`
	UserName             *string   `json:"user_name"`
	Roles                *[]string `json:"roles"`
}

// sessionResponse never carries the credential, only whether one is set.
type sessionResponse struct {
	*models.Session
	HasCredential bool `json:"has_credential"`
}

func newSessionResponse(sess *models.Session) sessionResponse {
	return sessionResponse{Session: sess, HasCredential: sess.HasCredential()}
}

// NewCreateSessionHandler serves POST /api/v1/sessions.
func NewCreateSessionHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenant(w, r)
		if !ok {
			return
		}
		var req sessionRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		sess, err := svc.CreateSession(r.Context(), studio.CreateSessionParams{
			TenantID:             tenantID,
			Kind:                 req.Kind,
			Model:                req.Model,
			Credential:           req.Credential,
			SystemInstruction:    req.SystemInstruction,
			SaveThoughtSignature: req.SaveThoughtSignature,
			ThinkingLevel:        req.ThinkingLevel,
			ThinkingBudget:       req.ThinkingBudget,
			UserName:             req.UserName,
			Roles:                req.Roles,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, newSessionResponse(sess))
	}
}

// NewGetSessionHandler serves GET /api/v1/sessions/{sessionID}.
func NewGetSessionHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		sess, err := svc.GetSession(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newSessionResponse(sess))
	}
}

// NewUpdateSessionHandler serves PATCH /api/v1/sessions/{sessionID}.
func NewUpdateSessionHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req sessionPatch
		if !decodeJSON(w, r, &req, false) {
			return
		}

		sess, err := svc.UpdateSession(r.Context(), tenantID, sessionID, studio.UpdateSessionParams{
			Model:                req.Model,
			Credential:           req.Credential,
			SystemInstruction:    req.SystemInstruction,
			SaveThoughtSignature: req.SaveThoughtSignature,
			ThinkingLevel:        req.ThinkingLevel,
			ThinkingBudget:       req.ThinkingBudget,
			ClearThinkingBudget:  req.ClearThinkingBudget,
			UserName:             req.UserName,
			Roles:                req.Roles,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newSessionResponse(sess))
	}
}

// NewDeleteSessionHandler serves DELETE /api/v1/sessions/{sessionID}.
func NewDeleteSessionHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		if err := svc.DeleteSession(r.Context(), tenantID, sessionID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
