package handler

import (
	"io"
	"net/http"

	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
)

type messageRequest struct {
	Text string `json:"text"`
}

type respondRequest struct {
	Speaker string `json:"speaker"`
}

type turnRequest struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// NewSendMessageHandler serves POST /api/v1/sessions/{sessionID}/messages.
func NewSendMessageHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req messageRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		reply, err := svc.Send(r.Context(), tenantID, sessionID, req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, reply)
	}
}

// NewRegenerateHandler serves POST /api/v1/sessions/{sessionID}/regenerate.
func NewRegenerateHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		reply, err := svc.Regenerate(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, reply)
	}
}

// NewRespondHandler serves POST /api/v1/sessions/{sessionID}/respond.
func NewRespondHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req respondRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		reply, err := svc.RespondAs(r.Context(), tenantID, sessionID, req.Speaker)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, reply)
	}
}

// NewAddTurnHandler serves POST /api/v1/sessions/{sessionID}/turns.
func NewAddTurnHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req turnRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		turn, err := svc.AddTurn(r.Context(), tenantID, sessionID, req.Speaker, req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, turn)
	}
}

// NewRemoveLastTurnHandler serves DELETE /api/v1/sessions/{sessionID}/turns/last.
func NewRemoveLastTurnHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		turn, err := svc.RemoveLastTurn(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, turn)
	}
}

// NewHistoryHandler serves GET /api/v1/sessions/{sessionID}/history.
func NewHistoryHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		turns, err := svc.History(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, turns)
	}
}

// NewClearHistoryHandler serves DELETE /api/v1/sessions/{sessionID}/history.
func NewClearHistoryHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		if err := svc.ClearHistory(r.Context(), tenantID, sessionID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewCleanSignaturesHandler serves
// DELETE /api/v1/sessions/{sessionID}/signatures?scope=last|all.
func NewCleanSignaturesHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}

		var all bool
		switch r.URL.Query().Get("scope") {
		case "", "last":
		case "all":
			all = true
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "scope must be last or all", nil)
			return
		}

		n, err := svc.CleanSignatures(r.Context(), tenantID, sessionID, all)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]int{"cleared": n})
	}
}

// NewExportHistoryHandler serves GET /api/v1/sessions/{sessionID}/history/export.
func NewExportHistoryHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		doc, err := svc.ExportHistory(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, doc)
	}
}

// NewImportHistoryHandler serves POST /api/v1/sessions/{sessionID}/history/import.
// The body is an exported document, in the current or an older layout.
func NewImportHistoryHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Request body too large", nil)
			return
		}
		doc, err := studio.DecodeHistory(data)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := svc.ImportHistory(r.Context(), tenantID, sessionID, doc); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
