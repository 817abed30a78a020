package handler

import (
	"net/http"

	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
)

type moveRequest struct {
	Move string `json:"move"`
}

type paragraphRequest struct {
	Prompt string `json:"prompt"`
}

type novelRequest struct {
	Chapters int    `json:"chapters"`
	Language string `json:"language"`
	Idea     string `json:"idea"`
	Search   bool   `json:"search"`
	Model    string `json:"model"`
}

// NewPlayMoveHandler serves POST /api/v1/sessions/{sessionID}/adventure/moves.
func NewPlayMoveHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req moveRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		turn, err := svc.PlayMove(r.Context(), tenantID, sessionID, req.Move)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, turn)
	}
}

// NewUndoMoveHandler serves DELETE /api/v1/sessions/{sessionID}/adventure/moves/last.
func NewUndoMoveHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		n, err := svc.UndoMove(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]int{"removed": n})
	}
}

// NewAdventureHandler serves GET /api/v1/sessions/{sessionID}/adventure.
func NewAdventureHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		state, err := svc.Adventure(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, state)
	}
}

// NewContinueStoryHandler serves POST /api/v1/sessions/{sessionID}/story/paragraphs.
// An empty body reuses the previous prompt.
func NewContinueStoryHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req paragraphRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}
		p, err := svc.ContinueStory(r.Context(), tenantID, sessionID, req.Prompt)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, p)
	}
}

// NewStoryHandler serves GET /api/v1/sessions/{sessionID}/story.
func NewStoryHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		state, err := svc.Story(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, state)
	}
}

// NewSubmitNovelHandler serves POST /api/v1/sessions/{sessionID}/novels.
func NewSubmitNovelHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req novelRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		job, err := svc.SubmitNovel(r.Context(), tenantID, sessionID, studio.NovelParams{
			Chapters: req.Chapters,
			Language: req.Language,
			Idea:     req.Idea,
			Search:   req.Search,
			Model:    req.Model,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, newJobResponse(r, svc, job))
	}
}
