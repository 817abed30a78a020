// Package handler holds the HTTP handlers. Each constructor takes the
// narrow interface it needs and returns an http.HandlerFunc.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/gemstudio/internal/api/middleware"
	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// maxJSONBody bounds request bodies other than uploads. Inline images and
// imported histories are the largest.
const maxJSONBody = 32 << 20

// Studio is the application service the handlers drive.
type Studio interface {
	CreateSession(ctx context.Context, p studio.CreateSessionParams) (*models.Session, error)
	GetSession(ctx context.Context, tenantID, id uuid.UUID) (*models.Session, error)
	UpdateSession(ctx context.Context, tenantID, id uuid.UUID, p studio.UpdateSessionParams) (*models.Session, error)
	DeleteSession(ctx context.Context, tenantID, id uuid.UUID) error

	Generate(ctx context.Context, tenantID, sessionID uuid.UUID, p studio.GenerateParams) (*studio.GenerateResult, error)
	GetUsage(ctx context.Context, tenantID, sessionID uuid.UUID) (models.UsageTotals, error)
	ResetUsage(ctx context.Context, tenantID, sessionID uuid.UUID) error

	Send(ctx context.Context, tenantID, sessionID uuid.UUID, text string) (*studio.ChatReply, error)
	Regenerate(ctx context.Context, tenantID, sessionID uuid.UUID) (*studio.ChatReply, error)
	RespondAs(ctx context.Context, tenantID, sessionID uuid.UUID, speaker string) (*studio.ChatReply, error)
	AddTurn(ctx context.Context, tenantID, sessionID uuid.UUID, speaker, text string) (*models.Turn, error)
	RemoveLastTurn(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.Turn, error)
	History(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*models.Turn, error)
	CleanSignatures(ctx context.Context, tenantID, sessionID uuid.UUID, all bool) (int, error)
	ClearHistory(ctx context.Context, tenantID, sessionID uuid.UUID) error
	ExportHistory(ctx context.Context, tenantID, sessionID uuid.UUID) (*studio.HistoryDocument, error)
	ImportHistory(ctx context.Context, tenantID, sessionID uuid.UUID, doc *studio.HistoryDocument) error

	PlayMove(ctx context.Context, tenantID, sessionID uuid.UUID, move string) (*studio.AdventureTurn, error)
	UndoMove(ctx context.Context, tenantID, sessionID uuid.UUID) (int, error)
	Adventure(ctx context.Context, tenantID, sessionID uuid.UUID) (*studio.AdventureState, error)
	ContinueStory(ctx context.Context, tenantID, sessionID uuid.UUID, next string) (*studio.StoryParagraph, error)
	Story(ctx context.Context, tenantID, sessionID uuid.UUID) (*studio.StoryState, error)

	UploadFile(ctx context.Context, tenantID, sessionID uuid.UUID, p studio.UploadParams) (*models.Job, error)
	SubmitBatch(ctx context.Context, tenantID, sessionID uuid.UUID, p studio.BatchParams) (*models.Job, error)
	SubmitNovel(ctx context.Context, tenantID, sessionID uuid.UUID, n studio.NovelParams) (*models.Job, error)
	SubmitVideo(ctx context.Context, tenantID, sessionID uuid.UUID, p studio.VideoParams) (*models.Job, error)
	RecoverVideo(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*models.Job, error)
	GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error)
	RemoteState(ctx context.Context, jobID uuid.UUID) string
	IsPolling(jobID uuid.UUID) bool
	Wait(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error)
	CancelPoll(ctx context.Context, tenantID, jobID uuid.UUID) error
	ResumeJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error)
	DownloadVideo(ctx context.Context, tenantID, jobID uuid.UUID, index int, w io.Writer) (int64, error)
}

var _ Studio = (*studio.Service)(nil)

// tenant returns the caller's tenant or writes a 401.
func tenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
	}
	return id, ok
}

// pathID parses a UUID URL parameter or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid "+name+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// sessionScope resolves the tenant and the {sessionID} parameter.
func sessionScope(w http.ResponseWriter, r *http.Request) (tenantID, sessionID uuid.UUID, ok bool) {
	if tenantID, ok = tenant(w, r); !ok {
		return
	}
	sessionID, ok = pathID(w, r, "sessionID")
	return
}

// jobScope resolves the tenant and the {jobID} parameter.
func jobScope(w http.ResponseWriter, r *http.Request) (tenantID, jobID uuid.UUID, ok bool) {
	if tenantID, ok = tenant(w, r); !ok {
		return
	}
	jobID, ok = pathID(w, r, "jobID")
	return
}

// decodeJSON reads the request body into v. An empty body leaves v as is
// when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Request body too large", nil)
		return false
	}
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", map[string]string{"reason": err.Error()})
	return false
}
