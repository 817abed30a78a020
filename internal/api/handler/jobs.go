package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const (
	defaultWait     = 30 * time.Second
	maxWait         = 5 * time.Minute
	defaultJobLimit = 20
	maxJobLimit     = 100
)

type batchRequest struct {
	DisplayName       string   `json:"display_name"`
	Prompts           []string `json:"prompts"`
	Model             string   `json:"model"`
	SystemInstruction string   `json:"system_instruction"`
	Search            bool     `json:"search"`
	Temperature       *float64 `json:"temperature"`
	MaxOutputTokens   int      `json:"max_output_tokens"`
}

type videoRequest struct {
	Prompt          string       `json:"prompt"`
	Model           string       `json:"model"`
	Image           *inlineMedia `json:"image"`
	SampleCount     int          `json:"sample_count"`
	AspectRatio     string       `json:"aspect_ratio"`
	NegativePrompt  string       `json:"negative_prompt"`
	DurationSeconds int          `json:"duration_seconds"`
}

// jobResponse adds the live polling view to the stored job.
type jobResponse struct {
	*models.Job
	RemoteState string `json:"remote_state,omitempty"`
	Polling     bool   `json:"polling"`
}

func newJobResponse(r *http.Request, svc Studio, job *models.Job) jobResponse {
	return jobResponse{
		Job:         job,
		RemoteState: svc.RemoteState(r.Context(), job.ID),
		Polling:     svc.IsPolling(job.ID),
	}
}

// NewSubmitBatchHandler serves POST /api/v1/sessions/{sessionID}/batches.
func NewSubmitBatchHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req batchRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		job, err := svc.SubmitBatch(r.Context(), tenantID, sessionID, studio.BatchParams{
			DisplayName:       req.DisplayName,
			Prompts:           req.Prompts,
			Model:             req.Model,
			SystemInstruction: req.SystemInstruction,
			Search:            req.Search,
			Temperature:       req.Temperature,
			MaxOutputTokens:   req.MaxOutputTokens,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, newJobResponse(r, svc, job))
	}
}

// NewSubmitVideoHandler serves POST /api/v1/sessions/{sessionID}/videos.
func NewSubmitVideoHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		var req videoRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}

		p := studio.VideoParams{
			Prompt:          req.Prompt,
			Model:           req.Model,
			SampleCount:     req.SampleCount,
			AspectRatio:     req.AspectRatio,
			NegativePrompt:  req.NegativePrompt,
			DurationSeconds: req.DurationSeconds,
		}
		if req.Image != nil {
			p.Image = &studio.Image{MIMEType: req.Image.MIMEType, Data: req.Image.Data}
		}

		job, err := svc.SubmitVideo(r.Context(), tenantID, sessionID, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, newJobResponse(r, svc, job))
	}
}

// NewRecoverVideoHandler serves POST /api/v1/sessions/{sessionID}/videos/recover.
func NewRecoverVideoHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		job, err := svc.RecoverVideo(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, newJobResponse(r, svc, job))
	}
}

// NewListJobsHandler serves GET /api/v1/sessions/{sessionID}/jobs, newest
// first, paged with ?page and ?limit.
func NewListJobsHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}
		page, limit, ok := pagination(w, r)
		if !ok {
			return
		}

		jobs, err := svc.ListJobs(r.Context(), tenantID, sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		start, end, meta := response.Window(page, limit, len(jobs))
		out := make([]jobResponse, 0, end-start)
		for _, j := range jobs[start:end] {
			out = append(out, newJobResponse(r, svc, j))
		}
		response.Collection(w, out, meta)
	}
}

// NewGetJobHandler serves GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobScope(w, r)
		if !ok {
			return
		}
		job, err := svc.GetJob(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newJobResponse(r, svc, job))
	}
}

// NewWaitJobHandler serves POST /api/v1/jobs/{jobID}/wait?timeout=30s. It
// answers when the job is terminal or the timeout passes, whichever is
// first; a job still pending at the timeout is not an error.
func NewWaitJobHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobScope(w, r)
		if !ok {
			return
		}

		timeout := defaultWait
		if v := r.URL.Query().Get("timeout"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 || d > maxWait {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					fmt.Sprintf("timeout must be a positive duration up to %s", maxWait), nil)
				return
			}
			timeout = d
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		job, err := svc.Wait(ctx, tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newJobResponse(r, svc, job))
	}
}

// NewCancelPollHandler serves DELETE /api/v1/jobs/{jobID}/poll.
func NewCancelPollHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobScope(w, r)
		if !ok {
			return
		}
		if err := svc.CancelPoll(r.Context(), tenantID, jobID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewResumeJobHandler serves POST /api/v1/jobs/{jobID}/resume.
func NewResumeJobHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobScope(w, r)
		if !ok {
			return
		}
		job, err := svc.ResumeJob(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, newJobResponse(r, svc, job))
	}
}

// NewDownloadVideoHandler serves GET /api/v1/jobs/{jobID}/video?index=0 by
// streaming the generated media.
func NewDownloadVideoHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, jobID, ok := jobScope(w, r)
		if !ok {
			return
		}
		index := 0
		if v := r.URL.Query().Get("index"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "index must be an integer", nil)
				return
			}
			index = i
		}

		out := response.NewAttachment(w, "video/mp4", fmt.Sprintf("%s-%d.mp4", jobID, index))
		n, err := svc.DownloadVideo(r.Context(), tenantID, jobID, index, out)
		if err == nil {
			return
		}
		if !out.Started() {
			writeError(w, r, err)
			return
		}
		slog.Warn("video download interrupted", "job_id", jobID, "bytes", n, "error", err)
	}
}

func pagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, defaultJobLimit
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return 0, 0, false
		}
		page = p
	}
	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 || l > maxJobLimit {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				fmt.Sprintf("limit must be between 1 and %d", maxJobLimit), nil)
			return 0, 0, false
		}
		limit = l
	}
	return page, limit, true
}
