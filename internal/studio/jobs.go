package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/poll"
	"github.com/kiranshivaraju/gemstudio/internal/store"
	"github.com/kiranshivaraju/gemstudio/internal/usage"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// MaxVideoSamples is the most videos one request may ask for.
const MaxVideoSamples = 4

// BatchParams describes an inline batch. SystemInstruction, when set,
// replaces the session's for every request of the batch.
type BatchParams struct {
	DisplayName       string       `json:"display_name,omitempty"`
	Prompts           []string     `json:"prompts"`
	Model             string       `json:"model,omitempty"`
	SystemInstruction string       `json:"system_instruction,omitempty"`
	Search            bool         `json:"search,omitempty"`
	Temperature       *float64     `json:"temperature,omitempty"`
	MaxOutputTokens   int          `json:"max_output_tokens,omitempty"`
	Novel             *NovelParams `json:"novel,omitempty"`
}

// Validate checks the prompts of a batch.
func (p BatchParams) Validate() error {
	if len(p.Prompts) == 0 {
		return validationError("at least one prompt is required")
	}
	for i, prompt := range p.Prompts {
		if strings.TrimSpace(prompt) == "" {
			return validationError("prompt %d is empty", i+1)
		}
	}
	return nil
}

// BuildBatchRequest is the upstream request for p. p.Model picks the
// thinking knob that level and budget are applied to.
func BuildBatchRequest(p BatchParams, thinkingLevel string, thinkingBudget *int) *gemini.BatchRequest {
	return gemini.BatchRequestFor(p.Prompts, gemini.BatchOptions{
		DisplayName:       p.DisplayName,
		SystemInstruction: p.SystemInstruction,
		Search:            p.Search,
		Config: &gemini.GenerationConfig{
			Temperature:     p.Temperature,
			MaxOutputTokens: p.MaxOutputTokens,
			ThinkingConfig:  gemini.ThinkingConfigFor(p.Model, thinkingLevel, thinkingBudget),
		},
	})
}

type VideoParams struct {
	Prompt          string `json:"prompt"`
	Model           string `json:"model,omitempty"`
	Image           *Image `json:"-"`
	SampleCount     int    `json:"sample_count"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	NegativePrompt  string `json:"negative_prompt,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	HasImage        bool   `json:"has_image,omitempty"`
}

// pollRun is one background poll of one job.
type pollRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SubmitBatch sends prompts as one inline batch and starts polling it.
func (s *Service) SubmitBatch(ctx context.Context, tenantID, sessionID uuid.UUID, p BatchParams) (*models.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID, models.SessionKindBatch)
	if err != nil {
		return nil, err
	}
	defer unlock()

	model := sess.Model
	if p.Model != "" {
		model = gemini.TrimModelPrefix(p.Model)
	}
	p.Model = model
	if strings.TrimSpace(p.SystemInstruction) == "" {
		p.SystemInstruction = sess.SystemInstruction
	}

	req := BuildBatchRequest(p, sess.ThinkingLevel, sess.ThinkingBudget)
	name, err := s.api.BatchGenerateContent(ctx, sess.Credential, model, req)
	if err != nil {
		return nil, upstreamError("submitting batch", err)
	}

	job, err := s.createJob(ctx, sess, models.JobTypeBatch, name, model, p)
	if err != nil {
		return nil, err
	}
	s.startPoll(job, sess.Credential)
	return job, nil
}

// SubmitVideo starts a long-running video generation and remembers its
// operation name so it can be recovered later.
func (s *Service) SubmitVideo(ctx context.Context, tenantID, sessionID uuid.UUID, p VideoParams) (*models.Job, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, validationError("prompt is required")
	}
	if p.SampleCount == 0 {
		p.SampleCount = 1
	}
	if p.SampleCount < 1 || p.SampleCount > MaxVideoSamples {
		return nil, validationError("sample count must be between 1 and %d", MaxVideoSamples)
	}
	if p.DurationSeconds < 0 {
		return nil, validationError("duration must not be negative")
	}
	if p.Image != nil && (p.Image.MIMEType == "" || len(p.Image.Data) == 0) {
		return nil, validationError("image needs a MIME type and data")
	}

	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID, models.SessionKindVideo)
	if err != nil {
		return nil, err
	}
	defer unlock()

	model := sess.Model
	if p.Model != "" {
		model = gemini.TrimModelPrefix(p.Model)
	}
	p.Model = model
	p.HasImage = p.Image != nil

	req := &gemini.VideoRequest{
		Prompt:          p.Prompt,
		SampleCount:     p.SampleCount,
		AspectRatio:     p.AspectRatio,
		NegativePrompt:  p.NegativePrompt,
		DurationSeconds: p.DurationSeconds,
	}
	if p.Image != nil {
		req.Image = gemini.InlineBlob(p.Image.MIMEType, p.Image.Data)
	}

	name, err := s.api.PredictLongRunning(ctx, sess.Credential, model, req)
	if err != nil {
		return nil, upstreamError("submitting video", err)
	}

	if err := s.store.PutValue(context.WithoutCancel(ctx), tenantID, lastOperationKey(sess), name); err != nil {
		slog.Warn("failed to remember video operation", "session_id", sess.ID, "remote_name", name, "error", err)
	}

	job, err := s.createJob(ctx, sess, models.JobTypeVideo, name, model, p)
	if err != nil {
		return nil, err
	}
	s.startPoll(job, sess.Credential)
	return job, nil
}

// RecoverVideo resumes the last video operation submitted from the session,
// creating a job for it when none exists.
func (s *Service) RecoverVideo(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.Job, error) {
	sess, err := s.loadSession(ctx, tenantID, sessionID, models.SessionKindVideo)
	if err != nil {
		return nil, err
	}

	name, err := s.store.GetValue(ctx, tenantID, lastOperationKey(sess))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoOperation
	}
	if err != nil {
		return nil, fmt.Errorf("loading last operation: %w", err)
	}

	jobs, err := s.store.ListJobs(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	for _, j := range jobs {
		if j.RemoteName != name {
			continue
		}
		if !j.Terminal() {
			s.startPoll(j, sess.Credential)
		}
		return j, nil
	}

	job, err := s.createJob(ctx, sess, models.JobTypeVideo, name, sess.Model, VideoParams{Model: sess.Model})
	if err != nil {
		return nil, err
	}
	s.startPoll(job, sess.Credential)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*models.Job, error) {
	if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// RemoteState returns the last upstream state seen for a job, if cached.
func (s *Service) RemoteState(ctx context.Context, jobID uuid.UUID) string {
	if s.cache == nil {
		return ""
	}
	state, ok, err := s.cache.GetJobState(ctx, jobID)
	if err != nil || !ok {
		return ""
	}
	return state
}

// IsPolling reports whether a background poll is running for the job.
func (s *Service) IsPolling(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

// Wait blocks until the job is terminal or ctx ends, polling it if nobody
// is. It returns the job as stored at that point; a job still pending when
// ctx ends is not an error.
func (s *Service) Wait(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return job, nil
	}

	run, err := s.ensurePolling(ctx, job)
	if err != nil {
		return nil, err
	}
	return s.waitRun(ctx, job, run)
}

func (s *Service) waitRun(ctx context.Context, job *models.Job, run *pollRun) (*models.Job, error) {
	select {
	case <-run.done:
	case <-ctx.Done():
		return job, nil
	}
	return s.GetJob(ctx, job.TenantID, job.ID)
}

// CancelPoll stops polling a job. The job stays pending and can be resumed.
func (s *Service) CancelPoll(ctx context.Context, tenantID, jobID uuid.UUID) error {
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return err
	}

	s.mu.Lock()
	run, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return ErrNotPolling
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
	}
	return nil
}

// ResumeJob restarts polling of a pending job.
func (s *Service) ResumeJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, ErrNotPending
	}
	if _, err := s.ensurePolling(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ResumePending restarts polling of every pending job and returns how many
// were resumed. Jobs whose session lost its credential are skipped.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	jobs, err := s.store.ListPendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending jobs: %w", err)
	}

	resumed := 0
	for _, job := range jobs {
		if _, err := s.ensurePolling(ctx, job); err != nil {
			slog.Warn("cannot resume job", "job_id", job.ID, "remote_name", job.RemoteName, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// DownloadVideo streams the index-th video of a completed video job to w.
func (s *Service) DownloadVideo(ctx context.Context, tenantID, jobID uuid.UUID, index int, w io.Writer) (int64, error) {
	job, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return 0, err
	}
	if job.Type != models.JobTypeVideo {
		return 0, validationError("job is not a video job")
	}
	if job.Status != models.JobStatusCompleted || job.Result == nil {
		return 0, validationError("video job has no result yet")
	}
	if index < 0 || index >= len(job.Result.VideoURIs) {
		return 0, validationError("video index %d out of range", index)
	}

	sess, err := s.loadSession(ctx, tenantID, job.SessionID)
	if err != nil {
		return 0, err
	}
	n, err := s.api.Download(ctx, sess.Credential, job.Result.VideoURIs[index], w)
	if err != nil {
		return n, upstreamError("downloading video", err)
	}
	return n, nil
}

func lastOperationKey(sess *models.Session) string {
	return fmt.Sprintf("%s/%s/last_operation", sess.Kind, sess.ID)
}

// createJob records a pending job for an accepted upstream operation. The
// insert ignores ctx cancellation: the operation exists upstream already.
func (s *Service) createJob(ctx context.Context, sess *models.Session, typ, remoteName, model string, params any) (*models.Job, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding job params: %w", err)
	}

	now := s.now()
	job := &models.Job{
		ID:         uuid.New(),
		TenantID:   sess.TenantID,
		SessionID:  sess.ID,
		Type:       typ,
		RemoteName: remoteName,
		Status:     models.JobStatusPending,
		Model:      model,
		Params:     raw,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(context.WithoutCancel(ctx), job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.mirrorState(job.ID, models.JobStatusPending)
	slog.Info("job submitted", "job_id", job.ID, "session_id", sess.ID, "type", typ, "remote_name", remoteName)
	return job, nil
}

func (s *Service) ensurePolling(ctx context.Context, job *models.Job) (*pollRun, error) {
	sess, err := s.loadSession(ctx, job.TenantID, job.SessionID)
	if err != nil {
		return nil, err
	}
	return s.startPoll(job, sess.Credential), nil
}

// startPoll launches a background poll for job unless one is running.
func (s *Service) startPoll(job *models.Job, cred string) *pollRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.running[job.ID]; ok {
		return run
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &pollRun{cancel: cancel, done: make(chan struct{})}
	s.running[job.ID] = run

	s.wg.Add(1)
	go s.runPoll(ctx, run, job, cred)
	return run
}

// runPoll drives one job to a terminal state. It recovers from panics and
// always unregisters itself.
func (s *Service) runPoll(ctx context.Context, run *pollRun, job *models.Job, cred string) {
	defer s.wg.Done()
	defer func() {
		run.cancel()
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
		close(run.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in runPoll", "error", r, "job_id", job.ID)
			s.failJob(job, fmt.Sprintf("panic: %v", r))
		}
	}()

	interval := s.opts.PollInterval
	if job.Type == models.JobTypeFile {
		interval = s.opts.FilePollInterval
	}
	p := poll.New(interval)
	p.OnState = func(attempt int, st gemini.Status) {
		s.mirrorState(job.ID, st.State)
		slog.Debug("job still running", "job_id", job.ID, "remote_name", job.RemoteName, "state", st.State, "attempt", attempt)
	}

	out, err := p.Poll(ctx, poll.ResourceFetcher(s.api, cred, job.RemoteName))

	switch {
	case err != nil:
		s.failJob(job, err.Error())
	case out.Kind == poll.Cancelled:
		slog.Info("stopped polling job", "job_id", job.ID, "remote_name", job.RemoteName, "attempts", out.Attempts)
	case out.Kind == poll.Failed:
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("ended with state %s", out.State)
		}
		s.failJob(job, msg)
	default:
		result, err := ParseResult(job, out.Payload)
		if err != nil {
			s.failJob(job, err.Error())
			return
		}
		s.completeJob(job, result)
	}
}

// completeJob stores the result and adds its usage to the session. Usage is
// only added by the caller that won the pending -> completed transition.
func (s *Service) completeJob(job *models.Job, result models.JobResult) {
	ctx := context.Background()
	err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, store.WithResult(result))
	if err != nil {
		slog.Warn("failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	s.mirrorState(job.ID, models.JobStatusCompleted)

	if result.Usage != (models.Usage{}) {
		if _, err := s.store.AddUsage(ctx, job.SessionID, result.Usage); err != nil {
			slog.Error("failed to record job usage", "job_id", job.ID, "session_id", job.SessionID, "error", err)
		}
	}
	slog.Info("job completed", "job_id", job.ID, "remote_name", job.RemoteName, "cost", result.Usage.Cost)
}

func (s *Service) failJob(job *models.Job, msg string) {
	err := s.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusFailed, store.WithErrorMessage(msg))
	if err != nil {
		slog.Warn("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	s.mirrorState(job.ID, models.JobStatusFailed)
	slog.Info("job failed", "job_id", job.ID, "remote_name", job.RemoteName, "error", msg)
}

func (s *Service) mirrorState(jobID uuid.UUID, state string) {
	if s.cache == nil || state == "" {
		return
	}
	if err := s.cache.SetJobState(context.Background(), jobID, state, jobStateTTL); err != nil {
		slog.Debug("failed to cache job state", "job_id", jobID, "error", err)
	}
}

// ParseResult turns the terminal payload of job into its result and cost.
func ParseResult(job *models.Job, payload json.RawMessage) (models.JobResult, error) {
	switch job.Type {
	case models.JobTypeBatch:
		var params BatchParams
		if err := decodeParams(job, &params); err != nil {
			return models.JobResult{}, err
		}
		items, err := gemini.ParseBatchResult(payload)
		if err != nil {
			return models.JobResult{}, err
		}
		var res models.JobResult
		for _, g := range items {
			res.Outputs = append(res.Outputs, g.Text)
			res.Usage = res.Usage.Add(usage.ForText(job.Model,
				int64(g.Usage.PromptTokenCount), int64(g.Usage.OutputTokens())))
		}
		res.Text = strings.Join(res.Outputs, "\n\n")
		if params.Novel != nil && len(res.Outputs) > 0 {
			res.Title, res.Abstract = ParseAbstract(res.Outputs[0])
		}
		return res, nil

	case models.JobTypeVideo:
		uris, err := gemini.ParseVideoResult(payload)
		if err != nil {
			return models.JobResult{}, err
		}
		var params VideoParams
		if err := decodeParams(job, &params); err != nil {
			return models.JobResult{}, err
		}
		return models.JobResult{
			VideoURIs: uris,
			Usage:     models.Usage{Cost: usage.VideoCost(job.Model, params.DurationSeconds, len(uris))},
		}, nil

	case models.JobTypeFile:
		var f gemini.File
		if err := json.Unmarshal(payload, &f); err != nil {
			return models.JobResult{}, fmt.Errorf("%w: %v", gemini.ErrMalformedResponse, err)
		}
		return fileResult(&f)
	}
	return models.JobResult{}, fmt.Errorf("unknown job type %q", job.Type)
}

// decodeParams reads the parameters a job was submitted with. Jobs stored
// without parameters leave v untouched.
func decodeParams(job *models.Job, v any) error {
	if len(job.Params) == 0 || string(job.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(job.Params, v); err != nil {
		return fmt.Errorf("decoding %s job params: %w", job.Type, err)
	}
	return nil
}

func fileResult(f *gemini.File) (models.JobResult, error) {
	if f.URI == "" {
		return models.JobResult{}, fmt.Errorf("%w: file has no uri", gemini.ErrMalformedResponse)
	}
	return models.JobResult{FileURI: f.URI, FileName: f.Name, MIMEType: f.MIMEType}, nil
}
