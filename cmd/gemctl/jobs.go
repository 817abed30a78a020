package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/poll"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const jobKeyPrefix = "jobs/"

var errJobNotFound = errors.New("job not found")

func newJob(jobType, remoteName, model string, params any) (*models.Job, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding job params: %w", err)
	}
	now := time.Now().UTC()
	return &models.Job{
		ID:         uuid.New(),
		Type:       jobType,
		RemoteName: remoteName,
		Status:     models.JobStatusPending,
		Model:      model,
		Params:     raw,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (a *app) saveJob(ctx context.Context, tool string, job *models.Job) error {
	return a.view(tool).PutJSON(context.WithoutCancel(ctx), jobKeyPrefix+job.ID.String(), job)
}

// listJobs returns the tool's jobs, newest first.
func (a *app) listJobs(ctx context.Context, tool string) ([]*models.Job, error) {
	keys, err := a.view(tool).Keys(ctx, jobKeyPrefix)
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.Job, 0, len(keys))
	for _, k := range keys {
		var j models.Job
		if _, err := a.view(tool).GetJSON(ctx, k, &j); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs, nil
}

// findJob matches a full job ID, a unique ID prefix or a remote name.
func (a *app) findJob(ctx context.Context, tool, ref string) (*models.Job, error) {
	jobs, err := a.listJobs(ctx, tool)
	if err != nil {
		return nil, err
	}
	var found *models.Job
	for _, j := range jobs {
		if j.RemoteName == ref || j.ID.String() == ref {
			return j, nil
		}
		if strings.HasPrefix(j.ID.String(), ref) {
			if found != nil {
				return nil, fmt.Errorf("job id %q is ambiguous", ref)
			}
			found = j
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", errJobNotFound, ref)
	}
	return found, nil
}

// track polls job until it ends and stores the outcome. A cancelled poll
// leaves the job pending and returns context.Canceled.
func (a *app) track(ctx context.Context, tool, cred string, job *models.Job) error {
	if job.Terminal() {
		return nil
	}

	interval := a.cfg.PollInterval
	if job.Type == models.JobTypeFile {
		interval = a.cfg.FilePoll
	}
	p := poll.New(interval)
	p.OnState = func(attempt int, st gemini.Status) {
		faintColor.Fprintf(a.errOut, "%s: %s (check %d)\n", job.RemoteName, st.State, attempt)
	}

	out, err := p.Poll(ctx, poll.ResourceFetcher(a.api, cred, job.RemoteName))
	if err != nil {
		return a.failJob(ctx, tool, job, err.Error())
	}

	switch out.Kind {
	case poll.Cancelled:
		warnColor.Fprintf(a.errOut, "job %s is still pending; resume it later\n", shortID(job))
		return context.Canceled
	case poll.Failed:
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("ended with state %s", out.State)
		}
		return a.failJob(ctx, tool, job, msg)
	}

	result, err := studio.ParseResult(job, out.Payload)
	if err != nil {
		return a.failJob(ctx, tool, job, err.Error())
	}
	return a.completeJob(ctx, tool, job, result)
}

func (a *app) completeJob(ctx context.Context, tool string, job *models.Job, result models.JobResult) error {
	if job.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusCompleted
	job.Result = &result
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := a.saveJob(ctx, tool, job); err != nil {
		return err
	}

	if result.Usage != (models.Usage{}) {
		totals, err := a.recordUsage(ctx, tool, result.Usage)
		if err != nil {
			return err
		}
		a.printUsage(result.Usage, totals)
	}
	slog.Debug("job completed", "job_id", job.ID, "remote_name", job.RemoteName)
	goodColor.Fprintf(a.errOut, "job %s completed\n", shortID(job))
	return nil
}

func (a *app) failJob(ctx context.Context, tool string, job *models.Job, msg string) error {
	if job.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusFailed
	job.ErrorMessage = &msg
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := a.saveJob(ctx, tool, job); err != nil {
		return err
	}
	return fmt.Errorf("job %s failed: %s", shortID(job), msg)
}

func (a *app) printJobs(jobs []*models.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(a.out, "no jobs")
		return
	}
	headerColor.Fprintf(a.out, "%-8s  %-9s  %-19s  %s\n", "ID", "STATUS", "CREATED", "REMOTE")
	for _, j := range jobs {
		fmt.Fprintf(a.out, "%-8s  ", shortID(j))
		statusColor(j.Status).Fprintf(a.out, "%-9s", j.Status)
		fmt.Fprintf(a.out, "  %-19s  %s\n", j.CreatedAt.Local().Format("2006-01-02 15:04:05"), j.RemoteName)
	}
}

func (a *app) printJob(j *models.Job) {
	headerColor.Fprintf(a.out, "job %s\n", j.ID)
	fmt.Fprintf(a.out, "remote:  %s\n", j.RemoteName)
	fmt.Fprintf(a.out, "model:   %s\n", j.Model)
	fmt.Fprint(a.out, "status:  ")
	statusColor(j.Status).Fprintln(a.out, j.Status)
	if j.ErrorMessage != nil {
		badColor.Fprintf(a.out, "error:   %s\n", *j.ErrorMessage)
	}
	if j.Result == nil {
		return
	}
	if j.Result.Title != "" {
		headerColor.Fprintln(a.out, j.Result.Title)
		fmt.Fprintln(a.out, j.Result.Abstract)
		return
	}
	for i, out := range j.Result.Outputs {
		headerColor.Fprintf(a.out, "--- output %d ---\n", i+1)
		fmt.Fprintln(a.out, out)
	}
	for i, uri := range j.Result.VideoURIs {
		fmt.Fprintf(a.out, "video %d: %s\n", i, uri)
	}
	if j.Result.FileURI != "" {
		fmt.Fprintf(a.out, "file:    %s (%s)\n", j.Result.FileURI, j.Result.MIMEType)
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case models.JobStatusCompleted:
		return goodColor
	case models.JobStatusFailed:
		return badColor
	}
	return warnColor
}

func shortID(j *models.Job) string {
	return j.ID.String()[:8]
}
