package studio

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

type UploadParams struct {
	DisplayName string
	MIMEType    string
	Size        int64
	Body        io.Reader
}

// UploadFile uploads media and waits until the file is ACTIVE. The upload is
// tracked as a file job; if ctx ends first the job is returned still pending
// and keeps being polled. A file that ends FAILED is ErrJobFailed.
func (s *Service) UploadFile(ctx context.Context, tenantID, sessionID uuid.UUID, p UploadParams) (*models.Job, error) {
	if p.Body == nil || p.Size <= 0 {
		return nil, validationError("file is empty")
	}
	if strings.TrimSpace(p.MIMEType) == "" {
		return nil, validationError("MIME type is required")
	}

	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	file, err := s.api.UploadFile(ctx, sess.Credential, gemini.FileUpload{
		DisplayName: p.DisplayName,
		MIMEType:    p.MIMEType,
		Size:        p.Size,
	}, p.Body)
	if err != nil {
		return nil, upstreamError("uploading file", err)
	}

	job, err := s.createJob(ctx, sess, models.JobTypeFile, file.Name, sess.Model, map[string]any{
		"display_name": p.DisplayName,
		"mime_type":    p.MIMEType,
		"size":         p.Size,
	})
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(file.State) {
	case "ACTIVE":
		result, err := fileResult(file)
		if err != nil {
			s.failJob(job, err.Error())
		} else {
			s.completeJob(job, result)
		}
	case "FAILED":
		s.failJob(job, "file processing failed")
	default:
		job, err = s.waitRun(ctx, job, s.startPoll(job, sess.Credential))
		if err != nil {
			return nil, err
		}
	}

	job, err = s.GetJob(context.WithoutCancel(ctx), tenantID, job.ID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusFailed {
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return job, fmt.Errorf("%w: %s", ErrJobFailed, msg)
	}
	return job, nil
}
