package handler

import (
	"errors"
	"net/http"

	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const (
	maxUploadSize   = 2 << 30
	uploadMemoryBuf = 32 << 20
)

// NewUploadFileHandler serves POST /api/v1/sessions/{sessionID}/files. The
// multipart body carries the media in "file" and optional "display_name"
// and "mime_type" fields. It answers once the file is usable.
func NewUploadFileHandler(svc Studio) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, sessionID, ok := sessionScope(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(uploadMemoryBuf); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "File too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file field is required", nil)
			return
		}
		defer file.Close()

		mimeType := r.FormValue("mime_type")
		if mimeType == "" {
			mimeType = header.Header.Get("Content-Type")
		}
		displayName := r.FormValue("display_name")
		if displayName == "" {
			displayName = header.Filename
		}

		job, err := svc.UploadFile(r.Context(), tenantID, sessionID, studio.UploadParams{
			DisplayName: displayName,
			MIMEType:    mimeType,
			Size:        header.Size,
			Body:        file,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		if job.Status == models.JobStatusPending {
			response.Accepted(w, newJobResponse(r, svc, job))
			return
		}
		response.Created(w, newJobResponse(r, svc, job))
	}
}
