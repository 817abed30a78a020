package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// UploadFile runs the two-phase resumable upload: a start request that
// returns an upload URL, then a single "upload, finalize" request carrying
// every byte. The returned file may still be PROCESSING.
func (c *HTTPClient) UploadFile(ctx context.Context, cred string, meta FileUpload, body io.Reader) (*File, error) {
	if meta.Size <= 0 {
		return nil, fmt.Errorf("upload size must be positive")
	}
	if meta.MIMEType == "" {
		meta.MIMEType = "application/octet-stream"
	}

	uploadURL, err := c.startUpload(ctx, cred, meta)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return nil, fmt.Errorf("building upload request: %w", err)
	}
	httpReq.ContentLength = meta.Size
	httpReq.Header.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	httpReq.Header.Set("X-Goog-Upload-Offset", "0")
	httpReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	resp, err := c.do(httpReq, cred)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError(resp)
	}

	var env fileEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.File == nil || env.File.Name == "" {
		return nil, fmt.Errorf("%w: upload response has no file", ErrMalformedResponse)
	}
	return env.File, nil
}

func (c *HTTPClient) startUpload(ctx context.Context, cred string, meta FileUpload) (string, error) {
	payload, err := json.Marshal(uploadStart{File: uploadStartFile{DisplayName: meta.DisplayName}})
	if err != nil {
		return "", fmt.Errorf("encoding upload start: %w", err)
	}

	u := fmt.Sprintf("%s/upload/%s/files", c.baseURL, c.version)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building upload start: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	httpReq.Header.Set("X-Goog-Upload-Command", "start")
	httpReq.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(meta.Size, 10))
	httpReq.Header.Set("X-Goog-Upload-Header-Content-Type", meta.MIMEType)

	resp, err := c.do(httpReq, cred)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", readAPIError(resp)
	}

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", fmt.Errorf("%w: upload start returned no upload URL", ErrMalformedResponse)
	}
	return uploadURL, nil
}
