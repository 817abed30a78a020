package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Sentinel errors for client failures.
var (
	ErrUnreachable       = errors.New("generative api unreachable")
	ErrTimeout           = errors.New("generative api timeout")
	ErrMalformedResponse = errors.New("malformed response from generative api")
	ErrMissingCredential = errors.New("api credential is required")
)

// APIError is a non-2xx answer from the upstream API. Message carries the
// server-provided text when the body had one.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("generative api error: HTTP %d", e.StatusCode)
	}
	if e.Status != "" {
		return fmt.Sprintf("generative api error: HTTP %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("generative api error: HTTP %d: %s", e.StatusCode, e.Message)
}

// readAPIError builds an *APIError from a failed response, falling back to the
// HTTP status text when the body is not the usual error envelope.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		apiErr.Status = env.Error.Status
		apiErr.Message = env.Error.Message
	}
	if apiErr.Message == "" {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 && !strings.HasPrefix(text, "{") {
			apiErr.Message = text
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors. Cancellation
// is passed through untouched so callers can tell it apart from failure.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

type errorEnvelope struct {
	Error *errorBody `json:"error"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}
