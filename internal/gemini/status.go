package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the normalized phase of a long-running resource.
type Kind int

const (
	KindPending Kind = iota
	KindSucceeded
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Status is the tagged result of ParseStatus. Payload is set on success and
// Message on failure. State keeps the raw server state for progress reporting.
type Status struct {
	Kind    Kind
	State   string
	Payload json.RawMessage
	Message string
}

// Terminal reports whether polling should stop.
func (s Status) Terminal() bool {
	return s.Kind != KindPending
}

// ParseStatus normalizes every status document the API returns for batches,
// operations and files. Precedence: an error object fails; a failure state
// (top level or metadata.state) fails even when done is set; an explicit
// done flag decides next; then the remaining states; then the bare presence
// of a response. A document naming a resource with
// none of these is still pending (done is omitted while false). Anything else
// is malformed.
func ParseStatus(raw []byte) (Status, error) {
	var doc statusDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	state := doc.State
	if state == "" && doc.Metadata != nil {
		state = doc.Metadata.State
	}

	if doc.Error != nil && (doc.Error.Message != "" || doc.Error.Code != 0) {
		return Status{Kind: KindFailed, State: state, Message: errorMessage(doc.Error)}, nil
	}

	if state != "" && failedState(state) {
		return Status{Kind: KindFailed, State: state, Message: fmt.Sprintf("ended with state %s", state)}, nil
	}

	if doc.Done != nil {
		if !*doc.Done {
			return Status{Kind: KindPending, State: state}, nil
		}
		return Status{Kind: KindSucceeded, State: state, Payload: successPayload(doc.Response, raw)}, nil
	}

	if state != "" {
		switch normalizeState(state) {
		case "SUCCEEDED", "COMPLETED", "ACTIVE":
			return Status{Kind: KindSucceeded, State: state, Payload: successPayload(doc.Response, raw)}, nil
		default:
			return Status{Kind: KindPending, State: state}, nil
		}
	}

	if hasValue(doc.Response) {
		return Status{Kind: KindSucceeded, Payload: doc.Response}, nil
	}

	if doc.Name != "" {
		return Status{Kind: KindPending}, nil
	}

	return Status{}, fmt.Errorf("%w: status has no state, done or response field", ErrMalformedResponse)
}

// normalizeState strips the resource-specific prefix so BATCH_STATE_RUNNING,
// JOB_STATE_RUNNING and RUNNING compare equal.
func normalizeState(state string) string {
	s := strings.ToUpper(strings.TrimSpace(state))
	for _, prefix := range []string{"BATCH_STATE_", "JOB_STATE_", "STATE_"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimPrefix(s, prefix)
		}
	}
	return s
}

func failedState(state string) bool {
	switch normalizeState(state) {
	case "FAILED", "CANCELLED", "EXPIRED":
		return true
	}
	return false
}

// successPayload prefers the embedded response and falls back to the whole
// document, where batch results may sit under dest instead.
func successPayload(response json.RawMessage, raw []byte) json.RawMessage {
	if hasValue(response) {
		return response
	}
	return json.RawMessage(raw)
}

func hasValue(m json.RawMessage) bool {
	t := bytes.TrimSpace(m)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func errorMessage(e *errorBody) string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("operation failed with code %d", e.Code)
}

type statusDocument struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Metadata *struct {
		State string `json:"state"`
	} `json:"metadata"`
	Done     *bool           `json:"done"`
	Response json.RawMessage `json:"response"`
	Error    *errorBody      `json:"error"`
}
