package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	JobTypeBatch = "batch"
	JobTypeVideo = "video"
	JobTypeFile  = "file"
)

// Job tracks a long-running upstream operation. It is created pending when the
// batch or video request is accepted, and the poller moves it to completed or
// failed exactly once.
type Job struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	TenantID     uuid.UUID       `db:"tenant_id"     json:"tenant_id"`
	SessionID    uuid.UUID       `db:"session_id"    json:"session_id"`
	Type         string          `db:"type"          json:"type"`
	RemoteName   string          `db:"remote_name"   json:"remote_name"`
	Status       string          `db:"status"        json:"status"`
	Model        string          `db:"model"         json:"model"`
	Params       json.RawMessage `db:"params"        json:"params,omitempty"`
	Result       *JobResult      `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the job has left the pending state.
func (j *Job) Terminal() bool {
	return j.Status != JobStatusPending
}

// JobResult is what a successful job produced.
type JobResult struct {
	Text      string   `json:"text,omitempty"`
	Outputs   []string `json:"outputs,omitempty"`
	Title     string   `json:"title,omitempty"`
	Abstract  string   `json:"abstract,omitempty"`
	VideoURIs []string `json:"video_uris,omitempty"`
	FileURI   string   `json:"file_uri,omitempty"`
	FileName  string   `json:"file_name,omitempty"`
	MIMEType  string   `json:"mime_type,omitempty"`
	Usage     Usage    `json:"usage"`
}
