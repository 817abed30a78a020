package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the data access interface. All persistent state goes through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Session, error)
	UpdateSession(ctx context.Context, sess *models.Session) error
	DeleteSession(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	// AppendTurns adds turns after the current last one and sets their Seq.
	AppendTurns(ctx context.Context, sessionID uuid.UUID, turns ...*models.Turn) error
	ListTurns(ctx context.Context, sessionID uuid.UUID) ([]*models.Turn, error)
	// ReplaceTurns swaps the whole history atomically.
	ReplaceTurns(ctx context.Context, sessionID uuid.UUID, turns []*models.Turn) error
	// ClearThoughtSignatures strips the most recent signature, or all of them,
	// and returns how many turns changed.
	ClearThoughtSignatures(ctx context.Context, sessionID uuid.UUID, all bool) (int, error)

	GetUsage(ctx context.Context, sessionID uuid.UUID) (models.UsageTotals, error)
	AddUsage(ctx context.Context, sessionID uuid.UUID, delta models.Usage) (models.UsageTotals, error)
	ResetUsage(ctx context.Context, sessionID uuid.UUID) error

	PutValue(ctx context.Context, tenantID uuid.UUID, key, value string) error
	GetValue(ctx context.Context, tenantID uuid.UUID, key string) (string, error)
	DeleteValue(ctx context.Context, tenantID uuid.UUID, key string) error
	ListValues(ctx context.Context, tenantID uuid.UUID, prefix string) (map[string]string, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, sessionID uuid.UUID) ([]*models.Job, error)
	ListPendingJobs(ctx context.Context) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

// validTransitions lists the statuses a job may move to from each status.
var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	ErrorMessage *string
	Result       *models.JobResult
}

type JobUpdateOption func(*jobUpdateParams)

// JobUpdate is the combined effect of a set of JobUpdateOptions.
type JobUpdate struct {
	ErrorMessage *string
	Result       *models.JobResult
}

// ApplyJobUpdate folds opts into a JobUpdate, for Store implementations
// outside this package.
func ApplyJobUpdate(opts ...JobUpdateOption) JobUpdate {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return JobUpdate{ErrorMessage: p.ErrorMessage, Result: p.Result}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithResult(r models.JobResult) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = &r
	}
}
