package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/gemstudio/internal/usage"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

const apiKeyColumns = `id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, nonNilStrings(key.Scopes), key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Sessions ---

const sessionColumns = `id, tenant_id, kind, model, credential, system_instruction, save_thought_signature,
	thinking_level, thinking_budget, user_name, roles, created_at, updated_at`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.TenantID, sess.Kind, sess.Model, sess.Credential, sess.SystemInstruction,
		sess.SaveThoughtSignature, sess.ThinkingLevel, sess.ThinkingBudget, sess.UserName,
		nonNilStrings(sess.Roles), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&sess.ID, &sess.TenantID, &sess.Kind, &sess.Model, &sess.Credential, &sess.SystemInstruction,
		&sess.SaveThoughtSignature, &sess.ThinkingLevel, &sess.ThinkingBudget, &sess.UserName,
		&sess.Roles, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET model = $3, credential = $4, system_instruction = $5, save_thought_signature = $6,
		   thinking_level = $7, thinking_budget = $8, user_name = $9, roles = $10, updated_at = $11
		 WHERE id = $1 AND tenant_id = $2`,
		sess.ID, sess.TenantID, sess.Model, sess.Credential, sess.SystemInstruction, sess.SaveThoughtSignature,
		sess.ThinkingLevel, sess.ThinkingBudget, sess.UserName, nonNilStrings(sess.Roles), sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Turns ---

func (s *PostgresStore) AppendTurns(ctx context.Context, sessionID uuid.UUID, turns ...*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize appends per session.
		var id uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		var last int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = $1`, sessionID).Scan(&last); err != nil {
			return fmt.Errorf("last turn seq: %w", err)
		}
		return insertTurns(ctx, tx, sessionID, last, turns)
	})
}

func (s *PostgresStore) ListTurns(ctx context.Context, sessionID uuid.UUID) ([]*models.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, role, speaker, text, thought_signature, created_at
		 FROM turns WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	turns := []*models.Turn{}
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Role, &t.Speaker, &t.Text,
			&t.ThoughtSignature, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) ReplaceTurns(ctx context.Context, sessionID uuid.UUID, turns []*models.Turn) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}
		return insertTurns(ctx, tx, sessionID, 0, turns)
	})
}

func (s *PostgresStore) ClearThoughtSignatures(ctx context.Context, sessionID uuid.UUID, all bool) (int, error) {
	query := `UPDATE turns SET thought_signature = '' WHERE session_id = $1 AND thought_signature <> ''`
	if !all {
		query = `UPDATE turns SET thought_signature = ''
		 WHERE id = (SELECT id FROM turns WHERE session_id = $1 AND thought_signature <> '' ORDER BY seq DESC LIMIT 1)`
	}
	tag, err := s.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear thought signatures: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func insertTurns(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, after int, turns []*models.Turn) error {
	now := time.Now().UTC()
	for i, t := range turns {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.SessionID = sessionID
		t.Seq = after + i + 1
		if _, err := tx.Exec(ctx,
			`INSERT INTO turns (id, session_id, seq, role, speaker, text, thought_signature, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, t.SessionID, t.Seq, t.Role, t.Speaker, t.Text, t.ThoughtSignature, t.CreatedAt); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return nil
}

// --- Usage ---

const usageColumns = `input_tokens, output_tokens, cost, calls, current_input_tokens, current_output_tokens, current_cost, updated_at`

func (s *PostgresStore) GetUsage(ctx context.Context, sessionID uuid.UUID) (models.UsageTotals, error) {
	totals, err := scanUsage(s.pool.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM session_usage WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UsageTotals{}, nil
	}
	if err != nil {
		return models.UsageTotals{}, fmt.Errorf("get usage: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, sessionID uuid.UUID, delta models.Usage) (models.UsageTotals, error) {
	delta = usage.Clamp(delta)
	totals, err := scanUsage(s.pool.QueryRow(ctx,
		`INSERT INTO session_usage (session_id, input_tokens, output_tokens, cost, calls,
		   current_input_tokens, current_output_tokens, current_cost, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $2, $3, $4, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET
		   input_tokens = session_usage.input_tokens + EXCLUDED.input_tokens,
		   output_tokens = session_usage.output_tokens + EXCLUDED.output_tokens,
		   cost = session_usage.cost + EXCLUDED.cost,
		   calls = session_usage.calls + 1,
		   current_input_tokens = EXCLUDED.current_input_tokens,
		   current_output_tokens = EXCLUDED.current_output_tokens,
		   current_cost = EXCLUDED.current_cost,
		   updated_at = NOW()
		 RETURNING `+usageColumns,
		sessionID, delta.InputTokens, delta.OutputTokens, delta.Cost))
	if err != nil {
		return models.UsageTotals{}, fmt.Errorf("add usage: %w", err)
	}
	return totals, nil
}

func (s *PostgresStore) ResetUsage(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session_usage WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}

func scanUsage(row pgx.Row) (models.UsageTotals, error) {
	var u models.UsageTotals
	err := row.Scan(&u.Total.InputTokens, &u.Total.OutputTokens, &u.Total.Cost, &u.Calls,
		&u.Current.InputTokens, &u.Current.OutputTokens, &u.Current.Cost, &u.UpdatedAt)
	return u, err
}

// --- Key/value ---

func (s *PostgresStore) PutValue(ctx context.Context, tenantID uuid.UUID, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (tenant_id, key, value, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (tenant_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		tenantID, key, value)
	if err != nil {
		return fmt.Errorf("put value: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetValue(ctx context.Context, tenantID uuid.UUID, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE tenant_id = $1 AND key = $2`, tenantID, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get value: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) DeleteValue(ctx context.Context, tenantID uuid.UUID, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	if err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListValues(ctx context.Context, tenantID uuid.UUID, prefix string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM kv WHERE tenant_id = $1 AND starts_with(key, $2) ORDER BY key`, tenantID, prefix)
	if err != nil {
		return nil, fmt.Errorf("list values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, tenant_id, session_id, type, remote_name, status, model, params, result,
	error_message, completed_at, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("create job: new jobs must be %s, got %q", models.JobStatusPending, job.Status)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, session_id, type, remote_name, status, model, params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.TenantID, job.SessionID, job.Type, job.RemoteName, job.Status, job.Model,
		nullableJSON(job.Params), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, sessionID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListPendingJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return collectJobs(rows)
}

// UpdateJobStatus moves a job along validTransitions. The check and the write
// happen in one statement, so two pollers racing to finish a job cannot both win.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var from []string
	for src := range validTransitions {
		if CanTransition(src, status) {
			from = append(from, src)
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	sets := []string{"status = $2", "updated_at = $3", "completed_at = $3"}
	args := []any{id, status, now}

	if params.ErrorMessage != nil {
		args = append(args, *params.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if params.Result != nil {
		raw, err := json.Marshal(params.Result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		args = append(args, raw)
		sets = append(sets, fmt.Sprintf("result = $%d", len(args)))
	}
	args = append(args, from)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status = ANY($%d)`, strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j              models.Job
		params, result []byte
	)
	if err := row.Scan(&j.ID, &j.TenantID, &j.SessionID, &j.Type, &j.RemoteName, &j.Status, &j.Model,
		&params, &result, &j.ErrorMessage, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		j.Params = json.RawMessage(params)
	}
	if len(result) > 0 {
		var r models.JobResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
