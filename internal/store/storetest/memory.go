// Package storetest provides an in-memory store.Store for tests of code that
// sits above the database.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/store"
	"github.com/kiranshivaraju/gemstudio/internal/usage"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// DefaultTenantID matches the tenant seeded by the migrations.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Memory is a mutex-guarded Store. Values are copied on the way in and out
// so callers cannot mutate stored state behind its back.
type Memory struct {
	mu       sync.Mutex
	keys     map[uuid.UUID]*models.APIKey
	sessions map[uuid.UUID]*models.Session
	turns    map[uuid.UUID][]*models.Turn
	usage    map[uuid.UUID]*usage.Accumulator
	kv       map[string]string
	jobs     map[uuid.UUID]*models.Job

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMemory returns an empty store with the default tenant.
func NewMemory() *Memory {
	return &Memory{
		keys:     make(map[uuid.UUID]*models.APIKey),
		sessions: make(map[uuid.UUID]*models.Session),
		turns:    make(map[uuid.UUID][]*models.Turn),
		usage:    make(map[uuid.UUID]*usage.Accumulator),
		kv:       make(map[string]string),
		jobs:     make(map[uuid.UUID]*models.Job),
	}
}

func (m *Memory) Ping(context.Context) error { return m.PingErr }

func (m *Memory) GetDefaultTenant(context.Context) (*models.Tenant, error) {
	return &models.Tenant{ID: DefaultTenantID, Name: "default"}, nil
}

// --- API Keys ---

func (m *Memory) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *Memory) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

func (m *Memory) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.APIKey{}
	for _, k := range m.keys {
		if k.TenantID == tenantID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.TenantID != tenantID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Sessions ---

func (m *Memory) CreateSession(_ context.Context, sess *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.sessions[sess.ID] = copySession(sess)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return copySession(s), nil
}

func (m *Memory) UpdateSession(_ context.Context, sess *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sess.ID]
	if !ok || s.TenantID != sess.TenantID {
		return store.ErrNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	m.sessions[sess.ID] = copySession(sess)
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.turns, id)
	delete(m.usage, id)
	for jid, j := range m.jobs {
		if j.SessionID == id {
			delete(m.jobs, jid)
		}
	}
	return nil
}

// --- Turns ---

func (m *Memory) AppendTurns(_ context.Context, sessionID uuid.UUID, turns ...*models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return store.ErrNotFound
	}
	last := 0
	if existing := m.turns[sessionID]; len(existing) > 0 {
		last = existing[len(existing)-1].Seq
	}
	m.turns[sessionID] = append(m.turns[sessionID], prepareTurns(sessionID, last, turns)...)
	return nil
}

func (m *Memory) ListTurns(_ context.Context, sessionID uuid.UUID) ([]*models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Turn, 0, len(m.turns[sessionID]))
	for _, t := range m.turns[sessionID] {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (m *Memory) ReplaceTurns(_ context.Context, sessionID uuid.UUID, turns []*models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = prepareTurns(sessionID, 0, turns)
	return nil
}

func (m *Memory) ClearThoughtSignatures(_ context.Context, sessionID uuid.UUID, all bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[sessionID]
	n := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].ThoughtSignature == "" {
			continue
		}
		turns[i].ThoughtSignature = ""
		n++
		if !all {
			break
		}
	}
	return n, nil
}

func prepareTurns(sessionID uuid.UUID, after int, turns []*models.Turn) []*models.Turn {
	now := time.Now().UTC()
	out := make([]*models.Turn, 0, len(turns))
	for i, t := range turns {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.SessionID = sessionID
		t.Seq = after + i + 1
		c := *t
		out = append(out, &c)
	}
	return out
}

// --- Usage ---

func (m *Memory) GetUsage(_ context.Context, sessionID uuid.UUID) (models.UsageTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.usage[sessionID]; ok {
		return acc.Totals(), nil
	}
	return models.UsageTotals{}, nil
}

func (m *Memory) AddUsage(_ context.Context, sessionID uuid.UUID, delta models.Usage) (models.UsageTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.usage[sessionID]
	if !ok {
		acc = usage.NewAccumulator(models.UsageTotals{})
		m.usage[sessionID] = acc
	}
	return acc.Add(delta), nil
}

func (m *Memory) ResetUsage(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, sessionID)
	return nil
}

// --- Key/value ---

func kvKey(tenantID uuid.UUID, key string) string {
	return tenantID.String() + "/" + key
}

func (m *Memory) PutValue(_ context.Context, tenantID uuid.UUID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[kvKey(tenantID, key)] = value
	return nil
}

func (m *Memory) GetValue(_ context.Context, tenantID uuid.UUID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[kvKey(tenantID, key)]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *Memory) DeleteValue(_ context.Context, tenantID uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, kvKey(tenantID, key))
	return nil
}

func (m *Memory) ListValues(_ context.Context, tenantID uuid.UUID, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	full := kvKey(tenantID, prefix)
	for k, v := range m.kv {
		if strings.HasPrefix(k, full) {
			out[strings.TrimPrefix(k, tenantID.String()+"/")] = v
		}
	}
	return out, nil
}

// --- Jobs ---

func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("create job: new jobs must be %s, got %q", models.JobStatusPending, job.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, sessionID uuid.UUID) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Job{}
	for _, j := range m.jobs {
		if j.SessionID == sessionID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) ListPendingJobs(context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Job{}
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	applied := store.ApplyJobUpdate(opts...)
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	j.CompletedAt = &now
	if applied.ErrorMessage != nil {
		msg := *applied.ErrorMessage
		j.ErrorMessage = &msg
	}
	if applied.Result != nil {
		r := *applied.Result
		j.Result = &r
	}
	return nil
}

func copySession(s *models.Session) *models.Session {
	c := *s
	c.Roles = append([]string(nil), s.Roles...)
	if s.ThinkingBudget != nil {
		b := *s.ThinkingBudget
		c.ThinkingBudget = &b
	}
	return &c
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.Params != nil {
		c.Params = append(json.RawMessage(nil), j.Params...)
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

var _ store.Store = (*Memory)(nil)
