package studio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const (
	defaultUserName = "User"
	narrator        = "Narrator"
)

var thinkingLevels = map[string]bool{"": true, "minimal": true, "low": true, "medium": true, "high": true}

// CreateSessionParams describes a new session. Model defaults per kind.
type CreateSessionParams struct {
	TenantID             uuid.UUID
	Kind                 string
	Model                string
	Credential           string
	SystemInstruction    string
	SaveThoughtSignature bool
	ThinkingLevel        string
	ThinkingBudget       *int
	UserName             string
	Roles                []string
}

// UpdateSessionParams changes the non-nil fields only.
type UpdateSessionParams struct {
	Model                *string
	Credential           *string
	SystemInstruction    *string
	SaveThoughtSignature *bool
	ThinkingLevel        *string
	ThinkingBudget       *int
	ClearThinkingBudget  bool
	UserName             *string
	Roles                *[]string
}

func (s *Service) CreateSession(ctx context.Context, p CreateSessionParams) (*models.Session, error) {
	if !models.ValidSessionKind(p.Kind) {
		return nil, validationError("unknown session kind %q", p.Kind)
	}

	model := strings.TrimSpace(p.Model)
	if model == "" {
		model = s.opts.DefaultModel
		if p.Kind == models.SessionKindVideo {
			model = s.opts.DefaultVideoModel
		}
	}

	system := p.SystemInstruction
	if strings.TrimSpace(system) == "" {
		system = defaultInstruction(p.Kind)
	}

	now := s.now()
	sess := &models.Session{
		ID:                   uuid.New(),
		TenantID:             p.TenantID,
		Kind:                 p.Kind,
		Model:                gemini.TrimModelPrefix(model),
		Credential:           strings.TrimSpace(p.Credential),
		SystemInstruction:    system,
		SaveThoughtSignature: p.SaveThoughtSignature,
		ThinkingLevel:        p.ThinkingLevel,
		ThinkingBudget:       p.ThinkingBudget,
		UserName:             strings.TrimSpace(p.UserName),
		Roles:                p.Roles,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := validateSession(sess); err != nil {
		return nil, err
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, tenantID, id uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

func (s *Service) UpdateSession(ctx context.Context, tenantID, id uuid.UUID, p UpdateSessionParams) (*models.Session, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.GetSession(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if p.Model != nil {
		sess.Model = gemini.TrimModelPrefix(strings.TrimSpace(*p.Model))
	}
	if p.Credential != nil {
		sess.Credential = strings.TrimSpace(*p.Credential)
	}
	if p.SystemInstruction != nil {
		sess.SystemInstruction = *p.SystemInstruction
	}
	if p.SaveThoughtSignature != nil {
		sess.SaveThoughtSignature = *p.SaveThoughtSignature
	}
	if p.ThinkingLevel != nil {
		sess.ThinkingLevel = *p.ThinkingLevel
	}
	if p.ClearThinkingBudget {
		sess.ThinkingBudget = nil
	} else if p.ThinkingBudget != nil {
		b := *p.ThinkingBudget
		sess.ThinkingBudget = &b
	}
	if p.UserName != nil {
		sess.UserName = strings.TrimSpace(*p.UserName)
	}
	if p.Roles != nil {
		sess.Roles = append([]string(nil), (*p.Roles)...)
	}
	if err := validateSession(sess); err != nil {
		return nil, err
	}

	sess.UpdatedAt = s.now()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	return sess, nil
}

// DeleteSession stops polling the session's jobs and removes the session
// with its history, usage, jobs and kept values.
func (s *Service) DeleteSession(ctx context.Context, tenantID, id uuid.UUID) error {
	sess, err := s.GetSession(ctx, tenantID, id)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	for _, j := range jobs {
		s.mu.Lock()
		run, ok := s.running[j.ID]
		s.mu.Unlock()
		if ok {
			run.cancel()
			<-run.done
		}
	}

	if err := s.store.DeleteSession(ctx, id, tenantID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := s.clearSessionValues(ctx, sess); err != nil {
		slog.Warn("failed to delete session values", "session_id", id, "error", err)
	}
	return nil
}

func validateSession(sess *models.Session) error {
	if sess.Model == "" {
		return validationError("model is required")
	}
	if !thinkingLevels[sess.ThinkingLevel] {
		return validationError("unknown thinking level %q", sess.ThinkingLevel)
	}
	// -1 asks the model to pick its own budget.
	if sess.ThinkingBudget != nil && *sess.ThinkingBudget < -1 {
		return validationError("thinking budget must be -1 or greater")
	}
	if strings.Contains(sess.UserName, ":") {
		return validationError("user name must not contain ':'")
	}

	seen := make(map[string]bool, len(sess.Roles))
	for i, r := range sess.Roles {
		r = strings.TrimSpace(r)
		switch {
		case r == "":
			return validationError("role names must not be empty")
		case strings.Contains(r, ":"):
			return validationError("role %q must not contain ':'", r)
		case r == narrator || r == userName(sess):
			return validationError("role %q is reserved", r)
		case seen[r]:
			return validationError("duplicate role %q", r)
		}
		seen[r] = true
		sess.Roles[i] = r
	}
	return nil
}

// userName is how the human participant is labelled in transcripts.
func userName(sess *models.Session) string {
	if sess.UserName == "" {
		return defaultUserName
	}
	return sess.UserName
}

// loadSession fetches a session that is about to call upstream: it must
// have a credential and, when kinds are given, be one of those kinds.
func (s *Service) loadSession(ctx context.Context, tenantID, id uuid.UUID, kinds ...string) (*models.Session, error) {
	sess, err := s.GetSession(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := checkKind(sess, kinds...); err != nil {
		return nil, err
	}
	if !sess.HasCredential() {
		return nil, validationError("API credential is not set")
	}
	return sess, nil
}

func checkKind(sess *models.Session, kinds ...string) error {
	if len(kinds) == 0 {
		return nil
	}
	for _, k := range kinds {
		if sess.Kind == k {
			return nil
		}
	}
	return validationError("operation not available for %s sessions", sess.Kind)
}
