// Package models contains shared data models used across the gemstudio codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Session kinds. A kind names the workspace a session stands for and doubles as
// its key-value prefix.
const (
	SessionKindChat       = "chat"
	SessionKindRoleplay   = "roleplay"
	SessionKindMultimodal = "multimodal"
	SessionKindBatch      = "batch"
	SessionKindVideo      = "video"
	SessionKindAdventure  = "rpg"
	SessionKindStory      = "story"
)

// ValidSessionKind reports whether kind is one of the known session kinds.
func ValidSessionKind(kind string) bool {
	switch kind {
	case SessionKindChat, SessionKindRoleplay, SessionKindMultimodal, SessionKindBatch, SessionKindVideo,
		SessionKindAdventure, SessionKindStory:
		return true
	}
	return false
}

// Session holds everything a single workspace needs between requests: the
// credential and model used for upstream calls plus conversation settings.
// The credential is never serialized to API clients.
type Session struct {
	ID                   uuid.UUID `db:"id"                     json:"id"`
	TenantID             uuid.UUID `db:"tenant_id"              json:"tenant_id"`
	Kind                 string    `db:"kind"                   json:"kind"`
	Model                string    `db:"model"                  json:"model"`
	Credential           string    `db:"credential"             json:"-"`
	SystemInstruction    string    `db:"system_instruction"     json:"system_instruction,omitempty"`
	SaveThoughtSignature bool      `db:"save_thought_signature" json:"save_thought_signature"`
	ThinkingLevel        string    `db:"thinking_level"         json:"thinking_level,omitempty"`
	ThinkingBudget       *int      `db:"thinking_budget"        json:"thinking_budget,omitempty"`
	UserName             string    `db:"user_name"              json:"user_name,omitempty"`
	Roles                []string  `db:"roles"                  json:"roles,omitempty"`
	CreatedAt            time.Time `db:"created_at"             json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"             json:"updated_at"`
}

// HasCredential reports whether an upstream credential is configured.
func (s *Session) HasCredential() bool {
	return s.Credential != ""
}

// Turn roles as understood by the upstream API.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one entry of a session's ordered history. Speaker is set for
// multi-party sessions, where Role alone cannot tell participants apart.
type Turn struct {
	ID               uuid.UUID `db:"id"                json:"id"`
	SessionID        uuid.UUID `db:"session_id"        json:"session_id"`
	Seq              int       `db:"seq"               json:"seq"`
	Role             string    `db:"role"              json:"role"`
	Speaker          string    `db:"speaker"           json:"speaker,omitempty"`
	Text             string    `db:"text"              json:"text"`
	ThoughtSignature string    `db:"thought_signature" json:"thought_signature,omitempty"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
}
