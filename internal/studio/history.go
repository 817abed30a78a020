package studio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// HistoryEntry is one exported turn.
type HistoryEntry struct {
	Role             string `json:"role"`
	Speaker          string `json:"speaker,omitempty"`
	Text             string `json:"text"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

// HistoryDocument is the portable form of a conversation.
type HistoryDocument struct {
	SystemInstruction string         `json:"systemInstruction"`
	UserName          string         `json:"userName,omitempty"`
	Roles             []string       `json:"roles,omitempty"`
	History           []HistoryEntry `json:"history"`
}

func (s *Service) ExportHistory(ctx context.Context, tenantID, sessionID uuid.UUID) (*HistoryDocument, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	doc := &HistoryDocument{
		SystemInstruction: sess.SystemInstruction,
		UserName:          sess.UserName,
		Roles:             sess.Roles,
		History:           make([]HistoryEntry, 0, len(turns)),
	}
	for _, t := range turns {
		doc.History = append(doc.History, HistoryEntry{
			Role:             t.Role,
			Speaker:          t.Speaker,
			Text:             t.Text,
			ThoughtSignature: t.ThoughtSignature,
		})
	}
	return doc, nil
}

// ImportHistory replaces the session's history and conversation settings
// with doc.
func (s *Service) ImportHistory(ctx context.Context, tenantID, sessionID uuid.UUID, doc *HistoryDocument) error {
	if doc == nil {
		return validationError("history document is required")
	}

	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if err := checkKind(sess, models.SessionKindChat, models.SessionKindRoleplay); err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	sess.SystemInstruction = doc.SystemInstruction
	if sess.Kind == models.SessionKindRoleplay {
		sess.UserName = strings.TrimSpace(doc.UserName)
		sess.Roles = append([]string(nil), doc.Roles...)
	}
	if err := validateSession(sess); err != nil {
		return err
	}

	turns := make([]*models.Turn, 0, len(doc.History))
	for i, e := range doc.History {
		t := &models.Turn{
			Role:             e.Role,
			Speaker:          strings.TrimSpace(e.Speaker),
			Text:             e.Text,
			ThoughtSignature: e.ThoughtSignature,
		}
		if t.Role == "" && t.Speaker != "" {
			t.Role = models.RoleModel
			if t.Speaker == userName(sess) {
				t.Role = models.RoleUser
			}
		}
		if t.Role != models.RoleUser && t.Role != models.RoleModel {
			return validationError("history entry %d: role must be user or model", i+1)
		}
		turns = append(turns, t)
	}

	sess.UpdatedAt = s.now()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if err := s.store.ReplaceTurns(ctx, sessionID, turns); err != nil {
		return fmt.Errorf("saving history: %w", err)
	}
	return nil
}

// legacyEntry covers both older export layouts: role plus parts, and
// speaker plus text.
type legacyEntry struct {
	Role             string `json:"role"`
	Speaker          string `json:"speaker"`
	Text             string `json:"text"`
	ThoughtSignature string `json:"thoughtSignature"`
	Parts            []struct {
		Text             string `json:"text"`
		ThoughtSignature string `json:"thoughtSignature"`
	} `json:"parts"`
}

type rawHistoryDocument struct {
	SystemInstruction string         `json:"systemInstruction"`
	UserName          string         `json:"userName"`
	Roles             []string       `json:"roles"`
	History           []HistoryEntry `json:"history"`
	ChatHistory       []legacyEntry  `json:"chatHistory"`
}

// DecodeHistory parses an exported document. Files with a chatHistory array
// in place of history are accepted too.
func DecodeHistory(data []byte) (*HistoryDocument, error) {
	var raw rawHistoryDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, validationError("history document is not valid JSON: %v", err)
	}
	if raw.History == nil && raw.ChatHistory == nil {
		return nil, validationError("history document has no history array")
	}

	doc := &HistoryDocument{
		SystemInstruction: raw.SystemInstruction,
		UserName:          raw.UserName,
		Roles:             raw.Roles,
		History:           raw.History,
	}
	if doc.History == nil {
		doc.History = make([]HistoryEntry, 0, len(raw.ChatHistory))
	}

	for i, e := range raw.ChatHistory {
		if e.Role == "" && e.Speaker == "" {
			return nil, validationError("history entry %d has neither role nor speaker", i+1)
		}
		entry := HistoryEntry{Role: e.Role, Speaker: e.Speaker, Text: e.Text, ThoughtSignature: e.ThoughtSignature}
		if len(e.Parts) > 0 {
			texts := make([]string, 0, len(e.Parts))
			for _, p := range e.Parts {
				texts = append(texts, p.Text)
				if entry.ThoughtSignature == "" {
					entry.ThoughtSignature = p.ThoughtSignature
				}
			}
			entry.Text = strings.Join(texts, "\n")
		}
		doc.History = append(doc.History, entry)
	}
	return doc, nil
}
