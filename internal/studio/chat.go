package studio

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const (
	chatMaxOutputTokens    = 5000
	respondMaxOutputTokens = 8192
)

// ChatReply is the model turn a chat call appended, with its usage.
type ChatReply struct {
	Turn   *models.Turn       `json:"turn,omitempty"`
	Usage  models.Usage       `json:"usage"`
	Totals models.UsageTotals `json:"totals"`
}

// Send appends text as a user turn and asks the model to reply. Both turns
// are stored only once the reply arrived, so a failed or cancelled call
// leaves the history untouched.
func (s *Service) Send(ctx context.Context, tenantID, sessionID uuid.UUID, text string) (*ChatReply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationError("message is required")
	}

	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID, models.SessionKindChat)
	if err != nil {
		return nil, err
	}
	defer unlock()

	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	user := &models.Turn{Role: models.RoleUser, Text: text}
	res, err := s.generate(ctx, sess, s.chatRequest(sess, append(turns, user)))
	if err != nil {
		return nil, err
	}

	reply := modelTurn(sess, "", res)
	if err := s.store.AppendTurns(context.WithoutCancel(ctx), sessionID, user, reply); err != nil {
		return nil, fmt.Errorf("saving history: %w", err)
	}
	return &ChatReply{Turn: reply, Usage: res.Usage, Totals: res.Totals}, nil
}

// Regenerate replaces the last reply. In a chat the trailing model turn is
// dropped and the last user turn answered again; in a roleplay the last
// speaker's line is dropped and that speaker responds again.
func (s *Service) Regenerate(ctx context.Context, tenantID, sessionID uuid.UUID) (*ChatReply, error) {
	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID, models.SessionKindChat, models.SessionKindRoleplay)
	if err != nil {
		return nil, err
	}
	defer unlock()

	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if len(turns) == 0 {
		return nil, validationError("history is empty")
	}

	if sess.Kind == models.SessionKindRoleplay {
		last := turns[len(turns)-1]
		return s.respondAs(ctx, sess, turns[:len(turns)-1], last.Speaker, true)
	}

	kept := turns
	if kept[len(kept)-1].Role == models.RoleModel {
		kept = kept[:len(kept)-1]
	}
	if len(kept) == 0 || kept[len(kept)-1].Role != models.RoleUser {
		return nil, validationError("no user message to reply to")
	}

	res, err := s.generate(ctx, sess, s.chatRequest(sess, kept))
	if err != nil {
		return nil, err
	}

	reply := modelTurn(sess, "", res)
	if err := s.store.ReplaceTurns(context.WithoutCancel(ctx), sessionID, append(kept, reply)); err != nil {
		return nil, fmt.Errorf("saving history: %w", err)
	}
	return &ChatReply{Turn: reply, Usage: res.Usage, Totals: res.Totals}, nil
}

// RespondAs asks the model to write the next line of a multi-party
// transcript as speaker.
func (s *Service) RespondAs(ctx context.Context, tenantID, sessionID uuid.UUID, speaker string) (*ChatReply, error) {
	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID, models.SessionKindRoleplay)
	if err != nil {
		return nil, err
	}
	defer unlock()

	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return s.respondAs(ctx, sess, turns, strings.TrimSpace(speaker), false)
}

// respondAs generates speaker's line after turns. With replace set the
// stored history is swapped for turns plus the reply, otherwise the reply
// is appended. An empty reply adds nothing.
func (s *Service) respondAs(ctx context.Context, sess *models.Session, turns []*models.Turn, speaker string, replace bool) (*ChatReply, error) {
	if !isParticipant(sess, speaker) {
		return nil, validationError("unknown speaker %q", speaker)
	}

	req := &gemini.GenerateContentRequest{
		Contents: []gemini.Content{gemini.TextContent(models.RoleUser, transcript(sess, turns, speaker))},
		GenerationConfig: &gemini.GenerationConfig{
			MaxOutputTokens: respondMaxOutputTokens,
			StopSequences:   gemini.StopSequences(sess.Roles, userName(sess), speaker),
			ThinkingConfig:  gemini.ThinkingConfigFor(sess.Model, sess.ThinkingLevel, sess.ThinkingBudget),
		},
	}

	res, err := s.generate(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(res.Text)
	if rest, ok := strings.CutPrefix(text, speaker+":"); ok {
		text = strings.TrimSpace(rest)
	}
	res.Text = text

	var reply *models.Turn
	if text != "" {
		reply = modelTurn(sess, speaker, res)
		if speaker == userName(sess) {
			reply.Role = models.RoleUser
		}
	}

	saveCtx := context.WithoutCancel(ctx)
	switch {
	case replace && reply != nil:
		err = s.store.ReplaceTurns(saveCtx, sess.ID, append(turns, reply))
	case replace:
		err = s.store.ReplaceTurns(saveCtx, sess.ID, turns)
	case reply != nil:
		err = s.store.AppendTurns(saveCtx, sess.ID, reply)
	}
	if err != nil {
		return nil, fmt.Errorf("saving history: %w", err)
	}
	return &ChatReply{Turn: reply, Usage: res.Usage, Totals: res.Totals}, nil
}

// AddTurn appends a line written by a participant without calling the
// model: the user's own message or a narration.
func (s *Service) AddTurn(ctx context.Context, tenantID, sessionID uuid.UUID, speaker, text string) (*models.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationError("text is required")
	}

	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkKind(sess, models.SessionKindRoleplay); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	speaker = strings.TrimSpace(speaker)
	if speaker == "" {
		speaker = userName(sess)
	}
	if !isParticipant(sess, speaker) {
		return nil, validationError("unknown speaker %q", speaker)
	}

	turn := &models.Turn{Role: models.RoleModel, Speaker: speaker, Text: strings.TrimSpace(text)}
	if speaker == userName(sess) {
		turn.Role = models.RoleUser
	}
	if err := s.store.AppendTurns(ctx, sessionID, turn); err != nil {
		return nil, fmt.Errorf("saving history: %w", err)
	}
	return turn, nil
}

// RemoveLastTurn drops the most recent turn and returns it. For a story
// that is the last paragraph.
func (s *Service) RemoveLastTurn(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.Turn, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkKind(sess, models.SessionKindChat, models.SessionKindRoleplay, models.SessionKindStory); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if len(turns) == 0 {
		return nil, validationError("history is empty")
	}
	last := turns[len(turns)-1]
	if err := s.store.ReplaceTurns(ctx, sessionID, turns[:len(turns)-1]); err != nil {
		return nil, fmt.Errorf("saving history: %w", err)
	}
	return last, nil
}

// History returns the ordered turns of a session.
func (s *Service) History(ctx context.Context, tenantID, sessionID uuid.UUID) ([]*models.Turn, error) {
	if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListTurns(ctx, sessionID)
}

// CleanSignatures removes the most recent thought signature, or all of
// them, and reports how many turns changed.
func (s *Service) CleanSignatures(ctx context.Context, tenantID, sessionID uuid.UUID, all bool) (int, error) {
	if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
		return 0, err
	}
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := s.store.ClearThoughtSignatures(ctx, sessionID, all)
	if err != nil {
		return 0, fmt.Errorf("cleaning signatures: %w", err)
	}
	return n, nil
}

// ClearHistory empties the history and resets usage. Roleplay sessions
// also lose their roles and user name; adventures their inventory and
// stories their kept prompt.
func (s *Service) ClearHistory(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.ReplaceTurns(ctx, sessionID, nil); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	if err := s.store.ResetUsage(ctx, sessionID); err != nil {
		return fmt.Errorf("resetting usage: %w", err)
	}

	if sess.Kind == models.SessionKindAdventure || sess.Kind == models.SessionKindStory {
		if err := s.clearSessionValues(ctx, sess); err != nil {
			return err
		}
	}

	if sess.Kind == models.SessionKindRoleplay && (len(sess.Roles) > 0 || sess.UserName != "") {
		sess.Roles = nil
		sess.UserName = ""
		sess.UpdatedAt = s.now()
		if err := s.store.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
	}
	return nil
}

// lockSession loads a session that may call upstream and takes its lock.
func (s *Service) lockSession(ctx context.Context, tenantID, sessionID uuid.UUID, kinds ...string) (*models.Session, func(), error) {
	sess, err := s.loadSession(ctx, tenantID, sessionID, kinds...)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, unlock, nil
}

// chatRequest replays the history as alternating contents. Stored thought
// signatures go back with their turn.
func (s *Service) chatRequest(sess *models.Session, turns []*models.Turn) *gemini.GenerateContentRequest {
	contents := make([]gemini.Content, 0, len(turns))
	for _, t := range turns {
		contents = append(contents, gemini.Content{
			Role:  t.Role,
			Parts: []gemini.Part{{Text: t.Text, ThoughtSignature: t.ThoughtSignature}},
		})
	}
	return &gemini.GenerateContentRequest{
		Contents:          contents,
		SystemInstruction: systemInstruction(sess),
		GenerationConfig: &gemini.GenerationConfig{
			MaxOutputTokens: chatMaxOutputTokens,
			ThinkingConfig:  gemini.ThinkingConfigFor(sess.Model, sess.ThinkingLevel, sess.ThinkingBudget),
		},
	}
}

func modelTurn(sess *models.Session, speaker string, res *GenerateResult) *models.Turn {
	t := &models.Turn{Role: models.RoleModel, Speaker: speaker, Text: res.Text}
	if sess.SaveThoughtSignature {
		t.ThoughtSignature = res.ThoughtSignature
	}
	return t
}

func isParticipant(sess *models.Session, speaker string) bool {
	if speaker == "" {
		return false
	}
	if speaker == narrator || speaker == userName(sess) {
		return true
	}
	for _, r := range sess.Roles {
		if r == speaker {
			return true
		}
	}
	return false
}

// transcript renders a multi-party history as one prompt ending with the
// target speaker's label.
func transcript(sess *models.Session, turns []*models.Turn, target string) string {
	var b strings.Builder
	if sess.SystemInstruction != "" {
		b.WriteString(sess.SystemInstruction)
		b.WriteString("\n\n")
	}
	b.WriteString("## Begin of chat history\n\n")
	for _, t := range turns {
		speaker := t.Speaker
		if speaker == "" {
			speaker = userName(sess)
			if t.Role == models.RoleModel {
				speaker = narrator
			}
		}
		fmt.Fprintf(&b, "%s: %s\n\n", speaker, t.Text)
	}
	b.WriteString("## End of chat history\n\n")
	fmt.Fprintf(&b, "Please write a response from role %s\n\n", target)
	fmt.Fprintf(&b, "%s:", target)
	return b.String()
}
