package studio

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/store"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// Default instructions for the sessions that narrate. A session created
// without its own instruction starts from these.
const (
	DefaultGameMaster = `You are the game master of a text adventure.
Describe the outcome of the player's actions vividly and keep the world consistent.
Keep replies concise but engaging.
Always answer in exactly this format:
STORY: [what happens next]
INVENTORY: [a comma-separated list of every item the player now carries]`

	DefaultStoryteller = `You are a skilled story writer.
Continue the story one paragraph at a time and keep the tone consistent.
The new paragraph must follow naturally from the existing text and include what the prompt asks to happen next.
Write in the language of the input or the previous paragraph.`
)

const (
	emptyInventory    = "Empty"
	adventureTemp     = 0.7
	storyTemp         = 0.9
	novelTemp         = 0.7
	novelPrompt       = "Please generate the novel abstract as instructed."
	movePrefix        = "> "
	paragraphSep      = "\n\n"
	maxNovelChapters  = 100
	novelInstructions = `Write a concise, compelling story writing plan.
It must include the setting, the names of the main characters and a detailed plan for all %d chapters.

Create a detailed story idea. Use around 100 words to describe each chapter in the plan.`
)

var (
	storyTag     = regexp.MustCompile(`(?i)STORY:`)
	inventoryTag = regexp.MustCompile(`(?i)INVENTORY:`)
	titleLine    = regexp.MustCompile(`(?m)^Title:[ \t]*(.+)$`)
)

func defaultInstruction(kind string) string {
	switch kind {
	case models.SessionKindAdventure:
		return DefaultGameMaster
	case models.SessionKindStory:
		return DefaultStoryteller
	}
	return ""
}

// ─── adventure ───

// AdventureState is the game so far: the transcript, where moves carry a
// "> " prefix, and the player's inventory.
type AdventureState struct {
	Transcript string `json:"transcript"`
	Inventory  string `json:"inventory"`
	Moves      int    `json:"moves"`
}

// AdventureTurn is one played move.
type AdventureTurn struct {
	Move      string             `json:"move"`
	Story     string             `json:"story"`
	Inventory string             `json:"inventory"`
	Usage     models.Usage       `json:"usage"`
	Totals    models.UsageTotals `json:"totals"`
}

// AdventurePrompt asks for the next scene. An empty transcript starts a new
// adventure with move as its setting.
func AdventurePrompt(transcript, inventory, move string) string {
	if strings.TrimSpace(inventory) == "" {
		inventory = emptyInventory
	}
	if strings.TrimSpace(transcript) == "" {
		return fmt.Sprintf("Start a new adventure. The setting is: %s\n\nMy current inventory: %s", move, inventory)
	}
	return fmt.Sprintf("Game History So Far:\n%s\n\nMy current inventory: %s\n\nMy next move: %s\n\n"+
		"What happens next? Update the inventory if I picked up or lost any items.", transcript, inventory, move)
}

// ParseAdventureReply splits a STORY:/INVENTORY: reply. A reply without a
// STORY: marker is taken whole as the story; inventory is empty when the
// reply names none.
func ParseAdventureReply(text string) (story, inventory string) {
	story = text
	if loc := storyTag.FindStringIndex(text); loc != nil {
		story = text[loc[1]:]
		if end := inventoryTag.FindStringIndex(story); end != nil {
			story = story[:end[0]]
		}
	}
	if loc := inventoryTag.FindStringIndex(text); loc != nil {
		inventory = strings.TrimSpace(text[loc[1]:])
	}
	return strings.TrimSpace(story), inventory
}

// AdventureTranscript renders adventure turns the way they are replayed to
// the model.
func AdventureTranscript(turns []*models.Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		if t.Role == models.RoleUser {
			parts = append(parts, movePrefix+t.Text)
			continue
		}
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, paragraphSep)
}

// PlayMove sends the player's next move and records the scene it produced.
// History and inventory change only when the reply carries a story.
func (s *Service) PlayMove(ctx context.Context, tenantID, sessionID uuid.UUID, move string) (*AdventureTurn, error) {
	move = strings.TrimSpace(move)
	if move == "" {
		return nil, validationError("move is required")
	}

	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID, models.SessionKindAdventure)
	if err != nil {
		return nil, err
	}
	defer unlock()

	turns, err := s.store.ListTurns(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	inventory, err := s.sessionValue(ctx, sess, inventoryKey(sess), emptyInventory)
	if err != nil {
		return nil, err
	}

	temp := adventureTemp
	req := &gemini.GenerateContentRequest{
		Contents:          []gemini.Content{gemini.TextContent(models.RoleUser, AdventurePrompt(AdventureTranscript(turns), inventory, move))},
		SystemInstruction: systemInstruction(sess),
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:    &temp,
			ThinkingConfig: gemini.ThinkingConfigFor(sess.Model, sess.ThinkingLevel, sess.ThinkingBudget),
		},
	}
	res, err := s.generate(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	story, newInventory := ParseAdventureReply(res.Text)
	if story == "" {
		return nil, fmt.Errorf("%w: reply has no story", gemini.ErrMalformedResponse)
	}

	saveCtx := context.WithoutCancel(ctx)
	err = s.store.AppendTurns(saveCtx, sess.ID,
		&models.Turn{Role: models.RoleUser, Text: move},
		&models.Turn{Role: models.RoleModel, Text: story},
	)
	if err != nil {
		return nil, fmt.Errorf("saving history: %w", err)
	}
	if newInventory != "" {
		inventory = newInventory
		if err := s.store.PutValue(saveCtx, tenantID, inventoryKey(sess), inventory); err != nil {
			return nil, fmt.Errorf("saving inventory: %w", err)
		}
	}

	return &AdventureTurn{Move: move, Story: story, Inventory: inventory, Usage: res.Usage, Totals: res.Totals}, nil
}

// UndoMove removes the last scene together with the move that led to it and
// returns how many turns were dropped. The inventory is left as is.
func (s *Service) UndoMove(ctx context.Context, tenantID, sessionID uuid.UUID) (int, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return 0, err
	}
	if err := checkKind(sess, models.SessionKindAdventure); err != nil {
		return 0, err
	}
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("loading history: %w", err)
	}
	if len(turns) == 0 {
		return 0, validationError("history is empty")
	}

	n := 1
	if len(turns) >= 2 && turns[len(turns)-1].Role == models.RoleModel && turns[len(turns)-2].Role == models.RoleUser {
		n = 2
	}
	if err := s.store.ReplaceTurns(ctx, sessionID, turns[:len(turns)-n]); err != nil {
		return 0, fmt.Errorf("saving history: %w", err)
	}
	return n, nil
}

// Adventure returns the game so far.
func (s *Service) Adventure(ctx context.Context, tenantID, sessionID uuid.UUID) (*AdventureState, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkKind(sess, models.SessionKindAdventure); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	inventory, err := s.sessionValue(ctx, sess, inventoryKey(sess), emptyInventory)
	if err != nil {
		return nil, err
	}

	moves := 0
	for _, t := range turns {
		if t.Role == models.RoleUser {
			moves++
		}
	}
	return &AdventureState{Transcript: AdventureTranscript(turns), Inventory: inventory, Moves: moves}, nil
}

// ─── story ───

// StoryState is the story written so far and the prompt kept for the next
// paragraph.
type StoryState struct {
	Text       string `json:"text"`
	NextPrompt string `json:"next_prompt,omitempty"`
	Paragraphs int    `json:"paragraphs"`
}

// StoryParagraph is one generated paragraph.
type StoryParagraph struct {
	Paragraph string             `json:"paragraph"`
	Story     string             `json:"story"`
	Usage     models.Usage       `json:"usage"`
	Totals    models.UsageTotals `json:"totals"`
}

// StoryPrompt asks for the paragraph after story. An empty story starts a
// new one about next.
func StoryPrompt(story, next string) string {
	if strings.TrimSpace(story) == "" {
		return "Start a new story. The first paragraph should be about: " + next
	}
	return fmt.Sprintf("Here is the story so far:\n\n%s\n\nWhat should happen next is: %s\n\n"+
		"Continue the story with ONE new paragraph, making sure it logically follows the previous text "+
		"and incorporates the \"what should happen next\" prompt.", story, next)
}

func storyText(turns []*models.Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, paragraphSep)
}

// ContinueStory writes the next paragraph. An empty next reuses the prompt
// of the previous call, which is kept across calls.
func (s *Service) ContinueStory(ctx context.Context, tenantID, sessionID uuid.UUID, next string) (*StoryParagraph, error) {
	sess, unlock, err := s.lockSession(ctx, tenantID, sessionID, models.SessionKindStory)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next = strings.TrimSpace(next)
	if next == "" {
		if next, err = s.sessionValue(ctx, sess, nextPromptKey(sess), ""); err != nil {
			return nil, err
		}
	}
	if next == "" {
		return nil, validationError("prompt is required")
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.PutValue(saveCtx, tenantID, nextPromptKey(sess), next); err != nil {
		return nil, fmt.Errorf("saving prompt: %w", err)
	}

	turns, err := s.store.ListTurns(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("loading story: %w", err)
	}
	story := storyText(turns)

	temp := storyTemp
	req := &gemini.GenerateContentRequest{
		Contents:          []gemini.Content{gemini.TextContent(models.RoleUser, StoryPrompt(story, next))},
		SystemInstruction: systemInstruction(sess),
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:    &temp,
			ThinkingConfig: gemini.ThinkingConfigFor(sess.Model, sess.ThinkingLevel, sess.ThinkingBudget),
		},
	}
	res, err := s.generate(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	paragraph := strings.TrimSpace(res.Text)
	if paragraph == "" {
		return nil, fmt.Errorf("%w: reply has no text", gemini.ErrMalformedResponse)
	}
	if err := s.store.AppendTurns(saveCtx, sess.ID, &models.Turn{Role: models.RoleModel, Text: paragraph}); err != nil {
		return nil, fmt.Errorf("saving story: %w", err)
	}
	if story != "" {
		story += paragraphSep
	}
	return &StoryParagraph{Paragraph: paragraph, Story: story + paragraph, Usage: res.Usage, Totals: res.Totals}, nil
}

// Story returns the story so far.
func (s *Service) Story(ctx context.Context, tenantID, sessionID uuid.UUID) (*StoryState, error) {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkKind(sess, models.SessionKindStory); err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading story: %w", err)
	}
	next, err := s.sessionValue(ctx, sess, nextPromptKey(sess), "")
	if err != nil {
		return nil, err
	}
	return &StoryState{Text: storyText(turns), NextPrompt: next, Paragraphs: len(turns)}, nil
}

// ─── novel abstracts ───

// NovelParams describes a novel plan generated as a one-request batch.
type NovelParams struct {
	Chapters int    `json:"chapters"`
	Language string `json:"language"`
	Idea     string `json:"idea,omitempty"`
	Search   bool   `json:"search,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (n NovelParams) Validate() error {
	if n.Chapters < 1 || n.Chapters > maxNovelChapters {
		return validationError("chapters must be between 1 and %d", maxNovelChapters)
	}
	if strings.TrimSpace(n.Language) == "" {
		return validationError("language is required")
	}
	return nil
}

// NovelInstruction is the system instruction a novel plan is written under.
func NovelInstruction(n NovelParams) string {
	inst := fmt.Sprintf(novelInstructions, n.Chapters)
	if idea := strings.TrimSpace(n.Idea); idea != "" {
		inst += "\n\nThe story idea is: " + idea
	}
	return inst + "\n\nThe story language is " + strings.TrimSpace(n.Language)
}

// Batch is the batch that generates the plan.
func (n NovelParams) Batch() BatchParams {
	temp := novelTemp
	return BatchParams{
		DisplayName:       fmt.Sprintf("novel-%d-chapters", n.Chapters),
		Prompts:           []string{novelPrompt},
		Model:             n.Model,
		SystemInstruction: NovelInstruction(n),
		Search:            n.Search,
		Temperature:       &temp,
		Novel:             &n,
	}
}

// ParseAbstract pulls the "Title:" line out of a generated plan. The rest,
// without a leading "Abstract:" label, is the abstract. Text without a title
// line is returned whole as the abstract.
func ParseAbstract(text string) (title, abstract string) {
	m := titleLine.FindStringSubmatchIndex(text)
	if m == nil {
		return "", strings.TrimSpace(text)
	}
	title = strings.TrimSpace(text[m[2]:m[3]])
	abstract = strings.TrimSpace(text[:m[0]] + text[m[1]:])
	abstract = strings.TrimSpace(strings.TrimPrefix(abstract, "Abstract:"))
	return title, abstract
}

// SubmitNovel starts the batch that writes a novel plan. The finished job
// carries the parsed title and abstract.
func (s *Service) SubmitNovel(ctx context.Context, tenantID, sessionID uuid.UUID, n NovelParams) (*models.Job, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return s.SubmitBatch(ctx, tenantID, sessionID, n.Batch())
}

// ─── session values ───

func inventoryKey(sess *models.Session) string {
	return fmt.Sprintf("%s/%s/inventory", sess.Kind, sess.ID)
}

func nextPromptKey(sess *models.Session) string {
	return fmt.Sprintf("%s/%s/next_prompt", sess.Kind, sess.ID)
}

// sessionValue reads a value kept for sess, or def when none is stored.
func (s *Service) sessionValue(ctx context.Context, sess *models.Session, key, def string) (string, error) {
	v, err := s.store.GetValue(ctx, sess.TenantID, key)
	if errors.Is(err, store.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}

// clearSessionValues drops every value kept for sess.
func (s *Service) clearSessionValues(ctx context.Context, sess *models.Session) error {
	prefix := fmt.Sprintf("%s/%s/", sess.Kind, sess.ID)
	values, err := s.store.ListValues(ctx, sess.TenantID, prefix)
	if err != nil {
		return fmt.Errorf("listing session values: %w", err)
	}
	for key := range values {
		if err := s.store.DeleteValue(ctx, sess.TenantID, key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}
