package studio

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/gemstudio/internal/gemini/mock"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

func TestHistory_ExportImportRoundTrip(t *testing.T) {
	f := newFixture(t, mock.NewMockAPI("hello back"))
	ctx := context.Background()
	src := f.session(t, models.SessionKindChat, func(p *CreateSessionParams) {
		p.SystemInstruction = "Be brief."
	})
	_, err := f.svc.Send(ctx, f.tenant, src.ID, "hello")
	require.NoError(t, err)

	doc, err := f.svc.ExportHistory(ctx, f.tenant, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", doc.SystemInstruction)
	require.Len(t, doc.History, 2)
	assert.Equal(t, HistoryEntry{Role: "user", Text: "hello"}, doc.History[0])

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	decoded, err := DecodeHistory(data)
	require.NoError(t, err)

	dst := f.session(t, models.SessionKindChat)
	require.NoError(t, f.svc.ImportHistory(ctx, f.tenant, dst.ID, decoded))

	got, err := f.svc.ExportHistory(ctx, f.tenant, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.SystemInstruction, got.SystemInstruction)
	assert.Equal(t, doc.History, got.History)
}

func TestImportHistory_ReplacesExistingTurns(t *testing.T) {
	f := newFixture(t, mock.NewMockAPI("reply"))
	ctx := context.Background()
	sess := f.session(t, models.SessionKindChat)
	_, err := f.svc.Send(ctx, f.tenant, sess.ID, "old")
	require.NoError(t, err)

	err = f.svc.ImportHistory(ctx, f.tenant, sess.ID, &HistoryDocument{
		History: []HistoryEntry{{Role: "user", Text: "new"}},
	})
	require.NoError(t, err)

	turns, err := f.svc.History(ctx, f.tenant, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "new", turns[0].Text)
	assert.Equal(t, 1, turns[0].Seq)
}

func TestImportHistory_RoleplayDerivesRoles(t *testing.T) {
	f := newFixture(t, mock.NewMockAPI(""))
	ctx := context.Background()
	sess := f.session(t, models.SessionKindRoleplay)

	err := f.svc.ImportHistory(ctx, f.tenant, sess.ID, &HistoryDocument{
		SystemInstruction: "A ship.",
		UserName:          "Ana",
		Roles:             []string{"Captain"},
		History: []HistoryEntry{
			{Speaker: "Ana", Text: "Ahoy"},
			{Speaker: "Captain", Text: "Welcome aboard"},
		},
	})
	require.NoError(t, err)

	got, err := f.svc.GetSession(ctx, f.tenant, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.UserName)
	assert.Equal(t, []string{"Captain"}, got.Roles)

	turns, err := f.svc.History(ctx, f.tenant, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, models.RoleModel, turns[1].Role)
}

func TestImportHistory_Validation(t *testing.T) {
	f := newFixture(t, mock.NewMockAPI(""))
	ctx := context.Background()
	chat := f.session(t, models.SessionKindChat)
	batch := f.session(t, models.SessionKindBatch)

	assert.ErrorIs(t, f.svc.ImportHistory(ctx, f.tenant, chat.ID, nil), ErrValidation)
	assert.ErrorIs(t, f.svc.ImportHistory(ctx, f.tenant, batch.ID, &HistoryDocument{}), ErrValidation)

	err := f.svc.ImportHistory(ctx, f.tenant, chat.ID, &HistoryDocument{
		History: []HistoryEntry{{Role: "system", Text: "x"}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	rp := f.session(t, models.SessionKindRoleplay)
	err = f.svc.ImportHistory(ctx, f.tenant, rp.ID, &HistoryDocument{Roles: []string{"A:B"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecodeHistory_LegacyFormats(t *testing.T) {
	t.Run("role and parts", func(t *testing.T) {
		doc, err := DecodeHistory([]byte(`{"systemInstruction":"s","chatHistory":[
			{"role":"user","parts":[{"text":"a"},{"text":"b"}]},
			{"role":"model","parts":[{"text":"c","thoughtSignature":"sig"}]}]}`))
		require.NoError(t, err)
		assert.Equal(t, "s", doc.SystemInstruction)
		assert.Equal(t, []HistoryEntry{
			{Role: "user", Text: "a\nb"},
			{Role: "model", Text: "c", ThoughtSignature: "sig"},
		}, doc.History)
	})

	t.Run("speaker and text", func(t *testing.T) {
		doc, err := DecodeHistory([]byte(`{"userName":"Sam","roles":["Elf"],"chatHistory":[{"speaker":"Elf","text":"hi"}]}`))
		require.NoError(t, err)
		assert.Equal(t, "Sam", doc.UserName)
		assert.Equal(t, []HistoryEntry{{Speaker: "Elf", Text: "hi"}}, doc.History)
	})

	t.Run("errors", func(t *testing.T) {
		for _, in := range []string{`not json`, `{}`, `{"chatHistory":[{"text":"orphan"}]}`} {
			_, err := DecodeHistory([]byte(in))
			assert.ErrorIs(t, err, ErrValidation, in)
		}
	})

	t.Run("empty history", func(t *testing.T) {
		doc, err := DecodeHistory([]byte(`{"history":[]}`))
		require.NoError(t, err)
		assert.Empty(t, doc.History)
	})
}
