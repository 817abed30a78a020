package gemini_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
)

func TestExtractGenerated_JoinsTextAndSkipsThoughts(t *testing.T) {
	resp := &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content: &gemini.Content{Parts: []gemini.Part{
				{Text: "thinking...", Thought: true},
				{Text: "Hello, ", ThoughtSignature: "sig-1"},
				{Text: "world", ThoughtSignature: "sig-2"},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 3, ThoughtsTokenCount: 2},
	}

	g, err := gemini.ExtractGenerated(resp)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", g.Text)
	assert.Equal(t, "sig-1", g.ThoughtSignature)
	assert.Equal(t, "STOP", g.FinishReason)
	assert.Equal(t, 7, g.Usage.PromptTokenCount)
	assert.Equal(t, 5, g.Usage.OutputTokens())
}

func TestExtractGenerated_UsageFromCandidate(t *testing.T) {
	resp := &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content:       &gemini.Content{Parts: []gemini.Part{{Text: "x"}}},
			UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 1},
		}},
	}
	g, err := gemini.ExtractGenerated(resp)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Usage.PromptTokenCount)
}

func TestExtractGenerated_NoCandidates(t *testing.T) {
	_, err := gemini.ExtractGenerated(&gemini.GenerateContentResponse{})
	assert.ErrorIs(t, err, gemini.ErrMalformedResponse)

	_, err = gemini.ExtractGenerated(&gemini.GenerateContentResponse{PromptFeedback: &gemini.PromptFeedback{BlockReason: "SAFETY"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestExtractGenerated_EmptyContentIsNotAnError(t *testing.T) {
	g, err := gemini.ExtractGenerated(&gemini.GenerateContentResponse{Candidates: []gemini.Candidate{{FinishReason: "MAX_TOKENS"}}})
	require.NoError(t, err)
	assert.Empty(t, g.Text)
	assert.Equal(t, "MAX_TOKENS", g.FinishReason)
}

const batchItemJSON = `{"response":{"candidates":[{"content":{"parts":[{"text":"chapter one"}]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":20}}}`

func TestParseBatchResult_Shapes(t *testing.T) {
	shapes := map[string]string{
		"nested under response":   `{"inlinedResponses":{"inlinedResponses":[` + batchItemJSON + `]}}`,
		"whole document response": `{"name":"batches/a","response":{"inlinedResponses":{"inlinedResponses":[` + batchItemJSON + `]}}}`,
		"dest":                    `{"name":"batches/a","dest":{"inlinedResponses":[` + batchItemJSON + `]}}`,
		"flat array":              `{"inlinedResponses":[` + batchItemJSON + `]}`,
	}
	for name, doc := range shapes {
		t.Run(name, func(t *testing.T) {
			results, err := gemini.ParseBatchResult([]byte(doc))
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "chapter one", results[0].Text)
			assert.Equal(t, 10, results[0].Usage.PromptTokenCount)
			assert.Equal(t, 20, results[0].Usage.CandidatesTokenCount)
		})
	}
}

func TestParseBatchResult_ItemStatusFails(t *testing.T) {
	doc := `{"inlinedResponses":{"inlinedResponses":[` + batchItemJSON + `,{"status":{"code":8,"message":"quota exhausted"}}]}}`
	_, err := gemini.ParseBatchResult([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch item 2 failed: quota exhausted")
}

func TestParseBatchResult_ItemErrorFails(t *testing.T) {
	doc := `{"inlinedResponses":[{"error":{"code":3,"message":"bad request"}}]}`
	_, err := gemini.ParseBatchResult([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad request")
}

func TestParseBatchResult_Malformed(t *testing.T) {
	for _, doc := range []string{`{}`, `{"inlinedResponses":[]}`, `{"inlinedResponses":[{}]}`, `nope`} {
		t.Run(doc, func(t *testing.T) {
			_, err := gemini.ParseBatchResult([]byte(doc))
			assert.ErrorIs(t, err, gemini.ErrMalformedResponse)
		})
	}
}

func TestParseVideoResult(t *testing.T) {
	tests := map[string]string{
		"generate video response": `{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://v/1"}},{"video":{"uri":"https://v/2"}}]}}`,
		"wrapped in response":     `{"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://v/1"}},{"video":{"uri":"https://v/2"}}]}}}`,
		"generated videos":        `{"generatedVideos":[{"video":{"uri":"https://v/1"}},{"video":{"uri":"https://v/2"}}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			uris, err := gemini.ParseVideoResult([]byte(doc))
			require.NoError(t, err)
			assert.Equal(t, []string{"https://v/1", "https://v/2"}, uris)
		})
	}
}

func TestParseVideoResult_Filtered(t *testing.T) {
	doc := `{"generateVideoResponse":{"raiMediaFilteredCount":1,"raiMediaFilteredReasons":["contains a person"]}}`
	_, err := gemini.ParseVideoResult([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contains a person")
}

func TestParseVideoResult_NoSamples(t *testing.T) {
	_, err := gemini.ParseVideoResult([]byte(`{"generateVideoResponse":{"generatedSamples":[]}}`))
	assert.ErrorIs(t, err, gemini.ErrMalformedResponse)
}
