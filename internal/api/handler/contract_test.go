package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/gemstudio/internal/api"
	"github.com/kiranshivaraju/gemstudio/internal/api/handler"
	mw "github.com/kiranshivaraju/gemstudio/internal/api/middleware"
	"github.com/kiranshivaraju/gemstudio/internal/cache"
	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/gemini/mock"
	"github.com/kiranshivaraju/gemstudio/internal/store/storetest"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *storetest.Memory
	api    *mock.MockAPI
	key    string
}

func newTestServer(t *testing.T, upstream *mock.MockAPI) *testServer {
	t.Helper()

	st := storetest.NewMemory()
	c := cache.NewMemory()
	svc := studio.New(upstream, st, c, studio.NewCacheLocker(c, time.Minute), studio.Options{
		PollInterval:     5 * time.Millisecond,
		FilePollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(svc.Close)

	router := api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(st),
		RateLimit:     mw.NewRateLimit(c, 1000),
		HealthHandler: handler.NewHealthHandler(st, c),
		Studio:        svc,
		Keys:          st,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ts := &testServer{server: srv, store: st, api: upstream}
	ts.key = ts.addKey(t, models.ScopeAdmin)
	return ts
}

func (ts *testServer) addKey(t *testing.T, scopes ...string) string {
	t.Helper()
	key, raw, err := handler.NewAPIKey(storetest.DefaultTenantID, "test-"+scopes[0], "", scopes)
	require.NoError(t, err)
	require.NoError(t, ts.store.CreateAPIKey(context.Background(), key))
	return raw
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return ts.requestWithKey(t, ts.key, method, path, body)
}

func (ts *testServer) requestWithKey(t *testing.T, key, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func data(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	return parseBody(t, resp)["data"].(map[string]any)
}

func errorCode(t *testing.T, resp *http.Response) (string, string) {
	t.Helper()
	e := parseBody(t, resp)["error"].(map[string]any)
	return e["code"].(string), e["message"].(string)
}

func (ts *testServer) createSession(t *testing.T, body map[string]any) string {
	t.Helper()
	if _, ok := body["credential"]; !ok {
		body["credential"] = "test-key"
	}
	resp := ts.request(t, "POST", "/api/v1/sessions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return data(t, resp)["id"].(string)
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))

	resp, err := http.Get(ts.server.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", data(t, resp)["status"])
}

// ─── sessions ────────────────────────────────────────────────────────────────

func TestSessions_Lifecycle(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))

	resp := ts.request(t, "POST", "/api/v1/sessions", map[string]any{
		"kind":       "chat",
		"credential": "secret-key",
		"model":      "models/gemini-2.5-pro",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := data(t, resp)
	assert.Equal(t, "gemini-2.5-pro", created["model"])
	assert.Equal(t, true, created["has_credential"])
	assert.NotContains(t, created, "credential")
	id := created["id"].(string)

	resp = ts.request(t, "PATCH", "/api/v1/sessions/"+id, map[string]any{
		"system_instruction": "Be brief.",
		"thinking_budget":    1024,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := data(t, resp)
	assert.Equal(t, "Be brief.", patched["system_instruction"])
	assert.Equal(t, float64(1024), patched["thinking_budget"])

	resp = ts.request(t, "GET", "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Be brief.", data(t, resp)["system_instruction"])

	resp = ts.request(t, "DELETE", "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, "GET", "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "NOT_FOUND", code)
}

func TestSessions_BadRequests(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"unknown kind", "POST", "/api/v1/sessions", map[string]any{"kind": "poem"}},
		{"unknown field", "POST", "/api/v1/sessions", map[string]any{"kind": "chat", "colour": "red"}},
		{"bad thinking level", "POST", "/api/v1/sessions", map[string]any{"kind": "chat", "thinking_level": "max"}},
		{"bad id", "GET", "/api/v1/sessions/not-a-uuid", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.request(t, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			code, _ := errorCode(t, resp)
			assert.Equal(t, "INVALID_REQUEST", code)
		})
	}
}

func TestSessions_OtherTenantCannotSee(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))
	id := ts.createSession(t, map[string]any{"kind": "chat"})

	key, raw, err := handler.NewAPIKey(uuid.New(), "other", "", []string{models.ScopeAdmin})
	require.NoError(t, err)
	require.NoError(t, ts.store.CreateAPIKey(context.Background(), key))

	resp := ts.requestWithKey(t, raw, "GET", "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── generate ────────────────────────────────────────────────────────────────

func TestGenerate_ReturnsTextAndUsage(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI("a haiku"))
	id := ts.createSession(t, map[string]any{"kind": "multimodal"})

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/generate", map[string]any{
		"prompt": "write a haiku",
		"images": []map[string]any{{"mime_type": "image/png", "data": []byte("png")}},
		"search": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := data(t, resp)
	assert.Equal(t, "a haiku", got["text"])
	assert.Equal(t, float64(10), got["usage"].(map[string]any)["input_tokens"])

	reqs := ts.api.GenerateRequests()
	require.Len(t, reqs, 1)
	parts := reqs[0].Contents[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)

	resp = ts.request(t, "GET", "/api/v1/sessions/"+id+"/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), data(t, resp)["calls"])

	resp = ts.request(t, "DELETE", "/api/v1/sessions/"+id+"/usage", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "upstream message forwarded",
			err:     &gemini.APIError{StatusCode: 429, Status: "RESOURCE_EXHAUSTED", Message: "Quota exceeded for model"},
			status:  http.StatusBadGateway,
			code:    "UPSTREAM_ERROR",
			message: "Quota exceeded for model",
		},
		{
			name:   "timeout",
			err:    fmt.Errorf("%w: deadline", gemini.ErrTimeout),
			status: http.StatusGatewayTimeout,
			code:   "UPSTREAM_TIMEOUT",
		},
		{
			name:   "malformed",
			err:    fmt.Errorf("%w: no candidates", gemini.ErrMalformedResponse),
			status: http.StatusBadGateway,
			code:   "MALFORMED_UPSTREAM",
		},
		{
			name:   "unreachable",
			err:    fmt.Errorf("%w: dial tcp", gemini.ErrUnreachable),
			status: http.StatusBadGateway,
			code:   "UPSTREAM_ERROR",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, mock.NewFailingAPI(tc.err))
			id := ts.createSession(t, map[string]any{"kind": "multimodal"})

			resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/generate", map[string]any{"prompt": "hi"})
			assert.Equal(t, tc.status, resp.StatusCode)
			code, msg := errorCode(t, resp)
			assert.Equal(t, tc.code, code)
			if tc.message != "" {
				assert.Equal(t, tc.message, msg)
			}
		})
	}
}

func TestGenerate_MissingCredential(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))
	id := ts.createSession(t, map[string]any{"kind": "multimodal", "credential": ""})

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/generate", map[string]any{"prompt": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, msg := errorCode(t, resp)
	assert.Equal(t, "API credential is not set", msg)
	assert.Zero(t, ts.api.Calls("GenerateContent"))
}

func TestGenerate_SecondCallWhileBusy(t *testing.T) {
	release := make(chan struct{})
	upstream := mock.NewMockAPI("")
	upstream.GenerateContentFunc = func(ctx context.Context, _, _ string, _ *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return mock.TextResponse("done", 1, 1), nil
	}
	ts := newTestServer(t, upstream)
	id := ts.createSession(t, map[string]any{"kind": "multimodal"})

	first := make(chan int, 1)
	go func() {
		body, _ := json.Marshal(map[string]any{"prompt": "slow"})
		req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/sessions/"+id+"/generate", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+ts.key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()
	require.Eventually(t, func() bool { return upstream.Calls("GenerateContent") == 1 }, 2*time.Second, time.Millisecond)

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/generate", map[string]any{"prompt": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "SESSION_BUSY", code)

	close(release)
	assert.Equal(t, http.StatusOK, <-first)
}

// ─── chat ────────────────────────────────────────────────────────────────────

func TestChat_Flow(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI("hello there"))
	id := ts.createSession(t, map[string]any{"kind": "chat"})
	base := "/api/v1/sessions/" + id

	resp := ts.request(t, "POST", base+"/messages", map[string]any{"text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello there", data(t, resp)["turn"].(map[string]any)["text"])

	resp = ts.request(t, "POST", base+"/regenerate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, "GET", base+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"], 2)

	resp = ts.request(t, "DELETE", base+"/signatures?scope=everything", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "DELETE", base+"/signatures?scope=all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), data(t, resp)["cleared"])

	resp = ts.request(t, "GET", base+"/history/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exported := data(t, resp)
	assert.Len(t, exported["history"], 2)

	resp = ts.request(t, "DELETE", base+"/history", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, "POST", base+"/history/import", map[string]any{
		"chatHistory": []map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": "legacy"}}},
		},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, "GET", base+"/history", nil)
	turns := parseBody(t, resp)["data"].([]any)
	require.Len(t, turns, 1)
	assert.Equal(t, "legacy", turns[0].(map[string]any)["text"])
}

func TestChat_Roleplay(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI("Bard: A song!"))
	id := ts.createSession(t, map[string]any{"kind": "roleplay", "user_name": "Sam", "roles": []string{"Bard"}})
	base := "/api/v1/sessions/" + id

	resp := ts.request(t, "POST", base+"/turns", map[string]any{"text": "Play something"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Sam", data(t, resp)["speaker"])

	resp = ts.request(t, "POST", base+"/respond", map[string]any{"speaker": "Bard"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "A song!", data(t, resp)["turn"].(map[string]any)["text"])

	resp = ts.request(t, "POST", base+"/respond", map[string]any{"speaker": "Ghost"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "DELETE", base+"/turns/last", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bard", data(t, resp)["speaker"])
}

// ─── adventures and stories ──────────────────────────────────────────────────

func TestAdventure_Flow(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI("STORY: A gate looms.\nINVENTORY: rope"))
	id := ts.createSession(t, map[string]any{"kind": "rpg"})
	base := "/api/v1/sessions/" + id

	resp := ts.request(t, "POST", base+"/adventure/moves", map[string]any{"move": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "POST", base+"/adventure/moves", map[string]any{"move": "a ruined castle"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := data(t, resp)
	assert.Equal(t, "A gate looms.", turn["story"])
	assert.Equal(t, "rope", turn["inventory"])

	resp = ts.request(t, "GET", base+"/adventure", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := data(t, resp)
	assert.Equal(t, "> a ruined castle\n\nA gate looms.", state["transcript"])
	assert.Equal(t, float64(1), state["moves"])

	resp = ts.request(t, "DELETE", base+"/adventure/moves/last", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), data(t, resp)["removed"])

	chat := ts.createSession(t, map[string]any{"kind": "chat"})
	resp = ts.request(t, "GET", "/api/v1/sessions/"+chat+"/adventure", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStory_Flow(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI("Snow fell on the town."))
	id := ts.createSession(t, map[string]any{"kind": "story"})
	base := "/api/v1/sessions/" + id

	resp := ts.request(t, "POST", base+"/story/paragraphs", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "POST", base+"/story/paragraphs", map[string]any{"prompt": "winter arrives"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Snow fell on the town.", data(t, resp)["paragraph"])

	resp = ts.request(t, "POST", base+"/story/paragraphs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, "GET", base+"/story", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := data(t, resp)
	assert.Equal(t, float64(2), state["paragraphs"])
	assert.Equal(t, "winter arrives", state["next_prompt"])
}

func TestNovel_Submit(t *testing.T) {
	upstream := mock.NewMockAPI("")
	upstream.QueueResource("batches/mock", `{"name":"batches/mock","done":true,"response":{"inlinedResponses":{"inlinedResponses":[`+
		`{"response":{"candidates":[{"content":{"parts":[{"text":"Title: Iron Bloom\nAbstract: A gardener in a steel city."}]}}]}}]}}}`)
	ts := newTestServer(t, upstream)
	id := ts.createSession(t, map[string]any{"kind": "batch"})

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/novels", map[string]any{"chapters": 500, "language": "English"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "POST", "/api/v1/sessions/"+id+"/novels", map[string]any{"chapters": 12, "language": "English", "search": true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := data(t, resp)["id"].(string)

	resp = ts.request(t, "POST", "/api/v1/jobs/"+jobID+"/wait?timeout=2s", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := data(t, resp)["result"].(map[string]any)
	assert.Equal(t, "Iron Bloom", result["title"])
	assert.Equal(t, "A gardener in a steel city.", result["abstract"])

	reqs := upstream.BatchRequests()
	require.Len(t, reqs, 1)
	assert.NotEmpty(t, reqs[0].Requests[0].Tools)
}

// ─── jobs ────────────────────────────────────────────────────────────────────

const batchDone = `{"name":"batches/mock","done":true,"response":{"inlinedResponses":{"inlinedResponses":[` +
	`{"response":{"candidates":[{"content":{"parts":[{"text":"chapter one"}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":8}}}]}}}`

func TestBatch_SubmitWaitList(t *testing.T) {
	upstream := mock.NewMockAPI("")
	upstream.QueueResource("batches/mock", `{"name":"batches/mock","metadata":{"state":"BATCH_STATE_RUNNING"}}`, batchDone)
	ts := newTestServer(t, upstream)
	id := ts.createSession(t, map[string]any{"kind": "batch"})

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/batches", map[string]any{
		"prompts":            []string{"write chapter one"},
		"system_instruction": "write tersely",
		"search":             true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := data(t, resp)
	assert.Equal(t, "pending", job["status"])
	jobID := job["id"].(string)

	resp = ts.request(t, "POST", "/api/v1/jobs/"+jobID+"/wait?timeout=2s", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := data(t, resp)
	assert.Equal(t, "completed", done["status"])
	assert.Equal(t, "chapter one", done["result"].(map[string]any)["text"])

	batches := upstream.BatchRequests()
	require.Len(t, batches, 1)
	assert.Equal(t, "write tersely", batches[0].Requests[0].SystemInstruction.Parts[0].Text)
	assert.NotEmpty(t, batches[0].Requests[0].Tools)
	assert.Equal(t, false, done["polling"])

	resp = ts.request(t, "GET", "/api/v1/sessions/"+id+"/jobs?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])

	resp = ts.request(t, "DELETE", "/api/v1/jobs/"+jobID+"/poll", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	code, _ := errorCode(t, resp)
	assert.Equal(t, "JOB_STATE_CONFLICT", code)

	resp = ts.request(t, "POST", "/api/v1/jobs/"+jobID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobs_CancelAndResume(t *testing.T) {
	upstream := mock.NewMockAPI("")
	upstream.QueueResource("batches/mock", `{"name":"batches/mock","metadata":{"state":"BATCH_STATE_RUNNING"}}`)
	ts := newTestServer(t, upstream)
	id := ts.createSession(t, map[string]any{"kind": "batch"})

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/batches", map[string]any{"prompts": []string{"x"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := data(t, resp)["id"].(string)

	resp = ts.request(t, "DELETE", "/api/v1/jobs/"+jobID+"/poll", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, "GET", "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := data(t, resp)
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, false, job["polling"])

	upstream.QueueResource("batches/mock", batchDone)
	resp = ts.request(t, "POST", "/api/v1/jobs/"+jobID+"/resume", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.request(t, "POST", "/api/v1/jobs/"+jobID+"/wait?timeout=2s", nil)
	assert.Equal(t, "completed", data(t, resp)["status"])
}

func TestJobs_WaitTimeoutValidation(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))

	resp := ts.request(t, "POST", "/api/v1/jobs/11111111-1111-1111-1111-111111111111/wait?timeout=1h", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "POST", "/api/v1/jobs/11111111-1111-1111-1111-111111111111/wait", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVideo_SubmitRecoverDownload(t *testing.T) {
	upstream := mock.NewMockAPI("")
	op := "models/veo-3.1-fast-generate-preview/operations/mock"
	upstream.QueueResource(op, `{"name":"`+op+`","done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://media/v.mp4"}}]}}}`)
	ts := newTestServer(t, upstream)
	id := ts.createSession(t, map[string]any{"kind": "video"})

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/videos/recover", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.request(t, "POST", "/api/v1/sessions/"+id+"/videos", map[string]any{
		"prompt":           "a lighthouse at dusk",
		"duration_seconds": 4,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := data(t, resp)["id"].(string)

	resp = ts.request(t, "POST", "/api/v1/sessions/"+id+"/videos/recover", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, jobID, data(t, resp)["id"])

	resp = ts.request(t, "POST", "/api/v1/jobs/"+jobID+"/wait?timeout=2s", nil)
	require.Equal(t, "completed", data(t, resp)["status"])

	resp = ts.request(t, "GET", "/api/v1/jobs/"+jobID+"/video", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(payload))

	resp = ts.request(t, "GET", "/api/v1/jobs/"+jobID+"/video?index=3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── files ───────────────────────────────────────────────────────────────────

func TestUpload_Multipart(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))
	id := ts.createSession(t, map[string]any{"kind": "multimodal"})

	var body bytes.Buffer
	mpw := multipart.NewWriter(&body)
	require.NoError(t, mpw.WriteField("mime_type", "video/mp4"))
	fw, err := mpw.CreateFormFile("file", "clip.mp4")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not really a video"))
	require.NoError(t, err)
	require.NoError(t, mpw.Close())

	req, err := http.NewRequest("POST", ts.server.URL+"/api/v1/sessions/"+id+"/files", &body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.key)
	req.Header.Set("Content-Type", mpw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := data(t, resp)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, "https://example.test/v1beta/files/mock", job["result"].(map[string]any)["file_uri"])
}

func TestUpload_NotMultipart(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))
	id := ts.createSession(t, map[string]any{"kind": "multimodal"})

	resp := ts.request(t, "POST", "/api/v1/sessions/"+id+"/files", map[string]any{"file": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── admin keys ──────────────────────────────────────────────────────────────

func TestKeys_CreateUseRevoke(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))

	resp := ts.request(t, "POST", "/api/v1/admin/keys", map[string]any{"name": "ci", "scopes": []string{"read"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := data(t, resp)
	raw := created["key"].(string)
	assert.Contains(t, raw, handler.KeyPrefix)
	assert.NotContains(t, created, "key_hash")

	resp = ts.request(t, "GET", "/api/v1/admin/keys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseBody(t, resp)["data"], 2)

	resp = ts.requestWithKey(t, raw, "GET", "/api/v1/admin/keys", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.request(t, "DELETE", "/api/v1/admin/keys/"+created["id"].(string), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.requestWithKey(t, raw, "GET", "/api/v1/sessions/11111111-1111-1111-1111-111111111111", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestKeys_Validation(t *testing.T) {
	ts := newTestServer(t, mock.NewMockAPI(""))

	resp := ts.request(t, "POST", "/api/v1/admin/keys", map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "POST", "/api/v1/admin/keys", map[string]any{"name": "x", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
