package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/gemstudio/internal/config"
	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/gemini/mock"
	"github.com/kiranshivaraju/gemstudio/internal/localstore"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// ─── test harness ────────────────────────────────────────────────────────────

func newTestApp(t *testing.T, api *mock.MockAPI) *app {
	t.Helper()
	t.Setenv(credentialEnv, "")

	st, err := localstore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &app{
		cfg: &config.CLIConfig{
			Model:        "gemini-2.5-flash",
			VideoModel:   "veo-3.1-fast-generate-preview",
			PollInterval: 5 * time.Millisecond,
			FilePoll:     5 * time.Millisecond,
		},
		store: st,
		api:   api,
	}
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	return runContext(context.Background(), t, a, args...)
}

func runContext(ctx context.Context, t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a.out = &out
	a.errOut = &errOut

	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func mustRun(t *testing.T, a *app, args ...string) string {
	t.Helper()
	out, err := run(t, a, args...)
	require.NoError(t, err, "gemctl %s", strings.Join(args, " "))
	return out
}

func withKey(t *testing.T, a *app) {
	t.Helper()
	mustRun(t, a, "key", "set", "test-key")
}

// ─── key and model ──────────────────────────────────────────────────────────

func TestCredential_Resolution(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI(""))
	ctx := context.Background()

	_, err := a.credential(ctx, toolChat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API credential is not set")

	t.Setenv(credentialEnv, "from-env")
	cred, err := a.credential(ctx, toolChat)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cred)

	mustRun(t, a, "key", "set", "shared")
	cred, _ = a.credential(ctx, toolChat)
	assert.Equal(t, "shared", cred)

	mustRun(t, a, "key", "set", "--tool", "chat", "chat-only")
	cred, _ = a.credential(ctx, toolChat)
	assert.Equal(t, "chat-only", cred)
	cred, _ = a.credential(ctx, toolBatch)
	assert.Equal(t, "shared", cred)

	mustRun(t, a, "key", "clear", "--tool", "chat")
	cred, _ = a.credential(ctx, toolChat)
	assert.Equal(t, "shared", cred)
}

func TestKeySet_UnknownTool(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI(""))

	_, err := run(t, a, "key", "set", "--tool", "poetry", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of")
}

func TestModel_SetAndShow(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI(""))

	mustRun(t, a, "model", "set", "models/gemini-2.5-pro")
	mustRun(t, a, "model", "set", "--tool", "video", "veo-3.0-generate-001")

	out := mustRun(t, a, "model", "show")
	assert.Contains(t, out, "chat      gemini-2.5-pro")
	assert.Contains(t, out, "video     veo-3.0-generate-001")
}

func TestModel_VideoIgnoresDefaultTextModel(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI(""))
	mustRun(t, a, "model", "set", "gemini-2.5-pro")

	m, err := a.model(context.Background(), toolVideo)
	require.NoError(t, err)
	assert.Equal(t, "veo-3.1-fast-generate-preview", m)
}

// ─── generate ────────────────────────────────────────────────────────────────

func TestGenerate_PrintsTextAndRecordsUsage(t *testing.T) {
	api := mock.NewMockAPI("a short poem")
	a := newTestApp(t, api)
	withKey(t, a)

	img := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(img, []byte("\x89PNG\r\n\x1a\nrest"), 0o600))

	out := mustRun(t, a, "generate", "--image", img, "--search", "write", "a", "poem")
	assert.Equal(t, "a short poem\n", out)

	reqs := api.GenerateRequests()
	require.Len(t, reqs, 1)
	parts := reqs[0].Contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "write a poem", parts[0].Text)
	assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)
	require.Len(t, reqs[0].Tools, 1)

	totals, err := a.usageTotals(context.Background(), toolGenerate)
	require.NoError(t, err)
	assert.Equal(t, int64(10), totals.Total.InputTokens)
	assert.Equal(t, int64(5), totals.Total.OutputTokens)
	assert.Equal(t, int64(1), totals.Calls)
}

func TestGenerate_NoCredential(t *testing.T) {
	api := mock.NewMockAPI("")
	a := newTestApp(t, api)

	_, err := run(t, a, "generate", "hello")
	require.Error(t, err)
	assert.Zero(t, api.Calls("GenerateContent"))
}

func TestGenerate_FileURIRequiresMIME(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI(""))
	withKey(t, a)

	_, err := run(t, a, "generate", "--file-uri", "https://example.test/f", "describe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file-mime")
}

// ─── chat ────────────────────────────────────────────────────────────────────

func TestChat_SendKeepsHistory(t *testing.T) {
	api := mock.NewMockAPI("hi there")
	a := newTestApp(t, api)
	withKey(t, a)

	assert.Equal(t, "hi there\n", mustRun(t, a, "chat", "send", "--system", "Be kind.", "hello"))
	mustRun(t, a, "chat", "send", "again")

	reqs := api.GenerateRequests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Contents, 3)
	require.NotNil(t, reqs[1].SystemInstruction)
	assert.Equal(t, "Be kind.", reqs[1].SystemInstruction.Parts[0].Text)
	assert.Equal(t, chatMaxOutputTokens, reqs[1].GenerationConfig.MaxOutputTokens)

	doc, err := a.loadChat(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.History, 4)
	assert.Equal(t, models.RoleUser, doc.History[2].Role)
	assert.Equal(t, "again", doc.History[2].Text)
}

func TestChat_FailedSendLeavesHistory(t *testing.T) {
	api := mock.NewMockAPI("first")
	a := newTestApp(t, api)
	withKey(t, a)
	mustRun(t, a, "chat", "send", "one")

	api.GenerateContentFunc = func(context.Context, string, string, *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
		return nil, &gemini.APIError{StatusCode: 500, Message: "boom"}
	}
	_, err := run(t, a, "chat", "send", "two")
	require.Error(t, err)

	doc, err := a.loadChat(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.History, 2)

	totals, err := a.usageTotals(context.Background(), toolChat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Calls)
}

func TestChat_Regenerate(t *testing.T) {
	api := mock.NewMockAPI("first answer")
	a := newTestApp(t, api)
	withKey(t, a)

	_, err := run(t, a, "chat", "regenerate")
	require.Error(t, err)

	mustRun(t, a, "chat", "send", "question")
	api.GenerateContentFunc = func(context.Context, string, string, *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
		return mock.TextResponse("second answer", 1, 1), nil
	}
	assert.Equal(t, "second answer\n", mustRun(t, a, "chat", "regenerate"))

	reqs := api.GenerateRequests()
	assert.Len(t, reqs[1].Contents, 1)

	doc, err := a.loadChat(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.History, 2)
	assert.Equal(t, "second answer", doc.History[1].Text)
}

func TestChat_SignaturesAreKeptAndCleaned(t *testing.T) {
	api := mock.NewMockAPI("")
	api.GenerateContentFunc = func(context.Context, string, string, *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
		resp := mock.TextResponse("ok", 1, 1)
		resp.Candidates[0].Content.Parts[0].ThoughtSignature = "sig"
		return resp, nil
	}
	a := newTestApp(t, api)
	withKey(t, a)

	mustRun(t, a, "chat", "send", "--save-signatures", "one")
	mustRun(t, a, "chat", "send", "--save-signatures", "two")

	reqs := api.GenerateRequests()
	assert.Equal(t, "sig", reqs[1].Contents[1].Parts[0].ThoughtSignature)

	assert.Contains(t, mustRun(t, a, "chat", "clean"), "cleared 1")
	assert.Contains(t, mustRun(t, a, "chat", "clean", "--all"), "cleared 1")
	assert.Contains(t, mustRun(t, a, "chat", "clean", "--all"), "cleared 0")
}

func TestChat_ExportImportClear(t *testing.T) {
	api := mock.NewMockAPI("reply")
	a := newTestApp(t, api)
	withKey(t, a)
	mustRun(t, a, "chat", "send", "--system", "Be terse.", "hello")

	path := filepath.Join(t.TempDir(), "chat.json")
	mustRun(t, a, "chat", "export", "--out", path)

	var exported studio.HistoryDocument
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.Equal(t, "Be terse.", exported.SystemInstruction)
	assert.Len(t, exported.History, 2)

	mustRun(t, a, "chat", "clear")
	doc, err := a.loadChat(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.History)
	totals, err := a.usageTotals(context.Background(), toolChat)
	require.NoError(t, err)
	assert.Zero(t, totals.Calls)

	assert.Contains(t, mustRun(t, a, "chat", "import", path), "imported 2")
	doc, err = a.loadChat(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.History, 2)
}

func TestChat_ImportLegacyAndInvalid(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI(""))
	dir := t.TempDir()

	legacy := filepath.Join(dir, "legacy.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{"chatHistory":[{"role":"user","parts":[{"text":"old"}]}]}`), 0o600))
	mustRun(t, a, "chat", "import", legacy)
	doc, err := a.loadChat(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.History, 1)
	assert.Equal(t, "old", doc.History[0].Text)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"history":[{"role":"system","text":"x"}]}`), 0o600))
	_, err = run(t, a, "chat", "import", bad)
	require.Error(t, err)

	doc, err = a.loadChat(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.History, 1)
}

// ─── batch ───────────────────────────────────────────────────────────────────

const (
	batchRunning = `{"name":"batches/mock","metadata":{"state":"BATCH_STATE_RUNNING"}}`
	batchDone    = `{"name":"batches/mock","done":true,"response":{"inlinedResponses":{"inlinedResponses":[` +
		`{"response":{"candidates":[{"content":{"parts":[{"text":"one"}]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":20}}},` +
		`{"response":{"candidates":[{"content":{"parts":[{"text":"two"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":5}}}]}}}`
)

func TestBatch_SubmitWaitsForResult(t *testing.T) {
	api := mock.NewMockAPI("")
	api.QueueResource("batches/mock", batchRunning, batchDone)
	a := newTestApp(t, api)
	withKey(t, a)

	prompts := filepath.Join(t.TempDir(), "prompts.txt")
	require.NoError(t, os.WriteFile(prompts, []byte("first prompt\n\nsecond\nprompt\n"), 0o600))

	out := mustRun(t, a, "batch", "submit", "--file", prompts)
	assert.Contains(t, out, "submitted batches/mock")
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")

	jobs, err := a.listJobs(context.Background(), toolBatch)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, []string{"one", "two"}, jobs[0].Result.Outputs)

	var params studio.BatchParams
	require.NoError(t, json.Unmarshal(jobs[0].Params, &params))
	assert.Equal(t, []string{"first prompt", "second\nprompt"}, params.Prompts)

	totals, err := a.usageTotals(context.Background(), toolBatch)
	require.NoError(t, err)
	assert.Equal(t, int64(15), totals.Total.InputTokens)
	assert.Equal(t, int64(25), totals.Total.OutputTokens)

	out = mustRun(t, a, "batch", "status")
	assert.Contains(t, out, "completed")
	out = mustRun(t, a, "batch", "status", jobs[0].ID.String()[:6])
	assert.Contains(t, out, "--- output 2 ---")
}

func TestBatch_SubmitSettings(t *testing.T) {
	api := mock.NewMockAPI("")
	a := newTestApp(t, api)
	withKey(t, a)

	_, err := run(t, a, "batch", "submit")
	require.ErrorIs(t, err, studio.ErrValidation)
	_, err = run(t, a, "batch", "submit", "ok", " ")
	require.ErrorIs(t, err, studio.ErrValidation)

	mustRun(t, a, "batch", "submit", "--no-wait", "--system", "be brief", "--search",
		"--thinking-budget", "128", "--max-tokens", "50", "a", "b")

	reqs := api.BatchRequests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Requests, 2)
	for _, r := range reqs[0].Requests {
		assert.Equal(t, "be brief", r.SystemInstruction.Parts[0].Text)
		require.Len(t, r.Tools, 1)
		assert.NotNil(t, r.Tools[0].GoogleSearch)
		assert.Equal(t, 50, r.GenerationConfig.MaxOutputTokens)
		require.NotNil(t, r.GenerationConfig.ThinkingConfig)
		assert.Equal(t, 128, *r.GenerationConfig.ThinkingConfig.ThinkingBudget)
	}
}

func TestBatch_Novel(t *testing.T) {
	api := mock.NewMockAPI("")
	api.QueueResource("batches/mock", `{"name":"batches/mock","done":true,"response":{"inlinedResponses":{"inlinedResponses":[`+
		`{"response":{"candidates":[{"content":{"parts":[{"text":"Title: Salt Roads\nAbstract: Two traders cross a desert."}]}}]}}]}}}`)
	a := newTestApp(t, api)
	withKey(t, a)

	_, err := run(t, a, "batch", "novel", "--chapters", "0")
	require.ErrorIs(t, err, studio.ErrValidation)

	out := mustRun(t, a, "batch", "novel", "--chapters", "8", "--language", "Spanish", "--search")
	assert.Contains(t, out, "Salt Roads")
	assert.Contains(t, out, "Two traders cross a desert.")
	assert.NotContains(t, out, "--- output 1 ---")

	reqs := api.BatchRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "novel-8-chapters", reqs[0].DisplayName)
	inst := reqs[0].Requests[0].SystemInstruction.Parts[0].Text
	assert.Contains(t, inst, "all 8 chapters")
	assert.Contains(t, inst, "The story language is Spanish")
	assert.NotNil(t, reqs[0].Requests[0].Tools[0].GoogleSearch)

	jobs, err := a.listJobs(context.Background(), toolBatch)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Salt Roads", jobs[0].Result.Title)
}

func TestBatch_RemoteFailureFailsJob(t *testing.T) {
	api := mock.NewMockAPI("")
	api.QueueResource("batches/mock", `{"name":"batches/mock","metadata":{"state":"BATCH_STATE_EXPIRED"}}`)
	a := newTestApp(t, api)
	withKey(t, a)

	_, err := run(t, a, "batch", "submit", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")

	jobs, err := a.listJobs(context.Background(), toolBatch)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].ErrorMessage)
}

func TestBatch_CancelThenResume(t *testing.T) {
	api := mock.NewMockAPI("")
	ctx, cancel := context.WithCancel(context.Background())
	api.GetResourceFunc = func(context.Context, string, string) ([]byte, error) {
		cancel()
		return []byte(batchRunning), nil
	}
	a := newTestApp(t, api)
	withKey(t, a)

	_, err := runContext(ctx, t, a, "batch", "submit", "x")
	require.True(t, errors.Is(err, context.Canceled))

	jobs, err := a.listJobs(context.Background(), toolBatch)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusPending, jobs[0].Status)

	api.GetResourceFunc = nil
	api.QueueResource("batches/mock", batchDone)
	out := mustRun(t, a, "batch", "resume")
	assert.Contains(t, out, "one")

	jobs, err = a.listJobs(context.Background(), toolBatch)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, jobs[0].Status)

	_, err = run(t, a, "batch", "resume", jobs[0].ID.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
	assert.Contains(t, mustRun(t, a, "batch", "resume"), "no pending jobs")
}

// ─── video ───────────────────────────────────────────────────────────────────

const videoOp = "models/veo-3.1-fast-generate-preview/operations/mock"

const videoDone = `{"name":"` + videoOp + `","done":true,"response":{"generateVideoResponse":{"generatedSamples":[` +
	`{"video":{"uri":"https://example.test/v1.mp4"}},{"video":{"uri":"https://example.test/v2.mp4"}}]}}}`

func TestVideo_GenerateDownloads(t *testing.T) {
	api := mock.NewMockAPI("")
	api.QueueResource(videoOp, `{"name":"`+videoOp+`","done":false}`, videoDone)
	a := newTestApp(t, api)
	withKey(t, a)
	dir := t.TempDir()

	out := mustRun(t, a, "video", "generate", "--samples", "2", "--duration", "8", "--out", dir, "a", "lighthouse")
	assert.Contains(t, out, "saved")

	files, err := filepath.Glob(filepath.Join(dir, "*.mp4"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	totals, err := a.usageTotals(context.Background(), toolVideo)
	require.NoError(t, err)
	assert.Greater(t, totals.Total.Cost, 0.0)
}

func TestVideo_Validation(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI(""))
	withKey(t, a)

	_, err := run(t, a, "video", "generate", "--samples", "9", "x")
	require.Error(t, err)
	_, err = run(t, a, "video", "generate", "--duration", "-1", "x")
	require.Error(t, err)
}

func TestVideo_Recover(t *testing.T) {
	api := mock.NewMockAPI("")
	a := newTestApp(t, api)
	withKey(t, a)

	_, err := run(t, a, "video", "recover")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no video operation")

	mustRun(t, a, "video", "generate", "--no-wait", "x")
	api.QueueResource(videoOp, videoDone)

	dir := t.TempDir()
	out := mustRun(t, a, "video", "recover", "--out", dir)
	assert.Contains(t, out, "recovering "+videoOp)

	jobs, err := a.listJobs(context.Background(), toolVideo)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusCompleted, jobs[0].Status)
}

// ─── upload ──────────────────────────────────────────────────────────────────

func TestUpload_ActiveImmediately(t *testing.T) {
	api := mock.NewMockAPI("")
	a := newTestApp(t, api)
	withKey(t, a)

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o600))

	out := mustRun(t, a, "upload", path)
	assert.Contains(t, out, "uri:  https://example.test/v1beta/files/mock")
	assert.Contains(t, out, "mime: video/mp4")
}

func TestUpload_WaitsForProcessing(t *testing.T) {
	api := mock.NewMockAPI("")
	api.UploadFileFunc = func(context.Context, string, gemini.FileUpload, io.Reader) (*gemini.File, error) {
		return &gemini.File{Name: "files/slow", State: "PROCESSING"}, nil
	}
	api.QueueResource("files/slow",
		`{"name":"files/slow","state":"PROCESSING"}`,
		`{"name":"files/slow","state":"ACTIVE","uri":"https://example.test/files/slow","mimeType":"audio/mpeg"}`)
	a := newTestApp(t, api)
	withKey(t, a)

	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o600))

	out := mustRun(t, a, "upload", path)
	assert.Contains(t, out, "https://example.test/files/slow")
}

func TestUpload_ProcessingFailed(t *testing.T) {
	api := mock.NewMockAPI("")
	api.UploadFileFunc = func(context.Context, string, gemini.FileUpload, io.Reader) (*gemini.File, error) {
		return &gemini.File{Name: "files/bad", State: "FAILED"}, nil
	}
	a := newTestApp(t, api)
	withKey(t, a)

	path := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := run(t, a, "upload", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file processing failed")
}

// ─── usage ───────────────────────────────────────────────────────────────────

func TestUsage_ShowAndReset(t *testing.T) {
	a := newTestApp(t, mock.NewMockAPI("x"))
	withKey(t, a)
	mustRun(t, a, "generate", "hi")
	mustRun(t, a, "chat", "send", "hi")

	out := mustRun(t, a, "usage", "show")
	assert.Contains(t, out, "generate")
	assert.Contains(t, out, "total")

	mustRun(t, a, "usage", "reset", "--tool", "generate")
	g, err := a.usageTotals(context.Background(), toolGenerate)
	require.NoError(t, err)
	assert.Zero(t, g.Calls)
	c, err := a.usageTotals(context.Background(), toolChat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Calls)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func TestSplitPrompts(t *testing.T) {
	got := splitPrompts([]byte("\n\none\ntwo\n\n\nthree\n  \nfour"))
	assert.Equal(t, []string{"one\ntwo", "three", "four"}, got)
	assert.Empty(t, splitPrompts([]byte("\n \n")))
}

func TestDetectMIME(t *testing.T) {
	assert.Equal(t, "image/png", detectMIME("a.PNG", nil))
	assert.Equal(t, "text/plain", detectMIME("notes", []byte("plain words")))
}
