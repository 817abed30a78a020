// Package mock provides a scriptable gemini.API for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
)

// MockAPI satisfies gemini.API. Func fields override behaviour; otherwise
// GetResource replays the documents queued with QueueResource.
type MockAPI struct {
	GenerateContentFunc      func(ctx context.Context, cred, model string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error)
	BatchGenerateContentFunc func(ctx context.Context, cred, model string, req *gemini.BatchRequest) (string, error)
	PredictLongRunningFunc   func(ctx context.Context, cred, model string, req *gemini.VideoRequest) (string, error)
	GetResourceFunc          func(ctx context.Context, cred, name string) ([]byte, error)
	UploadFileFunc           func(ctx context.Context, cred string, meta gemini.FileUpload, body io.Reader) (*gemini.File, error)
	DownloadFunc             func(ctx context.Context, cred, uri string, w io.Writer) (int64, error)

	mu        sync.Mutex
	resources map[string][][]byte
	calls     map[string]int
	generated []*gemini.GenerateContentRequest
	batches   []*gemini.BatchRequest
}

// NewMockAPI returns a MockAPI that answers every generate call with text.
func NewMockAPI(text string) *MockAPI {
	return &MockAPI{
		GenerateContentFunc: func(_ context.Context, _, _ string, _ *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
			return TextResponse(text, 10, 5), nil
		},
	}
}

// NewFailingAPI returns a MockAPI whose every call fails with err.
func NewFailingAPI(err error) *MockAPI {
	return &MockAPI{
		GenerateContentFunc: func(context.Context, string, string, *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
			return nil, err
		},
		BatchGenerateContentFunc: func(context.Context, string, string, *gemini.BatchRequest) (string, error) {
			return "", err
		},
		PredictLongRunningFunc: func(context.Context, string, string, *gemini.VideoRequest) (string, error) {
			return "", err
		},
		GetResourceFunc: func(context.Context, string, string) ([]byte, error) {
			return nil, err
		},
		UploadFileFunc: func(context.Context, string, gemini.FileUpload, io.Reader) (*gemini.File, error) {
			return nil, err
		},
		DownloadFunc: func(context.Context, string, string, io.Writer) (int64, error) {
			return 0, err
		},
	}
}

// NewBlockingAPI returns a MockAPI whose generate call blocks until ctx ends.
func NewBlockingAPI() *MockAPI {
	return &MockAPI{
		GenerateContentFunc: func(ctx context.Context, _, _ string, _ *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// TextResponse builds a one-candidate response with usage metadata.
func TextResponse(text string, in, out int) *gemini.GenerateContentResponse {
	return &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content:      &gemini.Content{Role: "model", Parts: []gemini.Part{{Text: text}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: in, CandidatesTokenCount: out, TotalTokenCount: in + out},
	}
}

// QueueResource appends documents GetResource returns for name, in order.
// The last document is repeated once the queue is drained.
func (m *MockAPI) QueueResource(name string, docs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resources == nil {
		m.resources = make(map[string][][]byte)
	}
	for _, d := range docs {
		m.resources[name] = append(m.resources[name], []byte(d))
	}
}

// Calls returns how many times method was invoked.
func (m *MockAPI) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// GenerateRequests returns every request passed to GenerateContent.
func (m *MockAPI) GenerateRequests() []*gemini.GenerateContentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*gemini.GenerateContentRequest(nil), m.generated...)
}

// BatchRequests returns every request passed to BatchGenerateContent.
func (m *MockAPI) BatchRequests() []*gemini.BatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*gemini.BatchRequest(nil), m.batches...)
}

func (m *MockAPI) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

func (m *MockAPI) GenerateContent(ctx context.Context, cred, model string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
	m.record("GenerateContent")
	m.mu.Lock()
	m.generated = append(m.generated, req)
	m.mu.Unlock()
	if m.GenerateContentFunc != nil {
		return m.GenerateContentFunc(ctx, cred, model, req)
	}
	return TextResponse("", 0, 0), nil
}

func (m *MockAPI) BatchGenerateContent(ctx context.Context, cred, model string, req *gemini.BatchRequest) (string, error) {
	m.record("BatchGenerateContent")
	m.mu.Lock()
	m.batches = append(m.batches, req)
	m.mu.Unlock()
	if m.BatchGenerateContentFunc != nil {
		return m.BatchGenerateContentFunc(ctx, cred, model, req)
	}
	return "batches/mock", nil
}

func (m *MockAPI) PredictLongRunning(ctx context.Context, cred, model string, req *gemini.VideoRequest) (string, error) {
	m.record("PredictLongRunning")
	if m.PredictLongRunningFunc != nil {
		return m.PredictLongRunningFunc(ctx, cred, model, req)
	}
	return "models/" + model + "/operations/mock", nil
}

func (m *MockAPI) GetResource(ctx context.Context, cred, name string) ([]byte, error) {
	m.record("GetResource")
	if m.GetResourceFunc != nil {
		return m.GetResourceFunc(ctx, cred, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.resources[name]
	if len(queue) == 0 {
		return nil, &gemini.APIError{StatusCode: 404, Status: "NOT_FOUND", Message: fmt.Sprintf("%s not found", name)}
	}
	doc := queue[0]
	if len(queue) > 1 {
		m.resources[name] = queue[1:]
	}
	return doc, nil
}

func (m *MockAPI) UploadFile(ctx context.Context, cred string, meta gemini.FileUpload, body io.Reader) (*gemini.File, error) {
	m.record("UploadFile")
	if m.UploadFileFunc != nil {
		return m.UploadFileFunc(ctx, cred, meta, body)
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return nil, err
	}
	return &gemini.File{
		Name:        "files/mock",
		DisplayName: meta.DisplayName,
		MIMEType:    meta.MIMEType,
		URI:         "https://example.test/v1beta/files/mock",
		State:       "ACTIVE",
	}, nil
}

func (m *MockAPI) Download(ctx context.Context, cred, uri string, w io.Writer) (int64, error) {
	m.record("Download")
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, cred, uri, w)
	}
	n, err := io.WriteString(w, "video-bytes")
	return int64(n), err
}

var _ gemini.API = (*MockAPI)(nil)
