package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/kiranshivaraju/gemstudio/internal/config"
)

const credentialHeader = "x-goog-api-key"

// API is the interface every caller uses to reach the generative-content API.
// Never call the HTTP client directly, always inject this interface.
type API interface {
	GenerateContent(ctx context.Context, cred, model string, req *GenerateContentRequest) (*GenerateContentResponse, error)
	// BatchGenerateContent submits an inline batch and returns the batch resource name.
	BatchGenerateContent(ctx context.Context, cred, model string, req *BatchRequest) (string, error)
	// PredictLongRunning starts a video operation and returns the operation name.
	PredictLongRunning(ctx context.Context, cred, model string, req *VideoRequest) (string, error)
	// GetResource fetches a batch, operation or file by name and returns the raw JSON.
	GetResource(ctx context.Context, cred, name string) ([]byte, error)
	UploadFile(ctx context.Context, cred string, meta FileUpload, body io.Reader) (*File, error)
	Download(ctx context.Context, cred, uri string, w io.Writer) (int64, error)
}

// HTTPClient implements API over the REST endpoints.
type HTTPClient struct {
	baseURL string
	version string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a client from cfg. A positive MaxRPS paces every
// outbound request.
func NewHTTPClient(cfg config.GeminiConfig) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		version: cfg.APIVersion,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	return c
}

func (c *HTTPClient) GenerateContent(ctx context.Context, cred, model string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	var out GenerateContentResponse
	if err := c.postJSON(ctx, cred, c.modelURL(model, "generateContent"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) BatchGenerateContent(ctx context.Context, cred, model string, req *BatchRequest) (string, error) {
	items := make([]inlinedRequest, 0, len(req.Requests))
	for i, r := range req.Requests {
		items = append(items, inlinedRequest{
			Request:  r,
			Metadata: map[string]string{"key": fmt.Sprintf("request-%d", i+1)},
		})
	}
	body := batchEnvelope{Batch: batchSpec{
		DisplayName: req.DisplayName,
		InputConfig: batchInput{Requests: batchRequests{Requests: items}},
	}}

	var op operationName
	if err := c.postJSON(ctx, cred, c.modelURL(model, "batchGenerateContent"), body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("%w: batch response has no name", ErrMalformedResponse)
	}
	return op.Name, nil
}

func (c *HTTPClient) PredictLongRunning(ctx context.Context, cred, model string, req *VideoRequest) (string, error) {
	inst := videoInstance{Prompt: req.Prompt}
	if req.Image != nil {
		inst.Image = &videoImage{BytesBase64Encoded: req.Image.Data, MIMEType: req.Image.MIMEType}
	}
	samples := req.SampleCount
	if samples <= 0 {
		samples = 1
	}
	body := videoEnvelope{
		Instances: []videoInstance{inst},
		Parameters: videoParameters{
			SampleCount:     samples,
			AspectRatio:     req.AspectRatio,
			NegativePrompt:  req.NegativePrompt,
			DurationSeconds: req.DurationSeconds,
		},
	}

	var op operationName
	if err := c.postJSON(ctx, cred, c.modelURL(model, "predictLongRunning"), body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("%w: operation response has no name", ErrMalformedResponse)
	}
	return op.Name, nil
}

func (c *HTTPClient) GetResource(ctx context.Context, cred, name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("resource name is required")
	}
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, strings.TrimPrefix(name, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.do(httpReq, cred)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}
	return body, nil
}

func (c *HTTPClient) Download(ctx context.Context, cred, uri string, w io.Writer) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.do(httpReq, cred)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, readAPIError(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, classifyError(err)
	}
	return n, nil
}

// postJSON encodes body, POSTs it to u and decodes a 2xx answer into out.
func (c *HTTPClient) postJSON(ctx context.Context, cred, u string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.do(httpReq, cred)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return classifyError(ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// do paces, authenticates and sends req.
func (c *HTTPClient) do(req *http.Request, cred string) (*http.Response, error) {
	if cred == "" {
		return nil, ErrMissingCredential
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, classifyError(err)
		}
	}
	req.Header.Set(credentialHeader, cred)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func (c *HTTPClient) modelURL(model, method string) string {
	return fmt.Sprintf("%s/%s/models/%s:%s", c.baseURL, c.version, TrimModelPrefix(model), method)
}

// TrimModelPrefix strips a leading "models/" from a model resource name.
func TrimModelPrefix(model string) string {
	return strings.TrimPrefix(model, "models/")
}

var _ API = (*HTTPClient)(nil)
