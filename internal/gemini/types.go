package gemini

// Wire types for the generative-content REST API. Only the fields gemstudio
// reads or writes are modelled.

type Part struct {
	Text             string    `json:"text,omitempty"`
	Thought          bool      `json:"thought,omitempty"`
	ThoughtSignature string    `json:"thoughtSignature,omitempty"`
	InlineData       *Blob     `json:"inlineData,omitempty"`
	FileData         *FileData `json:"fileData,omitempty"`
}

// Blob is inline media. Data is base64 encoded.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type ThinkingConfig struct {
	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	ThinkingBudget *int   `json:"thinkingBudget,omitempty"`
}

type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type GoogleSearch struct{}

type Tool struct {
	GoogleSearch *GoogleSearch `json:"google_search,omitempty"`
}

type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// OutputTokens counts thinking tokens as output, which is how they are billed.
func (u UsageMetadata) OutputTokens() int {
	return u.CandidatesTokenCount + u.ThoughtsTokenCount
}

type Candidate struct {
	Content       *Content       `json:"content,omitempty"`
	FinishReason  string         `json:"finishReason,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

// BatchRequest is an inline batch of generate requests.
type BatchRequest struct {
	DisplayName string
	Requests    []GenerateContentRequest
}

// VideoRequest is a single long-running video generation.
type VideoRequest struct {
	Prompt          string
	Image           *Blob
	SampleCount     int
	AspectRatio     string
	NegativePrompt  string
	DurationSeconds int
}

// File is an uploaded media resource.
type File struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	SizeBytes   string `json:"sizeBytes,omitempty"`
	URI         string `json:"uri"`
	State       string `json:"state,omitempty"`
}

// FileUpload describes the bytes handed to UploadFile.
type FileUpload struct {
	DisplayName string
	MIMEType    string
	Size        int64
}

// --- request envelopes ---

type batchEnvelope struct {
	Batch batchSpec `json:"batch"`
}

type batchSpec struct {
	DisplayName string     `json:"display_name"`
	InputConfig batchInput `json:"input_config"`
}

type batchInput struct {
	Requests batchRequests `json:"requests"`
}

type batchRequests struct {
	Requests []inlinedRequest `json:"requests"`
}

type inlinedRequest struct {
	Request  GenerateContentRequest `json:"request"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

type videoEnvelope struct {
	Instances  []videoInstance `json:"instances"`
	Parameters videoParameters `json:"parameters"`
}

type videoInstance struct {
	Prompt string      `json:"prompt"`
	Image  *videoImage `json:"image,omitempty"`
}

type videoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

type videoParameters struct {
	SampleCount     int    `json:"sampleCount"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
	NegativePrompt  string `json:"negativePrompt,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

type uploadStart struct {
	File uploadStartFile `json:"file"`
}

type uploadStartFile struct {
	DisplayName string `json:"display_name"`
}

type fileEnvelope struct {
	File *File `json:"file"`
}

type operationName struct {
	Name string `json:"name"`
}
