package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Generated is the useful part of one generateContent answer.
type Generated struct {
	Text             string
	ThoughtSignature string
	FinishReason     string
	Usage            UsageMetadata
}

// ExtractGenerated joins the text of the first candidate's non-thought parts,
// keeps its first thought signature and picks usage from the response or,
// failing that, the candidate.
func ExtractGenerated(resp *GenerateContentResponse) (Generated, error) {
	if resp == nil {
		return Generated{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return Generated{}, fmt.Errorf("%w: prompt blocked: %s", ErrMalformedResponse, resp.PromptFeedback.BlockReason)
		}
		return Generated{}, fmt.Errorf("%w: response has no candidates", ErrMalformedResponse)
	}

	cand := resp.Candidates[0]
	out := Generated{FinishReason: cand.FinishReason}

	if cand.Content != nil {
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			if out.ThoughtSignature == "" && p.ThoughtSignature != "" {
				out.ThoughtSignature = p.ThoughtSignature
			}
			if p.Thought {
				continue
			}
			b.WriteString(p.Text)
		}
		out.Text = b.String()
	}

	switch {
	case resp.UsageMetadata != nil:
		out.Usage = *resp.UsageMetadata
	case cand.UsageMetadata != nil:
		out.Usage = *cand.UsageMetadata
	}

	return out, nil
}

// ParseBatchResult extracts one Generated per inlined response. It accepts the
// response object of a finished batch or the whole batch document, whose
// results may sit under response.inlinedResponses.inlinedResponses,
// dest.inlinedResponses or inlinedResponses. Any item with a non-zero status
// code fails the whole batch.
func ParseBatchResult(payload []byte) ([]Generated, error) {
	var doc batchResultDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	items, ok := doc.items()
	if !ok {
		return nil, fmt.Errorf("%w: batch result has no inlined responses", ErrMalformedResponse)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: batch result is empty", ErrMalformedResponse)
	}

	results := make([]Generated, 0, len(items))
	for i, item := range items {
		if e := item.failure(); e != nil {
			return nil, fmt.Errorf("batch item %d failed: %s", i+1, errorMessage(e))
		}
		if item.Response == nil {
			return nil, fmt.Errorf("%w: batch item %d has no response", ErrMalformedResponse, i+1)
		}
		g, err := ExtractGenerated(item.Response)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i+1, err)
		}
		results = append(results, g)
	}
	return results, nil
}

// ParseVideoResult returns the URI of every generated sample. A response that
// was filtered by safety checks is an error carrying the filter reasons.
func ParseVideoResult(payload []byte) ([]string, error) {
	var doc videoResultDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if doc.Response != nil {
		doc = *doc.Response
	}

	var uris []string
	if r := doc.GenerateVideoResponse; r != nil {
		for _, s := range r.GeneratedSamples {
			if s.Video.URI != "" {
				uris = append(uris, s.Video.URI)
			}
		}
		if len(uris) == 0 && len(r.RaiMediaFilteredReasons) > 0 {
			return nil, fmt.Errorf("video filtered: %s", strings.Join(r.RaiMediaFilteredReasons, "; "))
		}
	}
	for _, v := range doc.GeneratedVideos {
		if v.Video.URI != "" {
			uris = append(uris, v.Video.URI)
		}
	}

	if len(uris) == 0 {
		return nil, fmt.Errorf("%w: video result has no sample URI", ErrMalformedResponse)
	}
	return uris, nil
}

type batchItem struct {
	Response *GenerateContentResponse `json:"response"`
	Status   *errorBody               `json:"status"`
	Error    *errorBody               `json:"error"`
}

func (b batchItem) failure() *errorBody {
	if b.Error != nil && (b.Error.Code != 0 || b.Error.Message != "") {
		return b.Error
	}
	if b.Status != nil && b.Status.Code != 0 {
		return b.Status
	}
	return nil
}

// inlinedResponses matches both the nested {inlinedResponses: [...]} object
// and a bare array.
type inlinedResponses []batchItem

func (r *inlinedResponses) UnmarshalJSON(data []byte) error {
	var nested struct {
		InlinedResponses []batchItem `json:"inlinedResponses"`
	}
	if err := json.Unmarshal(data, &nested); err == nil {
		*r = nested.InlinedResponses
		return nil
	}
	var flat []batchItem
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*r = flat
	return nil
}

type batchResultDocument struct {
	InlinedResponses *inlinedResponses `json:"inlinedResponses"`
	Response         *struct {
		InlinedResponses *inlinedResponses `json:"inlinedResponses"`
	} `json:"response"`
	Dest *struct {
		InlinedResponses *inlinedResponses `json:"inlinedResponses"`
	} `json:"dest"`
}

func (d batchResultDocument) items() ([]batchItem, bool) {
	switch {
	case d.InlinedResponses != nil:
		return *d.InlinedResponses, true
	case d.Response != nil && d.Response.InlinedResponses != nil:
		return *d.Response.InlinedResponses, true
	case d.Dest != nil && d.Dest.InlinedResponses != nil:
		return *d.Dest.InlinedResponses, true
	}
	return nil, false
}

type videoRef struct {
	Video struct {
		URI string `json:"uri"`
	} `json:"video"`
}

type videoResultDocument struct {
	Response              *videoResultDocument `json:"response"`
	GenerateVideoResponse *struct {
		GeneratedSamples        []videoRef `json:"generatedSamples"`
		RaiMediaFilteredReasons []string   `json:"raiMediaFilteredReasons"`
	} `json:"generateVideoResponse"`
	GeneratedVideos []videoRef `json:"generatedVideos"`
}
