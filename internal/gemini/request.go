package gemini

import (
	"encoding/base64"
	"sort"
	"strings"
)

// MaxStopSequences is the API limit on stop sequences per request.
const MaxStopSequences = 5

// Speakers that are always stopped on before any named participant.
var priorityStopSpeakers = []string{"System", "Narrator", "user"}

// ThinkingConfigFor picks the thinking knob the model family understands:
// gemini-3 models take a level, older models a token budget. It returns nil
// when nothing is set.
func ThinkingConfigFor(model, level string, budget *int) *ThinkingConfig {
	if strings.HasPrefix(TrimModelPrefix(model), "gemini-3") {
		if level == "" {
			return nil
		}
		return &ThinkingConfig{ThinkingLevel: level}
	}
	if budget == nil {
		return nil
	}
	b := *budget
	return &ThinkingConfig{ThinkingBudget: &b}
}

// StopSequences builds "\nName:" stop markers so a multi-party reply ends
// before the next speaker starts. System, Narrator and the user come first,
// then the remaining speakers alphabetically; target never appears and the
// list is capped at MaxStopSequences.
func StopSequences(speakers []string, userName, target string) []string {
	seen := map[string]bool{target: true, "": true}
	var ordered []string
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		ordered = append(ordered, name)
	}

	for _, name := range priorityStopSpeakers {
		if name == "user" && userName != "" {
			name = userName
		}
		add(name)
	}

	rest := append([]string(nil), speakers...)
	sort.Strings(rest)
	for _, name := range rest {
		add(name)
	}

	if len(ordered) > MaxStopSequences {
		ordered = ordered[:MaxStopSequences]
	}
	stops := make([]string, len(ordered))
	for i, name := range ordered {
		stops[i] = "\n" + name + ":"
	}
	return stops
}

// TextContent builds a single-part content.
func TextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// InlineBlob base64-encodes data for inline transport.
func InlineBlob(mimeType string, data []byte) *Blob {
	return &Blob{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}
}

// BatchOptions are the settings shared by every request of a batch.
type BatchOptions struct {
	DisplayName       string
	SystemInstruction string
	Config            *GenerationConfig
	Search            bool
}

// BatchRequestFor builds one inline request per prompt.
func BatchRequestFor(prompts []string, opts BatchOptions) *BatchRequest {
	var system *Content
	if strings.TrimSpace(opts.SystemInstruction) != "" {
		c := TextContent("", opts.SystemInstruction)
		system = &c
	}
	var tools []Tool
	if opts.Search {
		tools = []Tool{{GoogleSearch: &GoogleSearch{}}}
	}

	req := &BatchRequest{DisplayName: opts.DisplayName}
	for _, p := range prompts {
		req.Requests = append(req.Requests, GenerateContentRequest{
			Contents:          []Content{TextContent("user", p)},
			SystemInstruction: system,
			GenerationConfig:  opts.Config,
			Tools:             tools,
		})
	}
	return req
}
