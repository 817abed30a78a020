package usage

import (
	"strings"

	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const perMillion = 1_000_000.0

// promptTierThreshold is the prompt size above which tiered models charge
// their higher rate.
const promptTierThreshold = 200_000

// DefaultVideoSeconds is assumed when a video request does not say how long
// the clip is.
const DefaultVideoSeconds = 5

type textRate struct {
	input, output         float64
	highInput, highOutput float64
}

func (r textRate) tiered() bool {
	return r.highInput > 0
}

// USD per million tokens.
var textRates = map[string]textRate{
	"gemini-2.5-flash":       {input: 0.30, output: 2.50},
	"gemini-2.5-pro":         {input: 1.25, output: 10.00, highInput: 2.50, highOutput: 15.00},
	"gemini-2.5-flash-lite":  {input: 0.10, output: 0.40},
	"gemini-2.0-flash":       {input: 0.10, output: 0.40},
	"gemini-2.0-flash-lite":  {input: 0.075, output: 0.30},
	"gemini-3-pro-preview":   {input: 2.00, output: 12.00, highInput: 4.00, highOutput: 18.00},
	"gemini-3-flash-preview": {input: 0.50, output: 3.00},
}

// USD per second per sample.
var videoRates = map[string]float64{
	"veo-2.0-generate-001":          0.35,
	"veo-3.0-generate-001":          0.40,
	"veo-3.0-fast-generate-001":     0.15,
	"veo-3.1-generate-preview":      0.40,
	"veo-3.1-fast-generate-preview": 0.15,
}

// TextCost prices a text or multimodal call. Unknown models cost nothing.
func TextCost(model string, inputTokens, outputTokens int64) float64 {
	r, ok := textRates[normalizeModel(model)]
	if !ok {
		return 0
	}
	in, out := r.input, r.output
	if r.tiered() && inputTokens > promptTierThreshold {
		in, out = r.highInput, r.highOutput
	}
	return float64(inputTokens)*in/perMillion + float64(outputTokens)*out/perMillion
}

// VideoCost prices a video generation. Non-positive seconds fall back to
// DefaultVideoSeconds and non-positive samples to one.
func VideoCost(model string, seconds, samples int) float64 {
	rate, ok := videoRates[normalizeModel(model)]
	if !ok {
		return 0
	}
	if seconds <= 0 {
		seconds = DefaultVideoSeconds
	}
	if samples <= 0 {
		samples = 1
	}
	return rate * float64(seconds) * float64(samples)
}

// ForText builds the Usage of a text call.
func ForText(model string, inputTokens, outputTokens int64) models.Usage {
	return models.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         TextCost(model, inputTokens, outputTokens),
	}
}

// KnownTextModel reports whether model has a text price.
func KnownTextModel(model string) bool {
	_, ok := textRates[normalizeModel(model)]
	return ok
}

func normalizeModel(model string) string {
	return strings.TrimPrefix(strings.TrimSpace(model), "models/")
}
