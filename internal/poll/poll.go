// Package poll drives a long-running resource to a terminal state at a fixed
// interval. It is the only place that re-checks upstream status.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
)

// DefaultInterval is used when a Poller is built with a non-positive interval.
const DefaultInterval = 3 * time.Second

// Kind is how a poll ended.
type Kind string

const (
	Succeeded Kind = "succeeded"
	Failed    Kind = "failed"
	Cancelled Kind = "cancelled"
)

// Outcome is the result of Poll. Payload is set for Succeeded, Message for
// Failed. Cancelled is an outcome, not an error.
type Outcome struct {
	Kind     Kind
	State    string
	Payload  json.RawMessage
	Message  string
	Attempts int
}

// FetchFunc retrieves the raw status document.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ParseFunc normalizes a status document.
type ParseFunc func(raw []byte) (gemini.Status, error)

// Poller checks status immediately and then every Interval, with no backoff
// and no attempt limit.
type Poller struct {
	Interval time.Duration
	Parse    ParseFunc
	// OnState, when set, observes every non-terminal status.
	OnState func(attempt int, st gemini.Status)
}

// New returns a Poller using gemini.ParseStatus.
func New(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{Interval: interval, Parse: gemini.ParseStatus}
}

// Poll runs until the resource reaches a terminal state, fetch or parse
// fails, or ctx is cancelled. Cancellation at any point, including while a
// fetch or parse is in flight, yields a Cancelled outcome and a nil error.
func (p *Poller) Poll(ctx context.Context, fetch FetchFunc) (Outcome, error) {
	parse := p.Parse
	if parse == nil {
		parse = gemini.ParseStatus
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Kind: Cancelled, Attempts: attempt - 1}, nil
		}

		raw, err := fetch(ctx)
		if ctx.Err() != nil {
			return Outcome{Kind: Cancelled, Attempts: attempt}, nil
		}
		if err != nil {
			return Outcome{Attempts: attempt}, fmt.Errorf("polling status (attempt %d): %w", attempt, err)
		}

		st, err := parse(raw)
		if ctx.Err() != nil {
			return Outcome{Kind: Cancelled, State: st.State, Attempts: attempt}, nil
		}
		if err != nil {
			return Outcome{Attempts: attempt}, fmt.Errorf("polling status (attempt %d): %w", attempt, err)
		}

		switch st.Kind {
		case gemini.KindSucceeded:
			return Outcome{Kind: Succeeded, State: st.State, Payload: st.Payload, Attempts: attempt}, nil
		case gemini.KindFailed:
			return Outcome{Kind: Failed, State: st.State, Message: st.Message, Attempts: attempt}, nil
		}

		if p.OnState != nil {
			p.OnState(attempt, st)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Kind: Cancelled, State: st.State, Attempts: attempt}, nil
		case <-timer.C:
		}
	}
}

// ResourceFetcher returns a FetchFunc that GETs name with cred.
func ResourceFetcher(api gemini.API, cred, name string) FetchFunc {
	return func(ctx context.Context) ([]byte, error) {
		return api.GetResource(ctx, cred, name)
	}
}
