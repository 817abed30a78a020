// Package usage keeps running token and cost totals and prices upstream calls.
package usage

import (
	"sync"
	"time"

	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// Accumulator is a concurrency-safe running total. Totals only grow until
// Reset.
type Accumulator struct {
	mu     sync.Mutex
	totals models.UsageTotals
	now    func() time.Time
}

// NewAccumulator starts from initial, typically totals loaded from storage.
func NewAccumulator(initial models.UsageTotals) *Accumulator {
	return &Accumulator{totals: initial, now: time.Now}
}

// Add records one call and returns the new totals. Negative components are
// treated as zero so totals never shrink.
func (a *Accumulator) Add(u models.Usage) models.UsageTotals {
	u = Clamp(u)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals.Total = a.totals.Total.Add(u)
	a.totals.Current = u
	a.totals.Calls++
	a.totals.UpdatedAt = a.now().UTC()
	return a.totals
}

// Totals returns a snapshot.
func (a *Accumulator) Totals() models.UsageTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Reset zeroes every counter.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals = models.UsageTotals{UpdatedAt: a.now().UTC()}
}

// Clamp zeroes negative components of u.
func Clamp(u models.Usage) models.Usage {
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	if u.Cost < 0 {
		u.Cost = 0
	}
	return u
}
