package models

import "time"

// Usage is the token and cost footprint of one or more upstream calls.
type Usage struct {
	InputTokens  int64   `db:"input_tokens"  json:"input_tokens"`
	OutputTokens int64   `db:"output_tokens" json:"output_tokens"`
	Cost         float64 `db:"cost"          json:"cost"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		Cost:         u.Cost + o.Cost,
	}
}

// UsageTotals is a session's running accumulator. Total and Calls only grow
// until an explicit reset; Current holds the most recent call.
type UsageTotals struct {
	Total     Usage     `json:"total"`
	Current   Usage     `json:"current"`
	Calls     int64     `json:"calls"`
	UpdatedAt time.Time `json:"updated_at"`
}
