package models

import "time"

// Quote is an immutable snapshot of one instrument at a point in time.
// Price fields are optional: a nil pointer means the field was absent
// upstream, and it is omitted from the JSON form. A Quote is replaced,
// never mutated, when a newer update for the same RIC arrives.
type Quote struct {
	RIC       string    `json:"ric"`
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
	Last      *float64  `json:"last,omitempty"`
	Volume    *int64    `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceUpdate is the event published to stream subscribers for each
// accepted upstream message.
type PriceUpdate struct {
	RIC   string `json:"ric"`
	Quote Quote  `json:"quote"`
}

// SpreadPct returns the bid/ask spread as a percentage of the bid.
// The second return is false when bid or ask is absent or bid is not positive.
func (q Quote) SpreadPct() (float64, bool) {
	if q.Bid == nil || q.Ask == nil || *q.Bid <= 0 {
		return 0, false
	}
	return (*q.Ask - *q.Bid) / *q.Bid * 100.0, true
}

// Float64 returns a pointer to v for building quotes.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v for building quotes.
func Int64(v int64) *int64 { return &v }
