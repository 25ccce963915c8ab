package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteJSONRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	q := Quote{
		RIC:       "IBM.N",
		Bid:       Float64(150.25),
		Ask:       Float64(150.30),
		Last:      Float64(150.27),
		Volume:    Int64(1000000),
		Timestamp: ts,
	}

	data, err := json.Marshal(q)
	require.NoError(t, err)

	var back Quote
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, q.RIC, back.RIC)
	assert.Equal(t, *q.Bid, *back.Bid)
	assert.Equal(t, *q.Ask, *back.Ask)
	assert.Equal(t, *q.Last, *back.Last)
	assert.Equal(t, *q.Volume, *back.Volume)
	assert.True(t, q.Timestamp.Equal(back.Timestamp))
}

func TestQuoteJSONOmitsAbsentFields(t *testing.T) {
	q := Quote{RIC: "VOD.L", Last: Float64(101.5), Timestamp: time.Now().UTC()}

	data, err := json.Marshal(q)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "last")
	assert.NotContains(t, raw, "bid")
	assert.NotContains(t, raw, "ask")
	assert.NotContains(t, raw, "volume")
}

func TestSpreadPct(t *testing.T) {
	q := Quote{RIC: "IBM.N", Bid: Float64(100.0), Ask: Float64(101.0)}
	pct, ok := q.SpreadPct()
	require.True(t, ok)
	assert.InDelta(t, 1.0, pct, 1e-9)

	_, ok = Quote{RIC: "IBM.N", Bid: Float64(100.0)}.SpreadPct()
	assert.False(t, ok)

	_, ok = Quote{RIC: "IBM.N", Bid: Float64(0), Ask: Float64(1)}.SpreadPct()
	assert.False(t, ok)
}

func TestErrorCodeMatchingThroughWrapping(t *testing.T) {
	base := E(CodeFeedUnavailable, "subscribe", "IBM.N", errors.New("dial refused"))
	wrapped := fmt.Errorf("gate: %w", base)

	assert.True(t, IsCode(wrapped, CodeFeedUnavailable))
	assert.False(t, IsCode(wrapped, CodeRateLimited))
	assert.Equal(t, CodeFeedUnavailable, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.True(t, Retryable(wrapped))
	assert.False(t, Retryable(E(CodeInvalidArgument, "subscribe", "", nil)))
}

func TestErrorString(t *testing.T) {
	err := E(CodeNotRunning, "register", "VOD.L", nil)
	assert.Equal(t, "register: NOT_RUNNING ric=VOD.L", err.Error())

	err = E(CodeRateLimited, "getLatest", "", errors.New("permit timeout"))
	assert.Equal(t, "getLatest: RATE_LIMITED: permit timeout", err.Error())
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeFeedUnavailable, http.StatusServiceUnavailable},
		{CodeNotRunning, http.StatusServiceUnavailable},
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeMalformed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(E(tc.code, "op", "", nil)), string(tc.code))
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("other")))
}
