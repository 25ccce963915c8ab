package models

// SubscribeResult reports the outcome of a subscribe call. Backpressure is
// the ingest queue utilization in [0, 1] at the time of the call.
type SubscribeResult struct {
	Subscribed         []string `json:"subscribed"`
	TotalSubscriptions int      `json:"total_subscriptions"`
	Backpressure       float64  `json:"backpressure"`
}

// UnsubscribeResult reports the outcome of an unsubscribe call.
type UnsubscribeResult struct {
	Unsubscribed           []string `json:"unsubscribed"`
	RemainingSubscriptions int      `json:"remaining_subscriptions"`
}

// SubscribedResult lists the RICs with at least one live handle.
type SubscribedResult struct {
	RICs  []string `json:"rics"`
	Count int      `json:"count"`
}
