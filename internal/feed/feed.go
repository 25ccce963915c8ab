package feed

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/reservoir/internal/config"
)

// MessageKind distinguishes the upstream callback deliveries.
type MessageKind string

const (
	MessageRefresh MessageKind = "REFRESH"
	MessageUpdate  MessageKind = "UPDATE"
	MessageStatus  MessageKind = "STATUS"
)

// Recognized field ids in upstream payloads. Payloads may carry any
// number of additional ids; those are ignored.
const (
	FieldTradePrice = 6  // TRDPRC_1
	FieldBid        = 22 // BID
	FieldAsk        = 25 // ASK
	FieldVolume     = 32 // ACVOL_1
)

// Field is one (id, value) pair in a field-list payload.
type Field struct {
	ID    int
	Value string
}

// Message is one upstream delivery. Fields is nil when the payload is
// not in field-list form; Timestamp is zero when the header carried
// none. Status holds the text of MessageStatus deliveries.
type Message struct {
	Kind      MessageKind
	RIC       string
	Fields    []Field
	Timestamp time.Time
	Status    string
}

// Callback receives messages for one registered RIC. It is invoked on
// the dispatcher goroutine and must not block.
type Callback func(msg Message)

// Handle identifies one open upstream registration.
type Handle uint64

// ErrFeedClosed reports a terminally closed upstream session. Dispatch
// returns it once the session cannot deliver further messages.
var ErrFeedClosed = errors.New("upstream session closed")

// UpstreamFeed is the capability the adapter drives. Connect and
// Disconnect bracket a session; RegisterClient/Unregister manage
// per-RIC interest; Dispatch pumps pending messages into callbacks,
// blocking up to timeout when idle.
type UpstreamFeed interface {
	Connect(ctx context.Context, cfg config.UpstreamConfig) error
	RegisterClient(ric string, cb Callback) (Handle, error)
	Unregister(handle Handle) error
	Dispatch(timeout time.Duration) error
	Disconnect() error
}
