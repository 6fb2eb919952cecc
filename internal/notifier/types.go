package notifier

import (
	"context"
	"time"
)

// Bus event types.
const (
	EventObserver     = "observer"
	EventRelaySent    = "relay.sent"
	EventRelayFailed  = "relay.failed"
	EventRelayDropped = "relay.dropped"
)

// Config controls the external relay pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Envelope is one observer event as seen by every listener.
type Envelope struct {
	Event string    `json:"event"`
	Data  any       `json:"data"`
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
	// Key is the message id when the payload refers to a single record.
	Key string `json:"key,omitempty"`
}

// Sink publishes envelopes to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// RelayEvent is the bus payload for relay lifecycle events.
type RelayEvent struct {
	Sink  string    `json:"sink"`
	Event string    `json:"event"`
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
