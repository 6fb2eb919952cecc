// Package notifier fans scheduler and gateway events out to observers.
//
// # Observers
//
// Every Broadcast is wrapped in an Envelope (event name, payload, sequence
// number, timestamp) and published on the in-process event bus as an
// "observer" event. Live listeners such as the SSE endpoint subscribe there.
//
// # Relay
//
// When the relay is enabled the same envelopes are queued for external
// sinks (Kafka, RabbitMQ; see notifier/relay). A small worker pool drains
// the queue under a rate limit and retries failed publishes with jittered
// exponential backoff. Relay outcomes are published on the bus as
// relay.sent, relay.failed and relay.dropped.
//
// Broadcast never blocks the caller. A full relay queue drops the envelope.
package notifier
