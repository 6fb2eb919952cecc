package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"promosched/internal/eventbus"
	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	got      []Envelope
	closed   bool
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Publish(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, env)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestBroadcastPublishesEnvelope(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, EventObserver)
	defer unsub()

	s := New(Config{}, bus, logx.Nop())
	s.Broadcast(message.EventSent, message.SentEvent{ID: "m1", GroupName: "G"})
	s.Broadcast(message.EventScheduledList, []message.Message{})

	first := waitEvent(t, ch, EventObserver).Data.(Envelope)
	second := waitEvent(t, ch, EventObserver).Data.(Envelope)
	if first.Event != message.EventSent || first.Key != "m1" || first.Seq != 1 {
		t.Fatalf("first envelope = %+v", first)
	}
	if second.Seq != 2 || second.Key != "" {
		t.Fatalf("second envelope = %+v", second)
	}
}

func TestRelayRetriesThenSends(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, EventRelaySent, EventRelayFailed)
	defer unsub()

	sink := &fakeSink{failures: 2}
	s := New(Config{Enabled: true, Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, bus, logx.Nop(), sink)
	s.Start(context.Background())

	s.Broadcast(message.EventCancelled, message.CancelledEvent{ID: "m9"})
	ev := waitEvent(t, ch, EventRelaySent).Data.(RelayEvent)
	if ev.Sink != "fake" || ev.Event != message.EventCancelled {
		t.Fatalf("relay event = %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 1 || sink.got[0].Key != "m9" {
		t.Fatalf("sink got %+v", sink.got)
	}
	if !sink.closed {
		t.Fatal("sink should be closed on Stop")
	}
}

func TestRelayGivesUp(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, EventRelayFailed)
	defer unsub()

	sink := &fakeSink{failures: 10}
	s := New(Config{Enabled: true, Workers: 1, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, bus, logx.Nop(), sink)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Broadcast(message.EventFailed, message.FailedEvent{ID: "m2", Error: "x"})
	ev := waitEvent(t, ch, EventRelayFailed).Data.(RelayEvent)
	if ev.Error != "broker unavailable" {
		t.Fatalf("relay failure = %+v", ev)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter window", d)
	}
}
