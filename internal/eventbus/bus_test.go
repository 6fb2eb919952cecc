package eventbus

import "testing"

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	only, unsubOnly := b.Subscribe(4, "gateway.status")
	defer unsubOnly()

	b.Publish(Event{Type: "observer", Data: 1})
	b.Publish(Event{Type: "gateway.status", Data: 2})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(only); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-only
	if e.Type != "gateway.status" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block

	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q, want a", e.Type)
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", b.Subscribers())
	}
	b.Publish(Event{Type: "c"})
}
