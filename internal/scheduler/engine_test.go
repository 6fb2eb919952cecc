package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"promosched/internal/gateway"
	"promosched/internal/message"
	"promosched/internal/storage"
	logx "promosched/pkg/logx"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(t0 time.Time) *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due callbacks inline, in time order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type sentCall struct {
	dest string
	text string
	img  *gateway.Image
}

type fakeGateway struct {
	mu    sync.Mutex
	ready bool
	err   error
	panic bool
	calls []sentCall
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *fakeGateway) Send(ctx context.Context, dest, text string, img *gateway.Image) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panic {
		panic("transport exploded")
	}
	g.calls = append(g.calls, sentCall{dest: dest, text: text, img: img})
	return g.err
}

func (g *fakeGateway) sent() []sentCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentCall(nil), g.calls...)
}

type recorded struct {
	event   string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Broadcast(event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, recorded{event, payload})
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.event)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type harness struct {
	clock *fakeClock
	store *storage.Store
	gw    *fakeGateway
	rec   *recorder
	eng   *Engine
}

var t0 = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock(t0)
	st := storage.NewStore(context.Background(), nil, logx.Nop(), storage.WithClock(clock.Now))
	gw := &fakeGateway{ready: true}
	rec := &recorder{}
	eng := New(st, gw, rec, logx.Nop(), WithClock(clock))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return &harness{clock: clock, store: st, gw: gw, rec: rec, eng: eng}
}

func (h *harness) add(t *testing.T, in time.Duration, productData string) message.Message {
	t.Helper()
	d := message.Draft{
		Message:       "promo",
		ScheduledTime: h.clock.Now().Add(in),
		GroupID:       "120363@g.us",
		GroupName:     "Ofertas",
	}
	if productData != "" {
		d.ProductData = json.RawMessage(productData)
	}
	return h.store.Add(context.Background(), d)
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestDeliversWhenTimerFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Minute, "")

	if err := h.eng.ScheduleMessage(m); err != nil {
		t.Fatalf("ScheduleMessage: %v", err)
	}
	if jobs := h.eng.ScheduledJobs(); len(jobs) != 1 || jobs[0].ID != m.ID {
		t.Fatalf("jobs = %+v", jobs)
	}
	h.rec.reset()

	h.clock.Advance(59 * time.Second)
	if len(h.gw.sent()) != 0 {
		t.Fatal("sent before scheduled time")
	}
	h.clock.Advance(time.Second)

	calls := h.gw.sent()
	if len(calls) != 1 || calls[0].dest != "120363@g.us" || calls[0].text != "promo" || calls[0].img != nil {
		t.Fatalf("calls = %+v", calls)
	}
	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusSent || got.SentAt == nil || !got.SentAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("record = %+v", got)
	}
	want := []string{message.EventSent, message.EventStatusUpdated, message.EventScheduledList}
	if names := h.rec.names(); !equalNames(names, want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	if h.eng.Pending() != 0 {
		t.Fatalf("pending = %d after firing", h.eng.Pending())
	}
}

func TestFailsWhenGatewayNotReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.ready = false
	m := h.add(t, time.Second, "")
	_ = h.eng.ScheduleMessage(m)
	h.rec.reset()

	h.clock.Advance(time.Second)

	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusFailed || got.Error != "WhatsApp não está conectado" {
		t.Fatalf("record = %+v", got)
	}
	if len(h.gw.sent()) != 0 {
		t.Fatal("must not send while not ready")
	}
	h.rec.mu.Lock()
	first := h.rec.events[0]
	h.rec.mu.Unlock()
	fe, ok := first.payload.(message.FailedEvent)
	if first.event != message.EventFailed || !ok || fe.GroupName != "Ofertas" || fe.Error != "WhatsApp não está conectado" {
		t.Fatalf("first event = %+v", first)
	}
}

func TestTransportErrorStoredVerbatim(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.err = errors.New("número não existe")
	m := h.add(t, time.Second, "")
	_ = h.eng.ScheduleMessage(m)
	h.clock.Advance(time.Second)

	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusFailed || got.Error != "número não existe" {
		t.Fatalf("record = %+v", got)
	}
}

func TestGatewayPanicMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.panic = true
	m := h.add(t, time.Second, "")
	_ = h.eng.ScheduleMessage(m)
	h.clock.Advance(time.Second)

	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusFailed || got.Error != "gateway panic: transport exploded" {
		t.Fatalf("record = %+v", got)
	}
}

func TestSendsProductImage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Second, `{"name":"Lamp","productImage":"data:image/png;base64,aGVsbG8="}`)
	_ = h.eng.ScheduleMessage(m)
	h.clock.Advance(time.Second)

	calls := h.gw.sent()
	if len(calls) != 1 || calls[0].img == nil {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].img.FileName != "product.png" || string(calls[0].img.Data) != "hello" {
		t.Fatalf("image = %+v", calls[0].img)
	}
}

func TestInvalidImageFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Second, `{"productImage":"https://cdn.example.com/x.png"}`)
	_ = h.eng.ScheduleMessage(m)
	h.clock.Advance(time.Second)

	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusFailed || got.Error != gateway.ErrInvalidImage.Error() {
		t.Fatalf("record = %+v", got)
	}
	if len(h.gw.sent()) != 0 {
		t.Fatal("must not send with a broken image")
	}
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Minute, "")
	_ = h.eng.ScheduleMessage(m)
	h.rec.reset()

	if !h.eng.CancelMessage(context.Background(), m.ID) {
		t.Fatal("cancel of scheduled record should transition")
	}
	want := []string{message.EventStatusUpdated, message.EventScheduledList}
	if names := h.rec.names(); !equalNames(names, want) {
		t.Fatalf("events = %v, want %v", names, want)
	}

	h.clock.Advance(time.Hour)
	if len(h.gw.sent()) != 0 {
		t.Fatal("cancelled message was sent")
	}
	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if len(h.eng.ScheduledJobs()) != 0 {
		t.Fatal("cancelled timer still listed")
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Second, "")
	_ = h.eng.ScheduleMessage(m)
	h.clock.Advance(time.Second)
	h.rec.reset()

	if h.eng.CancelMessage(context.Background(), m.ID) {
		t.Fatal("cancel of a sent record must be a no-op")
	}
	if h.eng.CancelMessage(context.Background(), "missing") {
		t.Fatal("cancel of an unknown id must be a no-op")
	}
	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if n := len(h.rec.names()); n != 0 {
		t.Fatalf("no-op cancel broadcast %d events", n)
	}
}

func TestRearmLatestWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Minute, "")
	_ = h.eng.ScheduleMessage(m)

	m.ScheduledTime = t0.Add(10 * time.Minute)
	_ = h.eng.ScheduleMessage(m)
	if jobs := h.eng.ScheduledJobs(); len(jobs) != 1 || !jobs[0].ScheduledTime.Equal(m.ScheduledTime) {
		t.Fatalf("jobs = %+v", jobs)
	}

	h.clock.Advance(time.Minute)
	if len(h.gw.sent()) != 0 {
		t.Fatal("stale timer fired")
	}
	h.clock.Advance(9 * time.Minute)
	if n := len(h.gw.sent()); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}
}

func TestPastDueDeliversImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, -time.Second, "")
	_ = h.eng.ScheduleMessage(m)
	h.eng.inflight.Wait()

	if n := len(h.gw.sent()); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}
	if h.eng.Pending() != 0 {
		t.Fatal("immediate delivery must not leave a timer")
	}
	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusSent {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRescheduleAllPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	late := h.add(t, 2*time.Hour, "")
	soon := h.add(t, time.Hour, "")
	missed := h.add(t, -time.Minute, "")
	done := h.add(t, time.Hour, "")
	h.store.UpdateStatus(context.Background(), done.ID, message.StatusSent, "")
	h.rec.reset()

	armed, expired := h.eng.RescheduleAllPending(context.Background())
	if armed != 2 || expired != 1 {
		t.Fatalf("armed=%d expired=%d", armed, expired)
	}
	got, _ := h.store.Get(missed.ID)
	if got.Status != message.StatusExpired {
		t.Fatalf("missed status = %s", got.Status)
	}
	if len(h.gw.sent()) != 0 {
		t.Fatal("expired message must not be delivered")
	}
	jobs := h.eng.ScheduledJobs()
	if len(jobs) != 2 || jobs[0].ID != soon.ID || jobs[1].ID != late.ID {
		t.Fatalf("jobs = %+v", jobs)
	}
	names := h.rec.names()
	if names[len(names)-1] != message.EventScheduledList {
		t.Fatalf("last event = %s, want listing", names[len(names)-1])
	}
}

func TestStopDisarmsWithoutTouchingRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Minute, "")
	_ = h.eng.ScheduleMessage(m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.clock.Advance(time.Hour)
	if len(h.gw.sent()) != 0 {
		t.Fatal("timer fired after Stop")
	}
	got, _ := h.store.Get(m.ID)
	if got.Status != message.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	if err := h.eng.ScheduleMessage(m); !errors.Is(err, ErrStopped) {
		t.Fatalf("arm after stop err = %v", err)
	}
}

func TestDeliverySkipsRecordChangedElsewhere(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Minute, "")
	_ = h.eng.ScheduleMessage(m)
	// Status flipped behind the engine's back; the timer is still armed.
	h.store.UpdateStatus(context.Background(), m.ID, message.StatusCancelled, "")

	h.clock.Advance(time.Minute)
	if len(h.gw.sent()) != 0 {
		t.Fatal("delivered a record that is no longer scheduled")
	}
}

// blockingGateway holds every Send until release is closed.
type blockingGateway struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	sends int
}

func newBlockingGateway() *blockingGateway {
	return &blockingGateway{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *blockingGateway) Name() string  { return "blocking" }
func (g *blockingGateway) IsReady() bool { return true }

func (g *blockingGateway) Send(ctx context.Context, dest, text string, img *gateway.Image) error {
	g.mu.Lock()
	g.sends++
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.release
	return nil
}

// countingStore records every transition the engine manages to persist.
type countingStore struct {
	*storage.Store

	mu   sync.Mutex
	done []message.Status
}

func (s *countingStore) Transition(ctx context.Context, id string, from, to message.Status, errText string) (message.Message, bool) {
	m, ok := s.Store.Transition(ctx, id, from, to, errText)
	if ok {
		s.mu.Lock()
		s.done = append(s.done, to)
		s.mu.Unlock()
	}
	return m, ok
}

func (s *countingStore) transitions() []message.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Status(nil), s.done...)
}

func TestInFlightDeliveryWins(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		race func(t *testing.T, eng *Engine, id string)
	}{
		{
			name: "cancel",
			race: func(t *testing.T, eng *Engine, id string) {
				if eng.CancelMessage(context.Background(), id) {
					t.Error("cancel of an in-flight delivery should be a no-op")
				}
			},
		},
		{
			name: "reschedule",
			race: func(t *testing.T, eng *Engine, id string) {
				if armed, expired := eng.RescheduleAllPending(context.Background()); armed != 0 || expired != 0 {
					t.Errorf("armed=%d expired=%d, want 0 0", armed, expired)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := newFakeClock(t0)
			st := &countingStore{Store: storage.NewStore(context.Background(), nil, logx.Nop(), storage.WithClock(clock.Now))}
			gw := newBlockingGateway()
			rec := &recorder{}
			eng := New(st, gw, rec, logx.Nop(), WithClock(clock))

			m := st.Add(context.Background(), message.Draft{
				Message:       "promo",
				ScheduledTime: t0.Add(time.Minute),
				GroupID:       "120363@g.us",
				GroupName:     "Ofertas",
			})
			if err := eng.ScheduleMessage(m); err != nil {
				t.Fatalf("ScheduleMessage: %v", err)
			}

			fired := make(chan struct{})
			go func() {
				defer close(fired)
				clock.Advance(time.Minute)
			}()
			select {
			case <-gw.entered:
			case <-time.After(5 * time.Second):
				t.Fatal("delivery never reached the gateway")
			}

			tc.race(t, eng, m.ID)
			close(gw.release)
			<-fired

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := eng.Stop(ctx); err != nil {
				t.Fatalf("Stop: %v", err)
			}

			if got := st.transitions(); len(got) != 1 || got[0] != message.StatusSent {
				t.Fatalf("transitions = %v, want [sent]", got)
			}
			if got, _ := st.Get(m.ID); got.Status != message.StatusSent {
				t.Fatalf("status = %s, want sent", got.Status)
			}
			if gw.sends != 1 {
				t.Fatalf("sends = %d, want 1", gw.sends)
			}
			sawSent := false
			for _, n := range rec.names() {
				if n == message.EventSent {
					sawSent = true
				}
			}
			if !sawSent {
				t.Fatalf("events = %v, missing %s", rec.names(), message.EventSent)
			}
		})
	}
}

func TestRescheduleKeepsArmedTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := h.add(t, time.Minute, "")
	_ = h.eng.ScheduleMessage(m)
	h.rec.reset()

	armed, expired := h.eng.RescheduleAllPending(context.Background())
	if armed != 1 || expired != 0 {
		t.Fatalf("armed=%d expired=%d", armed, expired)
	}
	if names := h.rec.names(); !equalNames(names, []string{message.EventScheduledList}) {
		t.Fatalf("events = %v, want only the listing", names)
	}

	h.clock.Advance(time.Minute)
	if len(h.gw.sent()) != 1 {
		t.Fatalf("sends = %d, want 1", len(h.gw.sent()))
	}
}
