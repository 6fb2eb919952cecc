// Package scheduler arms one timer per scheduled message and performs the
// delivery when it fires.
//
// A record leaves "scheduled" exactly once: to sent or failed after a
// delivery attempt, to cancelled on request, or to expired when its time
// passed while the process was down. Every status change is written with a
// compare-and-set on the store, so a cancel racing a delivery can never
// produce two terminal states.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"promosched/internal/gateway"
	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

// ErrStopped is returned when arming after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Store is the slice of the record store the engine needs.
type Store interface {
	Get(id string) (message.Message, bool)
	All() []message.Message
	ByStatus(status message.Status) []message.Message
	Transition(ctx context.Context, id string, from, to message.Status, errText string) (message.Message, bool)
}

// Broadcaster receives observer events.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

type pendingJob struct {
	timer Timer
	at    time.Time
	ver   uint64
}

// Engine owns the pending timers and the in-flight deliveries.
type Engine struct {
	store Store
	gw    gateway.Gateway
	bc    Broadcaster
	clock Clock
	log   logx.Logger

	mu         sync.Mutex
	pending    map[string]*pendingJob
	delivering map[string]struct{}
	ver        uint64
	stopped    bool

	inflight sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// New creates an idle engine; RescheduleAllPending arms the stored records.
func New(store Store, gw gateway.Gateway, bc Broadcaster, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:   store,
		gw:      gw,
		bc:      bc,
		clock:   RealClock(),
		log:     log.With(logx.String("comp", "scheduler")),
		pending:    map[string]*pendingJob{},
		delivering: map[string]struct{}{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ScheduleMessage arms an already persisted record.
func (e *Engine) ScheduleMessage(m message.Message) error {
	if err := e.arm(m); err != nil {
		return err
	}
	e.broadcast(message.EventStatusUpdated, message.StatusEvent{ID: m.ID, Status: message.StatusScheduled})
	return nil
}

// arm replaces any timer for m.ID. A due record is delivered right away on
// a tracked goroutine.
func (e *Engine) arm(m message.Message) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if _, busy := e.delivering[m.ID]; busy {
		e.mu.Unlock()
		e.log.Debug("delivery already in flight; not re-arming", logx.String("id", m.ID))
		return nil
	}
	if old, ok := e.pending[m.ID]; ok {
		old.timer.Stop()
		delete(e.pending, m.ID)
	}
	e.ver++
	ver := e.ver
	delay := m.ScheduledTime.Sub(e.clock.Now())

	if delay <= 0 {
		e.delivering[m.ID] = struct{}{}
		e.inflight.Add(1)
		e.mu.Unlock()
		e.log.Debug("due now; delivering", logx.String("id", m.ID))
		go func() {
			defer e.inflight.Done()
			defer e.done(m.ID)
			e.deliver(m.ID)
		}()
		return nil
	}

	id := m.ID
	e.pending[id] = &pendingJob{
		timer: e.clock.AfterFunc(delay, func() { e.fire(id, ver) }),
		at:    m.ScheduledTime,
		ver:   ver,
	}
	e.mu.Unlock()
	e.log.Info("message armed", logx.String("id", id), logx.Time("at", m.ScheduledTime), logx.Duration("in", delay))
	return nil
}

func (e *Engine) fire(id string, ver uint64) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok || p.ver != ver || e.stopped {
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	e.delivering[id] = struct{}{}
	e.inflight.Add(1)
	e.mu.Unlock()

	defer e.inflight.Done()
	defer e.done(id)
	e.deliver(id)
}

func (e *Engine) done(id string) {
	e.mu.Lock()
	delete(e.delivering, id)
	e.mu.Unlock()
}

// deliver sends one record and records the outcome. It never panics.
func (e *Engine) deliver(id string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("delivery panicked", logx.String("id", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	m, ok := e.store.Get(id)
	if !ok || m.Status != message.StatusScheduled {
		e.log.Debug("skip delivery; record no longer scheduled", logx.String("id", id))
		return
	}

	// Shutdown does not cancel an in-flight send; Stop waits for it.
	ctx := context.Background()
	err := e.send(ctx, m)

	if err != nil {
		got, ok := e.store.Transition(ctx, id, message.StatusScheduled, message.StatusFailed, err.Error())
		if !ok {
			e.log.Warn("delivery result discarded", logx.String("id", id), logx.String("status", string(got.Status)), logx.Err(err))
			return
		}
		e.log.Error("message failed", logx.String("id", id), logx.String("group", m.GroupName), logx.Err(err))
		e.broadcast(message.EventFailed, message.FailedEvent{ID: id, Error: got.Error, GroupName: m.GroupName})
		e.broadcast(message.EventStatusUpdated, message.StatusEvent{ID: id, Status: message.StatusFailed, Error: got.Error})
		e.broadcastList()
		return
	}

	got, ok := e.store.Transition(ctx, id, message.StatusScheduled, message.StatusSent, "")
	if !ok {
		e.log.Warn("message sent but record changed meanwhile", logx.String("id", id), logx.String("status", string(got.Status)))
		return
	}
	sentAt := e.clock.Now()
	if got.SentAt != nil {
		sentAt = *got.SentAt
	}
	e.log.Info("message sent", logx.String("id", id), logx.String("group", m.GroupName))
	e.broadcast(message.EventSent, message.SentEvent{ID: id, SentAt: sentAt, GroupName: m.GroupName})
	e.broadcast(message.EventStatusUpdated, message.StatusEvent{ID: id, Status: message.StatusSent})
	e.broadcastList()
}

func (e *Engine) send(ctx context.Context, m message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("gateway panicked", logx.String("id", m.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("gateway panic: %v", r)
		}
	}()
	if e.gw == nil || !e.gw.IsReady() {
		return gateway.ErrNotReady
	}
	var img *gateway.Image
	if raw := message.ProductImage(m.ProductData); raw != "" {
		if img, err = gateway.DecodeDataURL(raw); err != nil {
			return err
		}
	}
	return e.gw.Send(ctx, m.GroupID, m.Message, img)
}

// CancelMessage stops the timer of id and marks the record cancelled.
// It reports whether a transition happened; cancelling a terminal or
// unknown record, or one whose delivery already started, is a no-op.
func (e *Engine) CancelMessage(ctx context.Context, id string) bool {
	e.mu.Lock()
	if _, busy := e.delivering[id]; busy {
		e.mu.Unlock()
		e.log.Info("cancel ignored; delivery in flight", logx.String("id", id))
		return false
	}
	if p, ok := e.pending[id]; ok {
		p.timer.Stop()
		delete(e.pending, id)
	}
	// Held across the store write so a concurrent fire cannot start in between.
	_, ok := e.store.Transition(ctx, id, message.StatusScheduled, message.StatusCancelled, "")
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.log.Info("message cancelled", logx.String("id", id))
	e.broadcast(message.EventStatusUpdated, message.StatusEvent{ID: id, Status: message.StatusCancelled})
	e.broadcastList()
	return true
}

// RescheduleAllPending arms every future scheduled record and expires the
// ones whose time already passed. Records already armed or being delivered
// by this engine are left alone; armed ones still count as armed. It runs
// at startup and on demand.
func (e *Engine) RescheduleAllPending(ctx context.Context) (armed, expired int) {
	now := e.clock.Now()
	pending := e.store.ByStatus(message.StatusScheduled)
	e.log.Info("rescheduling pending messages", logx.Int("count", len(pending)))

	for _, m := range pending {
		e.mu.Lock()
		_, busy := e.delivering[m.ID]
		_, queued := e.pending[m.ID]
		e.mu.Unlock()
		if busy {
			continue
		}
		if queued {
			armed++
			continue
		}
		if m.ScheduledTime.After(now) {
			if err := e.ScheduleMessage(m); err != nil {
				e.log.Warn("arm failed", logx.String("id", m.ID), logx.Err(err))
				continue
			}
			armed++
			continue
		}
		if e.expire(ctx, m.ID) {
			e.log.Warn("message missed its time; expired", logx.String("id", m.ID), logx.Time("scheduled_time", m.ScheduledTime))
			expired++
		}
	}
	e.broadcastList()
	return armed, expired
}

// expire marks id expired unless this engine armed or started it meanwhile.
func (e *Engine) expire(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.delivering[id]; busy {
		return false
	}
	if _, queued := e.pending[id]; queued {
		return false
	}
	_, ok := e.store.Transition(ctx, id, message.StatusScheduled, message.StatusExpired, "")
	return ok
}

// ScheduledJobs lists armed timers by ascending time.
func (e *Engine) ScheduledJobs() []message.Job {
	e.mu.Lock()
	out := make([]message.Job, 0, len(e.pending))
	for id, p := range e.pending {
		out = append(out, message.Job{ID: id, ScheduledTime: p.at})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending reports the number of armed timers.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stop disarms every timer without touching records and waits for
// in-flight deliveries until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		for id, p := range e.pending {
			p.timer.Stop()
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) broadcast(event string, payload any) {
	if e.bc != nil {
		e.bc.Broadcast(event, payload)
	}
}

func (e *Engine) broadcastList() {
	e.broadcast(message.EventScheduledList, e.store.All())
}
