package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"promosched/internal/eventbus"
	"promosched/internal/message"
	rtsup "promosched/internal/runtime/supervisor"
	logx "promosched/pkg/logx"
)

var (
	ErrQueueFull = errors.New("relay queue full")
	ErrStopped   = errors.New("relay stopped")
)

// Service broadcasts observer events and relays them to external sinks.
// It is safe for concurrent use.
type Service struct {
	log logx.Logger
	bus eventbus.Bus
	seq atomic.Uint64
	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sinks   []Sink

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Envelope
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		now:   time.Now,
		sinks: sinks,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Bus() eventbus.Bus { return s.bus }

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Broadcast stamps and publishes one observer event. It never blocks.
func (s *Service) Broadcast(event string, payload any) {
	env := Envelope{
		Event: event,
		Data:  payload,
		Seq:   s.seq.Add(1),
		At:    s.now(),
		Key:   keyOf(payload),
	}
	s.bus.Publish(eventbus.Event{Type: EventObserver, Time: env.At, Data: env})

	if err := s.enqueue(env); err != nil && !errors.Is(err, ErrStopped) {
		s.log.Warn("relay dropped event", logx.String("event", event), logx.Err(err))
	}
}

func keyOf(payload any) string {
	switch p := payload.(type) {
	case message.Message:
		return p.ID
	case message.SentEvent:
		return p.ID
	case message.FailedEvent:
		return p.ID
	case message.StatusEvent:
		return p.ID
	case message.CancelledEvent:
		return p.ID
	}
	return ""
}

func (s *Service) enqueue(env Envelope) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- env:
		return nil
	default:
		s.publishRelay(EventRelayDropped, "", env, ErrQueueFull)
		return ErrQueueFull
	}
}

// Start launches the relay workers when the relay is enabled and at least one
// sink is configured. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || len(s.sinks) == 0 {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Envelope, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("relay.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return errors.New("relay worker exited unexpectedly")
		})
	}
	s.log.Info("relay started", logx.Int("workers", workers), logx.Int("sinks", len(s.sinks)))
}

// Stop stops intake, drains the queue until ctx is done and closes the sinks.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		s.closeSinks()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
	s.closeSinks()
}

func (s *Service) closeSinks() {
	s.mu.Lock()
	sinks := s.sinks
	s.mu.Unlock()
	for _, sk := range sinks {
		if err := sk.Close(); err != nil {
			s.log.Warn("sink close failed", logx.String("sink", sk.Name()), logx.Err(err))
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-q:
			if !ok {
				return
			}
			s.mu.Lock()
			sinks := s.sinks
			s.mu.Unlock()
			for _, sk := range sinks {
				s.publishWithRetry(ctx, sk, env)
			}
		}
	}
}

func (s *Service) publishWithRetry(ctx context.Context, sk Sink, env Envelope) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sk.Publish(callCtx, env)
		cancel()
		if err == nil {
			s.publishRelay(EventRelaySent, sk.Name(), env, nil)
			return
		}
		lastErr = err
		s.log.Debug("relay publish failed", logx.String("sink", sk.Name()), logx.Int("attempt", attempt), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("relay publish gave up", logx.String("sink", sk.Name()), logx.String("event", env.Event), logx.Err(lastErr))
	s.publishRelay(EventRelayFailed, sk.Name(), env, lastErr)
}

func (s *Service) publishRelay(typ, sink string, env Envelope, err error) {
	ev := RelayEvent{Sink: sink, Event: env.Event, Seq: env.Seq, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, with
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
