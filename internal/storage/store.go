package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

// Store is the durable keyed collection of scheduled messages.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	msgs    map[string]message.Message
	backend Backend
	log     logx.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*Store)

// WithClock overrides the time source used for createdAt and sentAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides uuid generation (tests).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore loads the backend contents. A load error is logged and the store
// starts empty. backend may be nil for a memory-only store.
func NewStore(ctx context.Context, backend Backend, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		msgs:    map[string]message.Message{},
		backend: backend,
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if backend == nil {
		return s
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		s.log.Warn("load failed; starting with an empty collection", logx.Err(err))
		return s
	}
	for _, m := range loaded {
		if m.ID == "" {
			continue
		}
		s.msgs[m.ID] = m
	}
	s.log.Info("messages loaded", logx.Int("count", len(s.msgs)))
	return s
}

// Add assigns id and createdAt, stores the record as scheduled and persists it.
func (s *Store) Add(ctx context.Context, d message.Draft) message.Message {
	s.mu.Lock()
	m := message.Message{
		ID:            s.newID(),
		Message:       d.Message,
		ScheduledTime: d.ScheduledTime,
		GroupID:       d.GroupID,
		GroupName:     d.GroupName,
		ProductData:   d.ProductData,
		Status:        message.StatusScheduled,
		CreatedAt:     s.now(),
	}
	s.msgs[m.ID] = m
	s.persistLocked(ctx, m.ID)
	s.mu.Unlock()

	s.log.Debug("message added", logx.String("id", m.ID), logx.Time("scheduled_time", m.ScheduledTime))
	return m.Clone()
}

// Remove deletes the record. It reports whether it existed.
func (s *Store) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[id]; !ok {
		return false
	}
	delete(s.msgs, id)
	s.persistLocked(ctx, id)
	s.log.Debug("message removed", logx.String("id", id))
	return true
}

// UpdateStatus sets status unconditionally and applies its side fields:
// sent stamps sentAt, failed records errText, any other status clears both.
func (s *Store) UpdateStatus(ctx context.Context, id string, status message.Status, errText string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return message.Message{}, false
	}
	m = s.applyStatusLocked(m, status, errText)
	s.msgs[id] = m
	s.persistLocked(ctx, id)
	return m.Clone(), true
}

// Transition moves id from one status to another only if its current status
// is from. It is the compare-and-set used by the scheduler so that at most one
// terminal transition is ever persisted per record.
func (s *Store) Transition(ctx context.Context, id string, from, to message.Status, errText string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.Status != from {
		return m.Clone(), false
	}
	m = s.applyStatusLocked(m, to, errText)
	s.msgs[id] = m
	s.persistLocked(ctx, id)
	return m.Clone(), true
}

func (s *Store) applyStatusLocked(m message.Message, status message.Status, errText string) message.Message {
	m.Status = status
	m.SentAt = nil
	m.Error = ""
	switch status {
	case message.StatusSent:
		t := s.now()
		m.SentAt = &t
	case message.StatusFailed:
		m.Error = errText
		if m.Error == "" {
			m.Error = "unknown error"
		}
	}
	return m
}

func (s *Store) Get(id string) (message.Message, bool) {
	s.mu.RLock()
	m, ok := s.msgs[id]
	s.mu.RUnlock()
	if !ok {
		return message.Message{}, false
	}
	return m.Clone(), true
}

// All returns every record ordered by ascending scheduledTime.
func (s *Store) All() []message.Message {
	s.mu.RLock()
	out := s.snapshotLocked()
	s.mu.RUnlock()
	return out
}

func (s *Store) ByStatus(status message.Status) []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]message.Message, 0)
	for _, m := range s.msgs {
		if m.Status == status {
			out = append(out, m.Clone())
		}
	}
	sortMessages(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) snapshotLocked() []message.Message {
	out := make([]message.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Clone())
	}
	sortMessages(out)
	return out
}

// persistLocked writes the mutation of id through to the backend.
// Failures are logged and swallowed; memory stays authoritative.
func (s *Store) persistLocked(ctx context.Context, id string) {
	if s.backend == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	switch b := s.backend.(type) {
	case RecordWriter:
		if m, ok := s.msgs[id]; ok {
			err = b.Put(ctx, m)
		} else {
			err = b.Delete(ctx, id)
		}
	case SnapshotWriter:
		err = b.WriteAll(ctx, s.snapshotLocked())
	}
	if err != nil {
		s.log.Error("persist failed; keeping in-memory state", logx.String("id", id), logx.Err(err))
	}
}

func sortMessages(ms []message.Message) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if !a.ScheduledTime.Equal(b.ScheduledTime) {
			return a.ScheduledTime.Before(b.ScheduledTime)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
