package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func fixedClock(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func TestStoreLifecycleMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(ctx, nil, logx.Nop(), WithClock(fixedClock(now)), WithIDGenerator(seqIDs()))

	later := s.Add(ctx, message.Draft{Message: "b", ScheduledTime: now.Add(2 * time.Hour), GroupID: "g@g.us", GroupName: "G"})
	sooner := s.Add(ctx, message.Draft{Message: "a", ScheduledTime: now.Add(time.Hour), GroupID: "g@g.us", GroupName: "G"})

	if later.Status != message.StatusScheduled || !later.CreatedAt.Equal(now) {
		t.Fatalf("unexpected new record: %+v", later)
	}
	all := s.All()
	if len(all) != 2 || all[0].ID != sooner.ID || all[1].ID != later.ID {
		t.Fatalf("All() not ordered by scheduledTime: %+v", all)
	}

	got, ok := s.UpdateStatus(ctx, sooner.ID, message.StatusSent, "")
	if !ok || got.SentAt == nil || !got.SentAt.Equal(now) || got.Error != "" {
		t.Fatalf("sent update = %+v ok=%v", got, ok)
	}
	got, _ = s.UpdateStatus(ctx, later.ID, message.StatusFailed, "boom")
	if got.Error != "boom" || got.SentAt != nil {
		t.Fatalf("failed update = %+v", got)
	}

	if _, ok := s.UpdateStatus(ctx, "missing", message.StatusSent, ""); ok {
		t.Fatal("update of unknown id should report false")
	}
	if s.Remove(ctx, "missing") {
		t.Fatal("remove of unknown id should report false")
	}
	if !s.Remove(ctx, later.ID) || s.Len() != 1 {
		t.Fatalf("remove failed, len=%d", s.Len())
	}
}

func TestStoreTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(ctx, nil, logx.Nop(), WithIDGenerator(seqIDs()))
	m := s.Add(ctx, message.Draft{Message: "x", ScheduledTime: time.Now().Add(time.Minute), GroupID: "g"})

	if _, ok := s.Transition(ctx, m.ID, message.StatusScheduled, message.StatusCancelled, ""); !ok {
		t.Fatal("first transition should apply")
	}
	cur, ok := s.Transition(ctx, m.ID, message.StatusScheduled, message.StatusSent, "")
	if ok {
		t.Fatal("second transition from scheduled must not apply")
	}
	if cur.Status != message.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cur.Status)
	}
}

func TestByStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(ctx, nil, logx.Nop(), WithIDGenerator(seqIDs()))
	a := s.Add(ctx, message.Draft{Message: "a", GroupID: "g"})
	s.Add(ctx, message.Draft{Message: "b", GroupID: "g"})
	s.UpdateStatus(ctx, a.ID, message.StatusExpired, "")

	if got := s.ByStatus(message.StatusScheduled); len(got) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(got))
	}
	if got := s.ByStatus(message.StatusSent); got == nil || len(got) != 0 {
		t.Fatalf("sent = %#v, want empty non-nil slice", got)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "messages.json")
	cfg := Config{Driver: "file", Path: path}

	s, err := Open(ctx, cfg, logx.Nop(), WithIDGenerator(seqIDs()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	when := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	m := s.Add(ctx, message.Draft{
		Message:       "promo",
		ScheduledTime: when,
		GroupID:       "123@g.us",
		GroupName:     "Deals",
		ProductData:   json.RawMessage(`{"title":"Lamp"}`),
	})
	s.UpdateStatus(ctx, m.ID, message.StatusFailed, "WhatsApp não está conectado")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.HasPrefix(string(raw), "[\n  {") {
		t.Fatalf("file is not a pretty-printed array: %q", raw)
	}

	reopened, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(m.ID)
	if !ok {
		t.Fatal("record lost across reopen")
	}
	if !got.ScheduledTime.Equal(when) || got.Status != message.StatusFailed || got.Error != "WhatsApp não está conectado" {
		t.Fatalf("reloaded = %+v", got)
	}
	var product map[string]string
	if err := json.Unmarshal(got.ProductData, &product); err != nil || product["title"] != "Lamp" {
		t.Fatalf("productData = %s (%v)", got.ProductData, err)
	}
}

func TestFileBackendCorruptStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "messages.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(context.Background(), Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "promosched.db")}

	s, err := Open(ctx, cfg, logx.Nop(), WithIDGenerator(seqIDs()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a := s.Add(ctx, message.Draft{Message: "a", ScheduledTime: time.Now().Add(time.Hour).UTC(), GroupID: "g", GroupName: "G"})
	b := s.Add(ctx, message.Draft{Message: "b", ScheduledTime: time.Now().Add(2 * time.Hour).UTC(), GroupID: "g", GroupName: "G"})
	s.UpdateStatus(ctx, a.ID, message.StatusSent, "")
	s.Remove(ctx, b.ID)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("len = %d, want 1", reopened.Len())
	}
	got, _ := reopened.Get(a.ID)
	if got.Status != message.StatusSent || got.SentAt == nil {
		t.Fatalf("reloaded = %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v, want ErrUnknownDriver", err)
	}
}
