package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"promosched/internal/eventbus"
)

func TestDecodeDataURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		in       string
		wantName string
		wantMime string
		wantData string
		wantErr  bool
	}{
		{"png", "data:image/png;base64,aGVsbG8=", "product.png", "image/png", "hello", false},
		{"gif", "data:image/gif;base64,aGk=", "product.gif", "image/gif", "hi", false},
		{"webp", "data:image/webp;base64,aGk=", "product.webp", "image/webp", "hi", false},
		{"jpeg falls back", "data:image/jpeg;base64,aGk=", "product.jpg", "image/jpeg", "hi", false},
		{"not a data url", "https://example.com/x.png", "", "", "", true},
		{"bad base64", "data:image/png;base64,!!!", "", "", "", true},
		{"empty", "", "", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			img, err := DecodeDataURL(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidImage) {
					t.Fatalf("err = %v, want ErrInvalidImage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if img.FileName != tc.wantName || img.MimeType != tc.wantMime || string(img.Data) != tc.wantData {
				t.Fatalf("got %+v (data %q)", img, img.Data)
			}
		})
	}
}

type stubGateway struct {
	sends int
}

func (s *stubGateway) Name() string  { return "stub" }
func (s *stubGateway) IsReady() bool { return true }
func (s *stubGateway) Send(ctx context.Context, dest, text string, img *Image) error {
	s.sends++
	return nil
}
func (s *stubGateway) Chats(ctx context.Context) ([]Chat, error) {
	return []Chat{{ID: "1", Name: "G", IsGroup: true}}, nil
}

func TestLimitedKeepsCapabilities(t *testing.T) {
	t.Parallel()

	inner := &stubGateway{}
	gw := Limited(inner, NewLimiter(0))
	if err := gw.Send(context.Background(), "d", "t", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if inner.sends != 1 {
		t.Fatalf("sends = %d, want 1", inner.sends)
	}
	if _, ok := AsDirectory(gw); !ok {
		t.Fatal("Directory lost behind Limited")
	}
	if _, ok := AsConnector(gw); ok {
		t.Fatal("stub is not a Connector")
	}
	if _, ok := gw.(RateSetter); !ok {
		t.Fatal("Limited should expose SetRate")
	}
}

func TestLimitedHonoursContext(t *testing.T) {
	t.Parallel()

	inner := &stubGateway{}
	gw := Limited(inner, NewLimiter(1))
	ctx := context.Background()
	if err := gw.Send(ctx, "d", "first", nil); err != nil {
		t.Fatalf("first send: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := gw.Send(ctx, "d", "second", nil); err == nil {
		t.Fatal("second send should be throttled past the deadline")
	}
	if inner.sends != 1 {
		t.Fatalf("sends = %d, want 1", inner.sends)
	}
}

func TestStatusTrackerPublishes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, EventStatus)
	defer unsub()

	tr := NewStatusTracker(bus)
	if tr.Ready() {
		t.Fatal("new tracker must not be ready")
	}
	tr.Set(StatusInfo{Status: StatusConnected})
	if !tr.Ready() {
		t.Fatal("connected tracker should be ready")
	}
	ev := <-ch
	info, ok := ev.Data.(StatusInfo)
	if !ok || info.Status != StatusConnected || !info.IsReady {
		t.Fatalf("event = %+v", ev)
	}
}
