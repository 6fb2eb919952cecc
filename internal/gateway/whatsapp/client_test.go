package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow/types"

	"promosched/internal/gateway"
	logx "promosched/pkg/logx"
)

func TestGroupChatsDropsUnnamed(t *testing.T) {
	t.Parallel()

	groups := []*types.GroupInfo{
		{JID: types.NewJID("222", types.GroupServer), GroupName: types.GroupName{Name: "Zeta deals"}},
		{JID: types.NewJID("333", types.GroupServer)},
		nil,
		{JID: types.NewJID("111", types.GroupServer), GroupName: types.GroupName{Name: "Alpha"},
			Participants: []types.GroupParticipant{{}, {}}},
	}
	got := groupChats(groups)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Name != "Alpha" || got[0].ID != "111@g.us" || got[0].Participants != 2 || !got[0].IsGroup {
		t.Fatalf("first = %+v", got[0])
	}
}

func TestQRDataURL(t *testing.T) {
	t.Parallel()

	url, err := qrDataURL("2@abc,def,ghi")
	if err != nil {
		t.Fatalf("qrDataURL: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("url = %.40q", url)
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("payload is not a png (err %v)", err)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()

	c := New(Config{SessionPath: t.TempDir() + "/wa.db"}, nil, logx.Nop())
	if c.IsReady() {
		t.Fatal("fresh client must not be ready")
	}
	if err := c.Send(context.Background(), "1@g.us", "hi", nil); !errors.Is(err, gateway.ErrNotReady) {
		t.Fatalf("Send err = %v, want ErrNotReady", err)
	}
	if _, err := c.Chats(context.Background()); !errors.Is(err, gateway.ErrNotReady) {
		t.Fatalf("Chats err = %v, want ErrNotReady", err)
	}
	if st := c.Status(); st.Status != gateway.StatusDisconnected {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestWALoggerBridge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := newWALogger(logx.NewWriter(&buf, "DEBUG"), "client").Sub("socket")
	l.Warnf("frame %d dropped", 7)
	out := buf.String()
	for _, want := range []string{`"wa":"client"`, `"wa_sub":"socket"`, `frame 7 dropped`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log %q missing %s", out, want)
		}
	}
}
