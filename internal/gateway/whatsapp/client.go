// Package whatsapp is the WhatsApp Web delivery gateway built on whatsmeow.
package whatsapp

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal"
	qrCode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"promosched/internal/eventbus"
	"promosched/internal/gateway"
	logx "promosched/pkg/logx"
)

type Config struct {
	SessionPath      string
	AutoConnect      bool
	QRTerminal       bool
	GroupsRetry      int
	GroupsRetryDelay time.Duration
	LogLevel         string
}

// Client owns one whatsmeow session. Connect starts pairing when no device
// is stored yet; the QR code is published as a data URL on the bus.
type Client struct {
	cfg    Config
	log    logx.Logger
	status *gateway.StatusTracker

	db        *sql.DB
	container *sqlstore.Container

	mu       sync.Mutex
	wa       *whatsmeow.Client
	handler  uint32
	qrCancel context.CancelFunc
}

var (
	_ gateway.Gateway   = (*Client)(nil)
	_ gateway.Connector = (*Client)(nil)
	_ gateway.Directory = (*Client)(nil)
	_ gateway.Lifecycle = (*Client)(nil)
)

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.SessionPath) == "" {
		cfg.SessionPath = "./data/whatsapp.db"
	}
	if cfg.GroupsRetry <= 0 {
		cfg.GroupsRetry = 3
	}
	if cfg.GroupsRetryDelay <= 0 {
		cfg.GroupsRetryDelay = 2 * time.Second
	}
	return &Client{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "whatsapp")),
		status: gateway.NewStatusTracker(bus),
	}
}

func (c *Client) Name() string { return "whatsapp" }

func (c *Client) IsReady() bool { return c.status.Ready() }

func (c *Client) Status() gateway.StatusInfo { return c.status.Get() }

// Start opens the session store and reconnects a paired device when
// auto_connect is set.
func (c *Client) Start(ctx context.Context) error {
	if err := c.openStore(ctx); err != nil {
		return err
	}
	if !c.cfg.AutoConnect {
		return nil
	}
	dev, err := c.container.GetFirstDevice(ctx)
	if err != nil {
		return err
	}
	if dev.ID == nil {
		c.log.Info("no paired device; waiting for connect request")
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		// Keep running; the operator can retry through the API.
		c.log.Error("auto connect failed", logx.Err(err))
	}
	return nil
}

func (c *Client) openStore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.container != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.SessionPath), 0o755); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", c.cfg.SessionPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	container := sqlstore.NewWithDB(db, "sqlite3", newWALogger(c.log, "store"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("upgrade session store: %w", err)
	}
	c.db = db
	c.container = container
	return nil
}

// Connect starts a session. Without a stored device it begins QR pairing
// and returns once the first code is published or pairing fails.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.openStore(ctx); err != nil {
		c.status.Set(gateway.StatusInfo{Status: gateway.StatusError, Error: err.Error()})
		return err
	}

	c.mu.Lock()
	if c.wa != nil && c.wa.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	dev, err := c.container.GetFirstDevice(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	wa := whatsmeow.NewClient(dev, newWALogger(c.log, "client"))
	c.handler = wa.AddEventHandler(c.handleEvent)
	c.wa = wa
	c.mu.Unlock()

	c.status.Set(gateway.StatusInfo{Status: gateway.StatusConnecting})

	if wa.Store.ID != nil {
		if err := wa.Connect(); err != nil {
			c.status.Set(gateway.StatusInfo{Status: gateway.StatusError, Error: err.Error()})
			return err
		}
		return nil
	}
	return c.pair(wa)
}

func (c *Client) pair(wa *whatsmeow.Client) error {
	qrCtx, cancel := context.WithCancel(context.Background())
	qrChan, err := wa.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return err
	}
	c.mu.Lock()
	c.qrCancel = cancel
	c.mu.Unlock()

	if err := wa.Connect(); err != nil {
		cancel()
		c.status.Set(gateway.StatusInfo{Status: gateway.StatusError, Error: err.Error()})
		return err
	}

	go c.watchQR(qrCtx, qrChan)
	return nil
}

func (c *Client) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				url, err := qrDataURL(evt.Code)
				if err != nil {
					c.log.Error("qr encode failed", logx.Err(err))
					continue
				}
				if c.cfg.QRTerminal {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, logx.Stdout())
				}
				c.log.Info("qr code ready; scan it with WhatsApp", logx.Duration("valid_for", evt.Timeout))
				c.status.Set(gateway.StatusInfo{Status: gateway.StatusScanning, QRCode: url})
			case whatsmeow.QRChannelSuccess.Event:
				c.log.Info("pairing succeeded")
				return
			case whatsmeow.QRChannelTimeout.Event:
				c.log.Warn("qr pairing timed out")
				c.status.Set(gateway.StatusInfo{Status: gateway.StatusDisconnected, Reason: "qr timeout"})
				return
			default:
				msg := evt.Event
				if evt.Error != nil {
					msg = evt.Error.Error()
				}
				c.status.Set(gateway.StatusInfo{Status: gateway.StatusError, Error: msg})
				return
			}
		}
	}
}

func qrDataURL(code string) (string, error) {
	png, err := qrCode.Encode(code, qrCode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func (c *Client) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		c.log.Info("connected")
		c.status.Set(gateway.StatusInfo{Status: gateway.StatusConnected})
	case *events.Disconnected:
		c.log.Warn("disconnected")
		c.status.Set(gateway.StatusInfo{Status: gateway.StatusDisconnected, Reason: "connection lost"})
	case *events.LoggedOut:
		c.log.Warn("logged out", logx.Any("reason", e.Reason))
		c.status.Set(gateway.StatusInfo{Status: gateway.StatusDisconnected, Reason: "logged out"})
		go c.dropDevice()
	case *events.StreamReplaced:
		c.log.Error("stream replaced by another session")
		c.status.Set(gateway.StatusInfo{Status: gateway.StatusError, Error: "stream replaced"})
	}
}

// dropDevice forgets the stored device so the next Connect pairs again.
func (c *Client) dropDevice() {
	c.mu.Lock()
	wa := c.wa
	c.wa = nil
	c.mu.Unlock()
	if wa == nil {
		return
	}
	wa.Disconnect()
	if wa.Store != nil && wa.Store.ID != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wa.Store.Delete(ctx); err != nil {
			c.log.Warn("device delete failed", logx.Err(err))
		}
	}
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	wa := c.wa
	c.wa = nil
	cancel := c.qrCancel
	c.qrCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wa != nil {
		wa.RemoveEventHandler(c.handler)
		wa.Disconnect()
	}
	c.status.Set(gateway.StatusInfo{Status: gateway.StatusDisconnected})
	return nil
}

// RefreshQR tears the session down and connects again to obtain a new code.
func (c *Client) RefreshQR(ctx context.Context) error {
	if err := c.Disconnect(ctx); err != nil {
		return err
	}
	return c.Connect(ctx)
}

func (c *Client) current() (*whatsmeow.Client, error) {
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa == nil || !c.IsReady() {
		return nil, gateway.ErrNotReady
	}
	return wa, nil
}

func (c *Client) Send(ctx context.Context, dest, text string, img *gateway.Image) error {
	wa, err := c.current()
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(dest)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", dest, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if img != nil {
		up, err := wa.Upload(ctx, img.Data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		msg = &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				Mimetype:      proto.String(img.MimeType),
				Caption:       proto.String(text),
				FileLength:    proto.Uint64(up.FileLength),
				FileSHA256:    up.FileSHA256,
				FileEncSHA256: up.FileEncSHA256,
				MediaKey:      up.MediaKey,
			},
		}
	}
	if _, err := wa.SendMessage(ctx, jid, msg); err != nil {
		return err
	}
	c.log.Debug("message sent", logx.String("dest", dest), logx.Bool("image", img != nil))
	return nil
}

// Chats lists joined groups. Right after connecting the group list may be
// empty while the app state syncs, so the call is retried.
func (c *Client) Chats(ctx context.Context) ([]gateway.Chat, error) {
	wa, err := c.current()
	if err != nil {
		return nil, err
	}
	var groups []*types.GroupInfo
	for i := 0; i < c.cfg.GroupsRetry; i++ {
		groups, err = wa.GetJoinedGroups(ctx)
		if err == nil && len(groups) > 0 {
			break
		}
		if i == c.cfg.GroupsRetry-1 {
			break
		}
		c.log.Debug("groups not synced yet", logx.Int("attempt", i+1))
		t := time.NewTimer(c.cfg.GroupsRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	return groupChats(groups), nil
}

func groupChats(groups []*types.GroupInfo) []gateway.Chat {
	out := make([]gateway.Chat, 0, len(groups))
	for _, g := range groups {
		if g == nil || strings.TrimSpace(g.Name) == "" {
			continue
		}
		out = append(out, gateway.Chat{
			ID:           g.JID.String(),
			Name:         g.Name,
			Participants: len(g.Participants),
			IsGroup:      true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Client) Close() error {
	_ = c.Disconnect(context.Background())
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.container = nil
	c.mu.Unlock()
	if db != nil {
		return db.Close()
	}
	return nil
}
