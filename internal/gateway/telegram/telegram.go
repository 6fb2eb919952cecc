// Package telegram delivers scheduled messages through a Telegram bot and
// doubles as the operator alert sink for pkg/logx.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"promosched/internal/eventbus"
	"promosched/internal/gateway"
	logx "promosched/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	LogChatID   int64
}

// Adapter wraps one telebot.Bot. Destinations are numeric chat ids.
// Chats the bot sees while polling are remembered for Chats.
type Adapter struct {
	cfg    Config
	log    logx.Logger
	bot    *tele.Bot
	status *gateway.StatusTracker

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runDone   chan struct{}

	chatMu sync.RWMutex
	chats  map[int64]gateway.Chat
}

var (
	_ gateway.Gateway   = (*Adapter)(nil)
	_ gateway.Directory = (*Adapter)(nil)
	_ gateway.Lifecycle = (*Adapter)(nil)
)

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "telegram")),
		bot:    b,
		status: gateway.NewStatusTracker(bus),
		chats:  map[int64]gateway.Chat{},
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) IsReady() bool { return a.status.Ready() }

func (a *Adapter) Status() gateway.StatusInfo { return a.status.Get() }

// Start begins long polling. It returns immediately.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runDone = make(chan struct{})

	a.bot.Handle("/chatid", func(c tele.Context) error {
		a.remember(c.Chat())
		return c.Reply("chat id: " + strconv.FormatInt(c.Chat().ID, 10))
	})
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.remember(c.Chat())
		return nil
	})
	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		a.remember(c.Chat())
		return nil
	})

	done := a.runDone
	go func() {
		defer close(done)
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.status.Set(gateway.StatusInfo{Status: gateway.StatusConnected})
		a.log.Info("polling started")
		a.bot.Start()
		a.status.Set(gateway.StatusInfo{Status: gateway.StatusDisconnected, Reason: "polling stopped"})
	}()
	return nil
}

// Close stops polling, waiting at most two seconds for the long poll.
func (a *Adapter) Close() error {
	a.runMu.Lock()
	cancel := a.runCancel
	done := a.runDone
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
		a.log.Info("polling stopped")
	case <-time.After(2 * time.Second):
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, dest, text string, img *gateway.Image) error {
	if !a.IsReady() {
		return gateway.ErrNotReady
	}
	chatID, err := ParseChatID(dest)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	var what any = text
	if img != nil {
		what = &tele.Photo{
			File:    tele.FromReader(bytes.NewReader(img.Data)),
			Caption: text,
		}
	}
	if _, err := a.bot.Send(chat, what); err != nil {
		return err
	}
	a.log.Debug("message sent", logx.Int64("chat_id", chatID), logx.Bool("image", img != nil))
	return nil
}

// SendAlert posts a log alert to the configured log chat.
func (a *Adapter) SendAlert(ctx context.Context, text string) error {
	if a.cfg.LogChatID == 0 {
		return nil
	}
	_, err := a.bot.Send(&tele.Chat{ID: a.cfg.LogChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func (a *Adapter) Chats(ctx context.Context) ([]gateway.Chat, error) {
	if !a.IsReady() {
		return nil, gateway.ErrNotReady
	}
	a.chatMu.RLock()
	out := make([]gateway.Chat, 0, len(a.chats))
	for _, c := range a.chats {
		out = append(out, c)
	}
	a.chatMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *Adapter) remember(c *tele.Chat) {
	ch, ok := chatFrom(c)
	if !ok {
		return
	}
	a.chatMu.Lock()
	a.chats[c.ID] = ch
	a.chatMu.Unlock()
}

func chatFrom(c *tele.Chat) (gateway.Chat, bool) {
	if c == nil || c.ID == 0 {
		return gateway.Chat{}, false
	}
	name := strings.TrimSpace(c.Title)
	if name == "" {
		name = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	if name == "" {
		name = c.Username
	}
	if name == "" {
		return gateway.Chat{}, false
	}
	isGroup := c.Type == tele.ChatGroup || c.Type == tele.ChatSuperGroup || c.Type == tele.ChatChannel
	return gateway.Chat{
		ID:           strconv.FormatInt(c.ID, 10),
		Name:         name,
		Participants: 1,
		IsGroup:      isGroup,
	}, true
}

// ParseChatID parses a numeric Telegram chat id.
func ParseChatID(dest string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(dest), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid telegram chat id %q", dest)
	}
	return id, nil
}
