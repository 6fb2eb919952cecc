// Package gateway defines the outbound delivery contract used by the
// scheduler and the HTTP API, plus helpers shared by the concrete
// transports under gateway/whatsapp and gateway/telegram.
package gateway

import (
	"context"
	"errors"
	"sync"

	"promosched/internal/eventbus"
)

var (
	ErrNotReady     = errors.New("WhatsApp não está conectado")
	ErrInvalidImage = errors.New("invalid image data URL")
	ErrUnsupported  = errors.New("operation not supported by gateway")
)

// Gateway delivers one message to one destination. Send blocks until the
// transport accepted or rejected the message.
type Gateway interface {
	Name() string
	IsReady() bool
	Send(ctx context.Context, dest, text string, img *Image) error
}

// Connector is implemented by gateways with an interactive session.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	RefreshQR(ctx context.Context) error
	Status() StatusInfo
}

// Directory lists the destinations a gateway can reach.
type Directory interface {
	Chats(ctx context.Context) ([]Chat, error)
}

// Lifecycle is implemented by gateways that own background resources.
type Lifecycle interface {
	Start(ctx context.Context) error
	Close() error
}

type Image struct {
	Data     []byte
	MimeType string
	FileName string
}

type Chat struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
	IsGroup      bool   `json:"isGroup"`
}

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusScanning     Status = "scanning"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// EventStatus is the bus event type carrying a StatusInfo.
const EventStatus = "gateway.status"

type StatusInfo struct {
	Status  Status `json:"status"`
	IsReady bool   `json:"isReady"`
	QRCode  string `json:"qrCode,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StatusTracker holds the current StatusInfo of a gateway and publishes
// every change on the bus.
type StatusTracker struct {
	mu  sync.RWMutex
	cur StatusInfo
	bus eventbus.Bus
}

func NewStatusTracker(bus eventbus.Bus) *StatusTracker {
	return &StatusTracker{bus: bus, cur: StatusInfo{Status: StatusDisconnected}}
}

func (t *StatusTracker) Get() StatusInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

func (t *StatusTracker) Ready() bool { return t.Get().IsReady }

// Set replaces the current status. IsReady follows StatusConnected.
func (t *StatusTracker) Set(info StatusInfo) {
	info.IsReady = info.Status == StatusConnected
	t.mu.Lock()
	t.cur = info
	t.mu.Unlock()
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: EventStatus, Data: info})
	}
}
