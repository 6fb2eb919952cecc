package message

import "time"

// Observer event names.
const (
	EventConnectionStatus = "connection-status"
	EventQRCode           = "qr-code"
	EventScheduledList    = "scheduled-messages"
	EventScheduled        = "message-scheduled"
	EventSent             = "message-sent"
	EventFailed           = "message-failed"
	EventCancelled        = "message-cancelled"
	EventStatusUpdated    = "message-status-updated"
)

type SentEvent struct {
	ID        string    `json:"id"`
	SentAt    time.Time `json:"sentAt"`
	GroupName string    `json:"groupName"`
}

type FailedEvent struct {
	ID        string `json:"id"`
	Error     string `json:"error"`
	GroupName string `json:"groupName"`
}

type StatusEvent struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type CancelledEvent struct {
	ID string `json:"id"`
}

type QREvent struct {
	QRCode string `json:"qrCode"`
}
