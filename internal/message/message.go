// Package message defines the scheduled-message record, its status machine and
// the observer event payloads shared by the scheduler, the HTTP API and the
// notification fan-out.
package message

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s == StatusScheduled || s.Terminal()
}

// Message is one scheduled delivery. The JSON layout is the persisted layout.
type Message struct {
	ID            string          `json:"id"`
	Message       string          `json:"message"`
	ScheduledTime time.Time       `json:"scheduledTime"`
	GroupID       string          `json:"groupId"`
	GroupName     string          `json:"groupName"`
	ProductData   json.RawMessage `json:"productData,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	cp := m
	if m.ProductData != nil {
		cp.ProductData = append(json.RawMessage(nil), m.ProductData...)
	}
	if m.SentAt != nil {
		t := *m.SentAt
		cp.SentAt = &t
	}
	return cp
}

// Draft carries the caller-supplied fields of a new record.
type Draft struct {
	Message       string
	ScheduledTime time.Time
	GroupID       string
	GroupName     string
	ProductData   json.RawMessage
}

// Job is an armed in-memory timer as reported by the scheduler.
type Job struct {
	ID            string    `json:"id"`
	ScheduledTime time.Time `json:"scheduledTime"`
}
