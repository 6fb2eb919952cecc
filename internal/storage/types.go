package storage

import (
	"context"
	"errors"
	"time"

	"promosched/internal/message"
)

var (
	ErrNotFound      = errors.New("message not found")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures the record store backend.
//
// Driver values: "file" (default), "sqlite", "postgres", "memory".
type Config struct {
	Driver      string
	Path        string        // file / sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend persists records. Load runs once at open.
type Backend interface {
	Load(ctx context.Context) ([]message.Message, error)
	Close() error
}

// SnapshotWriter backends rewrite the whole collection on every mutation.
type SnapshotWriter interface {
	WriteAll(ctx context.Context, all []message.Message) error
}

// RecordWriter backends persist one record at a time.
type RecordWriter interface {
	Put(ctx context.Context, m message.Message) error
	Delete(ctx context.Context, id string) error
}
