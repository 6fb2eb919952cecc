package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

const defaultFilePath = "./data/messages.json"

// fileBackend keeps the whole collection in one pretty-printed JSON array.
// Every write replaces the file via temp file + rename.
type fileBackend struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (*fileBackend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileBackend{path: path, log: log}, nil
}

func (b *fileBackend) Load(ctx context.Context) ([]message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var out []message.Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	return out, nil
}

func (b *fileBackend) WriteAll(ctx context.Context, all []message.Message) error {
	if all == nil {
		all = []message.Message{}
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *fileBackend) Close() error { return nil }
