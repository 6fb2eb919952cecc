package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteBackend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b := &sqliteBackend{db: db, log: log}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) migrate(ctx context.Context) error {
	raw, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, string(raw))
	return err
}

func (b *sqliteBackend) Load(ctx context.Context) ([]message.Message, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, message, scheduled_time, group_id, group_name, product_data, status, created_at, sent_at, error
		 FROM scheduled_messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var (
			m                      message.Message
			scheduled, created     string
			product, sent, errText sql.NullString
			status                 string
		)
		if err := rows.Scan(&m.ID, &m.Message, &scheduled, &m.GroupID, &m.GroupName, &product, &status, &created, &sent, &errText); err != nil {
			return nil, err
		}
		if m.ScheduledTime, err = time.Parse(time.RFC3339Nano, scheduled); err != nil {
			return nil, fmt.Errorf("row %s: scheduled_time: %w", m.ID, err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("row %s: created_at: %w", m.ID, err)
		}
		if sent.Valid && sent.String != "" {
			t, err := time.Parse(time.RFC3339Nano, sent.String)
			if err != nil {
				return nil, fmt.Errorf("row %s: sent_at: %w", m.ID, err)
			}
			m.SentAt = &t
		}
		if product.Valid && product.String != "" {
			m.ProductData = []byte(product.String)
		}
		m.Status = message.Status(status)
		m.Error = errText.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) Put(ctx context.Context, m message.Message) error {
	var sent any
	if m.SentAt != nil {
		sent = m.SentAt.UTC().Format(time.RFC3339Nano)
	}
	var product any
	if len(m.ProductData) > 0 {
		product = string(m.ProductData)
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages(id, message, scheduled_time, group_id, group_name, product_data, status, created_at, sent_at, error)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   message=excluded.message, scheduled_time=excluded.scheduled_time,
		   group_id=excluded.group_id, group_name=excluded.group_name,
		   product_data=excluded.product_data, status=excluded.status,
		   sent_at=excluded.sent_at, error=excluded.error`,
		m.ID, m.Message, m.ScheduledTime.UTC().Format(time.RFC3339Nano), m.GroupID, m.GroupName,
		product, string(m.Status), m.CreatedAt.UTC().Format(time.RFC3339Nano), sent, nullStr(m.Error),
	)
	return err
}

func (b *sqliteBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE id = ?`, id)
	return err
}

func (b *sqliteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
