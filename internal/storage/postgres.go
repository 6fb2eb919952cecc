package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

// messageRow is the gorm model for the scheduled_messages table.
type messageRow struct {
	ID            string         `gorm:"primaryKey;type:text"`
	Message       string         `gorm:"type:text;not null"`
	ScheduledTime time.Time      `gorm:"not null;index"`
	GroupID       string         `gorm:"type:text;not null"`
	GroupName     string         `gorm:"type:text;not null"`
	ProductData   datatypes.JSON `gorm:"type:jsonb"`
	Status        string         `gorm:"type:text;not null;index"`
	CreatedAt     time.Time      `gorm:"not null"`
	SentAt        *time.Time
	Error         string `gorm:"type:text"`
}

func (messageRow) TableName() string { return "scheduled_messages" }

func rowFrom(m message.Message) messageRow {
	return messageRow{
		ID:            m.ID,
		Message:       m.Message,
		ScheduledTime: m.ScheduledTime,
		GroupID:       m.GroupID,
		GroupName:     m.GroupName,
		ProductData:   datatypes.JSON(m.ProductData),
		Status:        string(m.Status),
		CreatedAt:     m.CreatedAt,
		SentAt:        m.SentAt,
		Error:         m.Error,
	}
}

func (r messageRow) toMessage() message.Message {
	m := message.Message{
		ID:            r.ID,
		Message:       r.Message,
		ScheduledTime: r.ScheduledTime,
		GroupID:       r.GroupID,
		GroupName:     r.GroupName,
		Status:        message.Status(r.Status),
		CreatedAt:     r.CreatedAt,
		SentAt:        r.SentAt,
		Error:         r.Error,
	}
	if len(r.ProductData) > 0 {
		m.ProductData = []byte(r.ProductData)
	}
	return m
}

type postgresBackend struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (*postgresBackend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&messageRow{}); err != nil {
		return nil, err
	}
	return &postgresBackend{db: db, log: log}, nil
}

func (b *postgresBackend) Load(ctx context.Context) ([]message.Message, error) {
	var rows []messageRow
	if err := b.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}

func (b *postgresBackend) Put(ctx context.Context, m message.Message) error {
	row := rowFrom(m)
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (b *postgresBackend) Delete(ctx context.Context, id string) error {
	return b.db.WithContext(ctx).Delete(&messageRow{}, "id = ?", id).Error
}

func (b *postgresBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
