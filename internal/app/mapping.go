package app

import (
	"strings"
	"time"

	"promosched/internal/auth"
	"promosched/internal/config"
	"promosched/internal/gateway/telegram"
	"promosched/internal/gateway/whatsapp"
	"promosched/internal/httpapi"
	"promosched/internal/notifier"
	"promosched/internal/notifier/relay"
	"promosched/internal/storage"
	logx "promosched/pkg/logx"
)

const (
	driverWhatsApp = "whatsapp"
	driverTelegram = "telegram"
)

func deliveryDriver(cfg *config.Config) string {
	if strings.EqualFold(strings.TrimSpace(cfg.Delivery.Driver), driverTelegram) {
		return driverTelegram
	}
	return driverWhatsApp
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: config.BoolOr(cfg.Logging.Console, true),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapAuth(cfg *config.Config) (auth.Config, error) {
	ttl, err := config.ParseDurationOrDefault("auth.token_ttl", cfg.Auth.TokenTTL, auth.DefaultTTL)
	if err != nil {
		return auth.Config{}, err
	}
	return auth.Config{
		Username:    cfg.Auth.Username,
		Password:    cfg.Auth.Password,
		TokenTTL:    ttl,
		CleanupSpec: cfg.Auth.CleanupSpec,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	origins := h.CORSOrigins
	if len(origins) == 0 {
		origins = config.DefaultCORSOrigins
	}
	return httpapi.Config{
		Addr:         h.Addr,
		CORSOrigins:  origins,
		MaxBodyBytes: h.MaxBodyBytes,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		Pprof:        h.Pprof,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	r := cfg.Relay
	base, err := config.ParseDurationField("relay.retry_base", r.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("relay.retry_max_delay", r.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       r.Enabled,
		Workers:       r.Workers,
		QueueSize:     r.QueueSize,
		RatePerSec:    r.RatePerSec,
		RetryMax:      r.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapRelay(cfg *config.Config) relay.Config {
	return relay.Config{
		Kafka: relay.KafkaConfig{Brokers: cfg.Relay.Kafka.Brokers, Topic: cfg.Relay.Kafka.Topic},
		AMQP:  relay.AMQPConfig{URL: cfg.Relay.AMQP.URL, Exchange: cfg.Relay.AMQP.Exchange},
	}
}

func mapWhatsApp(cfg *config.Config) (whatsapp.Config, error) {
	w := cfg.WhatsApp
	delay, err := config.ParseDurationField("whatsapp.groups_retry_delay", w.GroupsRetryDelay)
	if err != nil {
		return whatsapp.Config{}, err
	}
	return whatsapp.Config{
		SessionPath:      w.SessionPath,
		AutoConnect:      config.BoolOr(w.AutoConnect, true),
		QRTerminal:       w.QRTerminal,
		GroupsRetry:      w.GroupsRetry,
		GroupsRetryDelay: delay,
		LogLevel:         w.LogLevel,
	}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		LogChatID:   cfg.Telegram.LogChatID,
	}, nil
}

// checkMappings runs every mapper; it is the reload validator.
func checkMappings(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapAuth(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapWhatsApp(cfg); err != nil {
		return err
	}
	_, err := mapTelegram(cfg)
	return err
}
