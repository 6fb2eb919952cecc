package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks values that would otherwise fail later at wiring time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTL},
		{"whatsapp.groups_retry_delay", cfg.WhatsApp.GroupsRetryDelay},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"relay.retry_base", cfg.Relay.RetryBase},
		{"relay.retry_max_delay", cfg.Relay.RetryMaxDelay},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Delivery.Driver)) {
	case "", "whatsapp":
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("delivery.driver telegram requires telegram.token"))
		}
	default:
		errs = append(errs, fmt.Errorf("delivery.driver: unknown driver %q", cfg.Delivery.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3", "memory", "none":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if spec := strings.TrimSpace(cfg.Auth.CleanupSpec); spec != "" {
		p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("auth.cleanup_spec: %w", err))
		}
	}
	if cfg.HTTP.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be >= 0"))
	}
	if cfg.Delivery.RatePerMin < 0 {
		errs = append(errs, errors.New("delivery.rate_per_min must be >= 0"))
	}
	if cfg.Relay.Enabled && len(cfg.Relay.Kafka.Brokers) == 0 && strings.TrimSpace(cfg.Relay.AMQP.URL) == "" {
		errs = append(errs, errors.New("relay.enabled requires relay.kafka.brokers or relay.amqp.url"))
	}
	return errors.Join(errs...)
}
