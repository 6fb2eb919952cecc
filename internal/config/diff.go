package config

import (
	"slices"
	"strings"

	logx "promosched/pkg/logx"
)

// ChangeSummary describes a reload for logging. It never carries secrets
// (passwords, tokens, DSNs).
type ChangeSummary struct {
	Sections []string
	Attrs    []logx.Field
	// Restart lists changed keys that only take effect after a restart.
	Restart []string
}

func (c ChangeSummary) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out ChangeSummary
	section := func(name string, fields ...logx.Field) {
		out.Sections = append(out.Sections, name)
		out.Attrs = append(out.Attrs, fields...)
	}
	restart := func(key string) { out.Restart = append(out.Restart, key) }

	o, n := oldCfg.HTTP, newCfg.HTTP
	if o.Addr != n.Addr || !slices.Equal(o.CORSOrigins, n.CORSOrigins) || o.MaxBodyBytes != n.MaxBodyBytes ||
		o.ReadTimeout != n.ReadTimeout || o.WriteTimeout != n.WriteTimeout || o.IdleTimeout != n.IdleTimeout || o.Pprof != n.Pprof {
		section("http",
			logx.String("http.addr", n.Addr),
			logx.Int("http.cors_origins", len(n.CORSOrigins)),
			logx.Bool("http.pprof", n.Pprof),
		)
	}

	if oldCfg.Auth != newCfg.Auth {
		section("auth",
			logx.String("auth.username", newCfg.Auth.Username),
			logx.Bool("auth.password_changed", oldCfg.Auth.Password != newCfg.Auth.Password),
			logx.String("auth.token_ttl", newCfg.Auth.TokenTTL),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		section("delivery",
			logx.String("delivery.driver", newCfg.Delivery.Driver),
			logx.Int("delivery.rate_per_min", newCfg.Delivery.RatePerMin),
		)
		if !strings.EqualFold(oldCfg.Delivery.Driver, newCfg.Delivery.Driver) {
			restart("delivery.driver")
		}
	}

	ow, nw := oldCfg.WhatsApp, newCfg.WhatsApp
	if ow.SessionPath != nw.SessionPath || BoolOr(ow.AutoConnect, true) != BoolOr(nw.AutoConnect, true) ||
		ow.QRTerminal != nw.QRTerminal || ow.GroupsRetry != nw.GroupsRetry ||
		ow.GroupsRetryDelay != nw.GroupsRetryDelay || ow.LogLevel != nw.LogLevel {
		section("whatsapp", logx.Int("whatsapp.groups_retry", nw.GroupsRetry))
		if ow.SessionPath != nw.SessionPath {
			restart("whatsapp.session_path")
		}
	}

	if oldCfg.Telegram != newCfg.Telegram {
		section("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.log_chat_id", newCfg.Telegram.LogChatID),
		)
		if oldCfg.Telegram.Token != newCfg.Telegram.Token {
			restart("telegram.token")
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		section("storage", logx.String("storage.driver", newCfg.Storage.Driver))
		restart("storage")
	}

	or, nr := oldCfg.Relay, newCfg.Relay
	if or.Enabled != nr.Enabled || or.Workers != nr.Workers || or.QueueSize != nr.QueueSize ||
		or.RatePerSec != nr.RatePerSec || or.RetryMax != nr.RetryMax || or.RetryBase != nr.RetryBase ||
		or.RetryMaxDelay != nr.RetryMaxDelay || !slices.Equal(or.Kafka.Brokers, nr.Kafka.Brokers) ||
		or.Kafka.Topic != nr.Kafka.Topic || or.AMQP != nr.AMQP {
		section("relay",
			logx.Bool("relay.enabled", nr.Enabled),
			logx.Int("relay.rate_per_sec", nr.RatePerSec),
			logx.Int("relay.retry_max", nr.RetryMax),
		)
		if or.Enabled != nr.Enabled || or.Workers != nr.Workers || or.QueueSize != nr.QueueSize ||
			!slices.Equal(or.Kafka.Brokers, nr.Kafka.Brokers) || or.Kafka.Topic != nr.Kafka.Topic || or.AMQP != nr.AMQP {
			restart("relay")
		}
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level || BoolOr(ol.Console, true) != BoolOr(nl.Console, true) || ol.File != nl.File || ol.Alerts != nl.Alerts {
		section("logging",
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.file", nl.File.Enabled),
			logx.Bool("logging.alerts", nl.Alerts.Enabled),
		)
	}
	return out
}
