// Package relay holds the external notifier.Sink implementations.
package relay

import (
	"encoding/json"
	"errors"
	"strings"

	"promosched/internal/notifier"
	logx "promosched/pkg/logx"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type Config struct {
	Kafka KafkaConfig
	AMQP  AMQPConfig
}

// Open builds every sink that has enough configuration. A sink that fails
// to connect is logged and skipped so the service still starts.
func Open(cfg Config, log logx.Logger) []notifier.Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "relay"))

	var sinks []notifier.Sink
	if brokers := cleanList(cfg.Kafka.Brokers); len(brokers) > 0 {
		k, err := NewKafka(KafkaConfig{Brokers: brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			log.Error("kafka sink disabled", logx.Err(err))
		} else {
			sinks = append(sinks, k)
		}
	}
	if strings.TrimSpace(cfg.AMQP.URL) != "" {
		a, err := NewAMQP(cfg.AMQP, log)
		if err != nil {
			log.Error("amqp sink disabled", logx.Err(err))
		} else {
			sinks = append(sinks, a)
		}
	}
	return sinks
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func encode(env notifier.Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, errors.New("envelope without event name")
	}
	return json.Marshal(env)
}
