package relay

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"promosched/internal/notifier"
)

// Kafka publishes envelopes with a SyncProducer. The record key is the
// message id when the event refers to one record, which keeps per-message
// ordering within a partition.
type Kafka struct {
	topic string
	prod  sarama.SyncProducer
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newKafkaWithProducer(cfg.Topic, prod), nil
}

func newKafkaWithProducer(topic string, prod sarama.SyncProducer) *Kafka {
	if topic == "" {
		topic = "promosched.events"
	}
	return &Kafka{topic: topic, prod: prod}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, env notifier.Envelope) error {
	msg, err := k.message(env)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := k.prod.SendMessage(msg)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (k *Kafka) message(env notifier.Envelope) (*sarama.ProducerMessage, error) {
	body, err := encode(env)
	if err != nil {
		return nil, err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(env.Event)},
		},
	}
	if env.Key != "" {
		msg.Key = sarama.StringEncoder(env.Key)
	}
	return msg, nil
}

func (k *Kafka) Close() error { return k.prod.Close() }
