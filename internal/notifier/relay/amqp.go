package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"promosched/internal/notifier"
	logx "promosched/pkg/logx"
)

// AMQP publishes envelopes to a topic exchange with the event name as the
// routing key. A closed channel is reopened on the next publish.
type AMQP struct {
	url      string
	exchange string
	log      logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(cfg AMQPConfig, log logx.Logger) (*AMQP, error) {
	a := &AMQP{url: cfg.URL, exchange: cfg.Exchange, log: log}
	if a.exchange == "" {
		a.exchange = "promosched.events"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connectLocked() error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	a.conn, a.ch = conn, ch
	return nil
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Publish(ctx context.Context, env notifier.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(env)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		a.log.Info("amqp reconnecting")
		if err := a.connectLocked(); err != nil {
			return err
		}
	}
	err = a.ch.Publish(a.exchange, env.Event, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Key,
		Timestamp:    env.At,
		Body:         body,
	})
	if errors.Is(err, amqp.ErrClosed) {
		_ = a.conn.Close()
		a.conn, a.ch = nil, nil
	}
	return err
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}
