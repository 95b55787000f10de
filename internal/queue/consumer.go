package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// StartAuditConsumer connects to RabbitMQ, declares the activation events
// queue (durable) and writes every message to sink as one structured line.
// Connection problems are reported on log.
// It reconnects with exponential backoff and returns only when ctx is done.
// A message that cannot be decoded is rejected without requeue so a poison
// message never loops.
func StartAuditConsumer(ctx context.Context, url string, sink, log zerolog.Logger) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("audit-consumer: dial failed")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeLoop(ctx, conn, sink, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("audit-consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, sink, log zerolog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn().Err(err).Msg("audit-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(ActivationEventsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(ActivationEventsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := HandleMessage(sink, d.Body); err != nil {
				log.Error().Err(err).Msg("audit-consumer: handle message failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// HandleMessage decodes one event body and writes it to log.
func HandleMessage(log zerolog.Logger, body []byte) error {
	var ev ActivationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Kind == "" || ev.ActivationID == "" {
		return errors.New("event missing kind or activation_id")
	}
	e := log.Info().
		Str("kind", ev.Kind).
		Str("activation_id", ev.ActivationID).
		Str("server_time", ev.ServerTime)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.Status != "" {
		e = e.Str("status", ev.Status)
	}
	if ev.ActivateAt != "" {
		e = e.Str("activate_at", ev.ActivateAt)
	}
	e.Msg("activation " + ev.Kind)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
