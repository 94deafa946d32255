package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"paygate/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. A nil error acks the delivery. Errors
// requeue it unless wrapped with Permanent.
type Handler func(ctx context.Context, body []byte) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering, such as a malformed body or
// an answer whose deadline has passed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type outcome string

const (
	outcomeAcked    outcome = "acked"
	outcomeRequeued outcome = "requeued"
	outcomeDropped  outcome = "dropped"
)

// acknowledger is the part of amqp091.Delivery the consumer settles with.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func settle(d acknowledger, handlerErr error) (outcome, error) {
	switch {
	case handlerErr == nil:
		return outcomeAcked, d.Ack(false)
	case IsPermanent(handlerErr):
		return outcomeDropped, d.Nack(false, false)
	default:
		return outcomeRequeued, d.Nack(false, true)
	}
}

type Consumer struct {
	conn     *amqp091.Connection
	queue    string
	prefetch int
	logger   *slog.Logger
}

// NewRabbitConsumer declares a durable queue bound to the fanout exchange
// the bot gateway relays updates through.
func NewRabbitConsumer(url, exchange, queue string, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	if err := declareQueue(conn, exchange, queue); err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:     conn,
		queue:    queue,
		prefetch: 32,
		logger:   logger.With("component", "consumer", "queue", queue),
	}, nil
}

func declareQueue(conn *amqp091.Connection, exchange, queue string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareFanout(ch, exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}

// Start blocks until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consume %s: delivery channel closed", c.queue)
			}
			c.handle(ctx, msg, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery, handler Handler) {
	handlerErr := handler(ctx, msg.Body)
	res, err := settle(&msg, handlerErr)
	metrics.BotUpdatesTotal.WithLabelValues(string(res)).Inc()

	if handlerErr != nil {
		c.logger.Warn("handle delivery", "delivery_tag", msg.DeliveryTag, "redelivered", msg.Redelivered, "outcome", res, "err", handlerErr)
	}
	if err != nil {
		c.logger.Error("settle delivery", "delivery_tag", msg.DeliveryTag, "outcome", res, "err", err)
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
