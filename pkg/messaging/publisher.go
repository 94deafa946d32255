package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("broker rejected publish")

// Message is one event leaving the service. ID travels as the AMQP
// message-id so subscribers can drop redeliveries.
type Message struct {
	ID         string
	Type       string
	Body       []byte
	OccurredAt time.Time
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// RabbitPublisher publishes to a fanout exchange on a single channel in
// confirm mode. Publish returns only after the broker has taken
// responsibility for the message.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string

	mu sync.Mutex
	ch *amqp091.Channel
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	p := &RabbitPublisher{conn: conn, exchange: exchange}
	ch, err := p.channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declareFanout(ch, exchange); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, msg.Type, false, false, publishing(msg))
	if err != nil {
		p.resetChannel()
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		// The confirm may still arrive; a fresh channel keeps tags aligned.
		p.resetChannel()
		return fmt.Errorf("await confirm %s: %w", msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, msg.ID)
	}
	return nil
}

// channel returns the open confirm-mode channel, reopening it after a
// channel-level error. Callers hold p.mu or own p exclusively.
func (p *RabbitPublisher) channel() (*amqp091.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *RabbitPublisher) resetChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	p.resetChannel()
	p.mu.Unlock()
	return p.conn.Close()
}

// publishing maps a Message onto AMQP properties. The event type doubles as
// routing key and message type so subscribers can filter without decoding.
func publishing(msg Message) amqp091.Publishing {
	ts := msg.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    ts.UTC(),
		Body:         msg.Body,
	}
}

func declareFanout(ch *amqp091.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}
