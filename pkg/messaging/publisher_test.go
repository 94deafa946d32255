package messaging

import (
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestPublishingCarriesEventIdentity(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	p := publishing(Message{
		ID:         "6f1c1e9e-2b1f-4c55-9d5e-1f0a3c6b7d21",
		Type:       "invoice.settled",
		Body:       []byte(`{"invoice_id":1}`),
		OccurredAt: at,
	})

	assert.Equal(t, "6f1c1e9e-2b1f-4c55-9d5e-1f0a3c6b7d21", p.MessageId)
	assert.Equal(t, "invoice.settled", p.Type)
	assert.Equal(t, amqp091.Persistent, p.DeliveryMode)
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, at.UTC(), p.Timestamp)
	assert.JSONEq(t, `{"invoice_id":1}`, string(p.Body))
}

func TestPublishingDefaultsTimestamp(t *testing.T) {
	p := publishing(Message{ID: "e1", Type: "invoice.settled"})
	assert.WithinDuration(t, time.Now(), p.Timestamp, time.Minute)
}
