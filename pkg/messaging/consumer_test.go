package messaging

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	acked    bool
	nacked   bool
	requeued bool
	err      error
}

func (d *fakeDelivery) Ack(bool) error {
	d.acked = true
	return d.err
}

func (d *fakeDelivery) Nack(_ bool, requeue bool) error {
	d.nacked = true
	d.requeued = requeue
	return d.err
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		want       outcome
		acked      bool
		requeued   bool
	}{
		{name: "handled", want: outcomeAcked, acked: true},
		{name: "transient", handlerErr: errors.New("database unavailable"), want: outcomeRequeued, requeued: true},
		{name: "permanent", handlerErr: Permanent(errors.New("decode bot update")), want: outcomeDropped},
		{name: "wrapped permanent", handlerErr: fmt.Errorf("update 9: %w", Permanent(errors.New("late"))), want: outcomeDropped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDelivery{}
			got, err := settle(d, tt.handlerErr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.acked, d.acked)
			assert.Equal(t, !tt.acked, d.nacked)
			assert.Equal(t, tt.requeued, d.requeued)
		})
	}
}

func TestSettleReportsAckFailure(t *testing.T) {
	d := &fakeDelivery{err: errors.New("channel closed")}
	got, err := settle(d, nil)
	assert.Equal(t, outcomeAcked, got)
	assert.EqualError(t, err, "channel closed")
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("bad json")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad json", err.Error())
	assert.False(t, IsPermanent(base))
}
