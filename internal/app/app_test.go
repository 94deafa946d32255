package app

import (
	"context"
	"errors"
	"testing"

	"paygate/internal/botapi"
	"paygate/pkg/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUpdates struct {
	err error
	got []botapi.Update
}

func (s *stubUpdates) HandleUpdate(_ context.Context, upd botapi.Update) error {
	s.got = append(s.got, upd)
	return s.err
}

func TestDispatchBotUpdate(t *testing.T) {
	const (
		preCheckout = `{"update_id":1,"pre_checkout_query":{"id":"q1","from":{"id":7},"currency":"XTR","total_amount":150,"invoice_payload":"order_42_abcd1234"}}`
		payment     = `{"update_id":2,"message":{"message_id":5,"chat":{"id":7},"successful_payment":{"currency":"XTR","total_amount":150,"invoice_payload":"order_42_abcd1234","telegram_payment_charge_id":"ch-1"}}}`
	)
	failure := errors.New("database unavailable")

	tests := []struct {
		name      string
		body      string
		err       error
		wantErr   bool
		permanent bool
	}{
		{name: "malformed body", body: `{`, wantErr: true, permanent: true},
		{name: "pre-checkout handled", body: preCheckout},
		{name: "pre-checkout failed", body: preCheckout, err: failure, wantErr: true, permanent: true},
		{name: "payment handled", body: payment},
		{name: "payment failed", body: payment, err: failure, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &stubUpdates{err: tt.err}
			err := dispatchBotUpdate(context.Background(), h, []byte(tt.body))
			if !tt.wantErr {
				require.NoError(t, err)
				require.Len(t, h.got, 1)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, messaging.IsPermanent(err))
		})
	}
}
