package invoice_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"paygate/internal/invoice"
	"paygate/internal/invoice/invoicetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPending(t *testing.T, store *invoicetest.Store) invoice.Invoice {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	order := &invoice.Order{UserID: 7, ProductID: 3, AmountUnits: 100, Currency: invoice.CurrencyXTR, CreatedAt: now}
	require.NoError(t, store.CreateOrder(ctx, order))

	inv := &invoice.Invoice{
		OrderID:       order.ID,
		UserID:        7,
		AmountUnits:   100,
		Currency:      invoice.CurrencyXTR,
		Status:        invoice.StatusPending,
		MatchingToken: invoice.NewMatchingToken(order.ID),
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
	require.NoError(t, store.CreateInvoice(ctx, inv))
	return *inv
}

func TestSettleOnce(t *testing.T) {
	store := invoicetest.NewStore()
	rec := &invoicetest.Recorder{}
	s := invoice.NewSettler(store, rec, rec, discardLogger())
	inv := seedPending(t, store)

	out, err := s.Settle(context.Background(), inv, "charge-1", invoice.SourcePlatform)
	require.NoError(t, err)
	assert.Equal(t, invoice.OutcomeSettled, out)

	out, err = s.Settle(context.Background(), inv, "charge-2", invoice.SourceLedger)
	require.NoError(t, err)
	assert.Equal(t, invoice.OutcomeAlreadySettled, out)

	got, err := store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, got.Status)
	assert.Equal(t, "charge-1", got.SettlementRef)

	order, err := store.GetOrder(context.Background(), inv.OrderID)
	require.NoError(t, err)
	assert.Equal(t, invoice.OrderCompleted, order.Status)

	assert.Equal(t, 1, rec.Count())
	assert.Equal(t, []int64{inv.OrderID}, rec.Broadcasts)
	assert.Len(t, store.Events, 1)
}

func TestSettleConcurrentSingleWinner(t *testing.T) {
	store := invoicetest.NewStore()
	rec := &invoicetest.Recorder{}
	s := invoice.NewSettler(store, rec, rec, discardLogger())
	inv := seedPending(t, store)

	const callers = 16
	var wg sync.WaitGroup
	outcomes := make(chan invoice.Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := invoice.SourceLedger
			if i%2 == 0 {
				source = invoice.SourcePlatform
			}
			out, err := s.Settle(context.Background(), inv, "ref", source)
			assert.NoError(t, err)
			outcomes <- out
		}(i)
	}
	wg.Wait()
	close(outcomes)

	won := 0
	for out := range outcomes {
		if out == invoice.OutcomeSettled {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, rec.Count())
}
