package expiry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"paygate/internal/invoice"
	"paygate/internal/invoice/invoicetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweeper(store Store) *Sweeper {
	return NewSweeper(store, time.Hour, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedOrder(t *testing.T, store *invoicetest.Store, created time.Time) (invoice.Order, invoice.Invoice) {
	t.Helper()
	ctx := context.Background()
	o := &invoice.Order{UserID: 1, AmountUnits: 100, Currency: invoice.CurrencyTON, CreatedAt: created}
	require.NoError(t, store.CreateOrder(ctx, o))
	inv := &invoice.Invoice{
		OrderID:       o.ID,
		AmountUnits:   100,
		Currency:      invoice.CurrencyTON,
		Status:        invoice.StatusPending,
		MatchingToken: invoice.NewMatchingToken(o.ID),
		CreatedAt:     created,
		ExpiresAt:     created.Add(time.Hour),
	}
	require.NoError(t, store.CreateInvoice(ctx, inv))
	return *o, *inv
}

func TestSweepExpiryBoundary(t *testing.T) {
	store := invoicetest.NewStore()
	s := newSweeper(store)
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	order, inv := seedOrder(t, store, created)
	store.AddReview(order.ID)

	res, err := s.Sweep(context.Background(), created.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, res.OrdersDeleted)
	assert.Equal(t, int64(0), res.InvoicesExpired)

	got, err := store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, got.Status)

	res, err = s.Sweep(context.Background(), created.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrdersDeleted)

	_, err = store.GetOrder(context.Background(), order.ID)
	assert.ErrorIs(t, err, invoice.ErrOrderNotFound)
	_, err = store.GetInvoice(context.Background(), inv.ID)
	assert.ErrorIs(t, err, invoice.ErrInvoiceNotFound)
	assert.Equal(t, 0, store.ReviewCount(order.ID))
}

func TestSweepKeepsPaidOrders(t *testing.T) {
	store := invoicetest.NewStore()
	s := newSweeper(store)
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	order, inv := seedOrder(t, store, created)

	won, err := store.MarkPaid(context.Background(), inv.ID, "tx", invoice.SourceLedger, created.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	res, err := s.Sweep(context.Background(), created.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.OrdersDeleted)

	got, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.OrderCompleted, got.Status)

	paid, err := store.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, paid.Status)
	assert.Equal(t, "tx", paid.SettlementRef)
}

func TestSweepSoftExpiresInvoiceOfYoungerOrder(t *testing.T) {
	store := invoicetest.NewStore()
	s := NewSweeper(store, 2*time.Hour, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	order, inv := seedOrder(t, store, created)

	res, err := s.Sweep(context.Background(), created.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.InvoicesExpired)
	assert.Equal(t, 0, res.OrdersDeleted)

	got, _ := store.GetInvoice(context.Background(), inv.ID)
	assert.Equal(t, invoice.StatusExpired, got.Status)

	// The order may now be invoiced again.
	next := &invoice.Invoice{OrderID: order.ID, Currency: invoice.CurrencyTON, Status: invoice.StatusPending, MatchingToken: "again", AmountUnits: 100, ExpiresAt: created.Add(3 * time.Hour)}
	assert.NoError(t, store.CreateInvoice(context.Background(), next))
}

func TestSweepKeepsOrderWithLiveInvoice(t *testing.T) {
	store := invoicetest.NewStore()
	s := newSweeper(store)
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	order, first := seedOrder(t, store, created)

	// The buyer abandons the first invoice and opens a new one 50m later.
	cancelled, err := store.CancelInvoice(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	reissued := created.Add(50 * time.Minute)
	live := &invoice.Invoice{
		OrderID:       order.ID,
		AmountUnits:   100,
		Currency:      invoice.CurrencyTON,
		Status:        invoice.StatusPending,
		MatchingToken: invoice.NewMatchingToken(order.ID),
		CreatedAt:     reissued,
		ExpiresAt:     reissued.Add(time.Hour),
	}
	require.NoError(t, store.CreateInvoice(ctx, live))

	res, err := s.Sweep(ctx, created.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, res.OrdersDeleted)

	got, err := store.GetInvoice(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, got.Status)

	// Still payable, so a direct delete is refused too.
	deleted, err := store.DeleteStaleOrder(ctx, order.ID, created.Add(time.Minute), created.Add(61*time.Minute))
	require.NoError(t, err)
	assert.False(t, deleted)

	won, err := store.MarkPaid(ctx, live.ID, "late-tx", invoice.SourceLedger, created.Add(70*time.Minute))
	require.NoError(t, err)
	assert.True(t, won)
}

func TestSweepDeletesOrderOnceReissuedInvoiceExpires(t *testing.T) {
	store := invoicetest.NewStore()
	s := newSweeper(store)
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	order, first := seedOrder(t, store, created)

	_, err := store.CancelInvoice(ctx, first.ID)
	require.NoError(t, err)
	reissued := created.Add(50 * time.Minute)
	live := &invoice.Invoice{
		OrderID:       order.ID,
		AmountUnits:   100,
		Currency:      invoice.CurrencyTON,
		Status:        invoice.StatusPending,
		MatchingToken: invoice.NewMatchingToken(order.ID),
		CreatedAt:     reissued,
		ExpiresAt:     reissued.Add(time.Hour),
	}
	require.NoError(t, store.CreateInvoice(ctx, live))

	res, err := s.Sweep(ctx, reissued.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.InvoicesExpired)
	assert.Equal(t, 1, res.OrdersDeleted)

	_, err = store.GetOrder(ctx, order.ID)
	assert.ErrorIs(t, err, invoice.ErrOrderNotFound)
}

type flakyStore struct {
	*invoicetest.Store
	failID int64
}

func (f flakyStore) DeleteStaleOrder(ctx context.Context, id int64, cutoff, now time.Time) (bool, error) {
	if id == f.failID {
		return false, errors.New("deadlock detected")
	}
	return f.Store.DeleteStaleOrder(ctx, id, cutoff, now)
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	store := invoicetest.NewStore()
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	first, _ := seedOrder(t, store, created)
	second, _ := seedOrder(t, store, created)

	s := newSweeper(flakyStore{Store: store, failID: first.ID})
	res, err := s.Sweep(context.Background(), created.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrdersDeleted)
	assert.Equal(t, 1, res.Failed)

	_, err = store.GetOrder(context.Background(), second.ID)
	assert.ErrorIs(t, err, invoice.ErrOrderNotFound)
}
