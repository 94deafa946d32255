package invoice

import (
	"context"
	"log/slog"
	"time"

	"paygate/internal/metrics"
)

// SettleStore performs the guarded pending -> paid transition. won is true
// only for the caller whose update affected the row.
type SettleStore interface {
	MarkPaid(ctx context.Context, id int64, ref string, source Source, at time.Time) (won bool, err error)
}

type Settlement struct {
	Invoice   Invoice
	Ref       string
	Source    Source
	SettledAt time.Time
}

// Notifier receives settlements won by this process. It must not block.
type Notifier interface {
	Notify(ctx context.Context, s Settlement)
}

type Broadcaster interface {
	BroadcastOrderUpdate(orderID int64, status string)
}

// Settler is the single place that turns an observed payment into a paid
// invoice and runs side effects for the winner only.
type Settler struct {
	store       SettleStore
	notifier    Notifier
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

func NewSettler(store SettleStore, notifier Notifier, broadcaster Broadcaster, logger *slog.Logger) *Settler {
	return &Settler{
		store:       store,
		notifier:    notifier,
		broadcaster: broadcaster,
		logger:      logger.With("component", "settler"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Settler) Settle(ctx context.Context, inv Invoice, ref string, source Source) (Outcome, error) {
	at := s.now()
	won, err := s.store.MarkPaid(ctx, inv.ID, ref, source, at)
	if err != nil {
		return "", err
	}
	if !won {
		metrics.SettlementRacesLostTotal.WithLabelValues(string(source)).Inc()
		s.logger.Debug("invoice already settled", "invoice_id", inv.ID, "source", source, "ref", ref)
		return OutcomeAlreadySettled, nil
	}

	metrics.SettlementsTotal.WithLabelValues(string(source)).Inc()
	s.logger.Info("invoice settled",
		"invoice_id", inv.ID,
		"order_id", inv.OrderID,
		"source", source,
		"ref", ref,
		"amount", FormatAmount(inv.Currency, inv.AmountUnits),
		"currency", inv.Currency,
	)

	inv.Status = StatusPaid
	inv.SettlementRef = ref
	inv.SettledAt = &at

	if s.broadcaster != nil {
		s.broadcaster.BroadcastOrderUpdate(inv.OrderID, string(OrderCompleted))
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, Settlement{Invoice: inv, Ref: ref, Source: source, SettledAt: at})
	}
	return OutcomeSettled, nil
}
