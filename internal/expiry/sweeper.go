package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paygate/internal/metrics"
)

type Store interface {
	ExpireInvoices(ctx context.Context, now time.Time) (int64, error)
	ListStaleOrders(ctx context.Context, cutoff, now time.Time) ([]int64, error)
	DeleteStaleOrder(ctx context.Context, id int64, cutoff, now time.Time) (bool, error)
}

type Result struct {
	InvoicesExpired int64
	OrdersDeleted   int
	Failed          int
}

// Sweeper retires invoices past their expiry and deletes orders that stayed
// pending longer than the TTL, together with their invoices and reviews.
// An order is kept while any of its invoices is pending and unexpired.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(store Store, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With("component", "expiry"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		res, err := s.Sweep(ctx, s.now())
		if err != nil {
			s.logger.Error("expiry sweep failed", "err", err)
		} else if res.InvoicesExpired > 0 || res.OrdersDeleted > 0 {
			s.logger.Info("expiry sweep", "invoices_expired", res.InvoicesExpired, "orders_deleted", res.OrdersDeleted, "failed", res.Failed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	n, err := s.store.ExpireInvoices(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire invoices: %w", err)
	}
	res.InvoicesExpired = n
	metrics.InvoicesExpiredTotal.Add(float64(n))

	cutoff := now.Add(-s.ttl)
	ids, err := s.store.ListStaleOrders(ctx, cutoff, now)
	if err != nil {
		return res, fmt.Errorf("list stale orders: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		deleted, err := s.store.DeleteStaleOrder(ctx, id, cutoff, now)
		if err != nil {
			res.Failed++
			s.logger.Error("delete stale order", "order_id", id, "err", err)
			continue
		}
		if deleted {
			res.OrdersDeleted++
			metrics.OrdersSweptTotal.Inc()
			s.logger.Debug("stale order deleted", "order_id", id)
		}
	}
	return res, nil
}
