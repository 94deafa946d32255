package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"paygate/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	publishTimeout = 5 * time.Second
	leaseDuration  = 30 * time.Second
	maxErrorLength = 512
)

type OutboxConfig struct {
	Table    string
	Interval time.Duration
	Batch    int
	// MaxAttempts moves an event to the dead status once reached.
	MaxAttempts int
}

type Result struct {
	Sent   int
	Failed int
	Dead   int
}

// OutboxDispatcher relays settlement events committed together with the paid
// transition. An event is marked sent only after the broker confirms it, so
// delivery is at least once and subscribers dedupe on the message id.
type OutboxDispatcher struct {
	pool        *pgxpool.Pool
	publisher   Publisher
	queries     outboxQueries
	interval    time.Duration
	batch       int
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

type outboxEvent struct {
	ID         int64
	EventID    string
	EventType  string
	Payload    []byte
	Attempts   int
	OccurredAt time.Time
}

func NewOutboxDispatcher(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *slog.Logger) *OutboxDispatcher {
	if cfg.Batch <= 0 {
		cfg.Batch = 32
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &OutboxDispatcher{
		pool:        pool,
		publisher:   publisher,
		queries:     newOutboxQueries(cfg.Table),
		interval:    cfg.Interval,
		batch:       cfg.Batch,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger.With("component", "outbox", "table", cfg.Table),
		now:         time.Now,
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.Run(ctx)
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		res, err := d.Dispatch(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Error("outbox dispatch failed", "err", err)
		case res.Failed > 0 || res.Dead > 0:
			d.logger.Warn("outbox dispatch", "sent", res.Sent, "failed", res.Failed, "dead", res.Dead)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch leases one batch of due events and publishes them in id order.
func (d *OutboxDispatcher) Dispatch(ctx context.Context) (Result, error) {
	var res Result

	events, err := d.lease(ctx)
	if err != nil {
		return res, err
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			// Unsent rows keep their lease and come back after it lapses.
			return res, err
		}
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		pubErr := d.publisher.Publish(pubCtx, ev.message())
		cancel()

		if pubErr == nil {
			if _, err := d.pool.Exec(ctx, d.queries.markSent, ev.ID); err != nil {
				return res, fmt.Errorf("mark event %s sent: %w", ev.EventID, err)
			}
			res.Sent++
			metrics.OutboxEventsTotal.WithLabelValues("sent").Inc()
			continue
		}

		dead, err := d.recordFailure(ctx, ev, pubErr)
		if err != nil {
			return res, err
		}
		if dead {
			res.Dead++
			metrics.OutboxEventsTotal.WithLabelValues("dead").Inc()
			d.logger.Error("settlement event dead-lettered", "event_id", ev.EventID, "event_type", ev.EventType, "attempts", ev.Attempts+1, "err", pubErr)
			continue
		}
		res.Failed++
		metrics.OutboxEventsTotal.WithLabelValues("retry").Inc()
		d.logger.Warn("publish settlement event", "event_id", ev.EventID, "attempts", ev.Attempts+1, "err", pubErr)
	}
	return res, nil
}

// lease claims due rows in one statement. Rows held by another dispatcher
// are skipped, and the lease lapses if this process dies mid-batch.
func (d *OutboxDispatcher) lease(ctx context.Context) ([]outboxEvent, error) {
	now := d.now()
	rows, err := d.pool.Query(ctx, d.queries.lease, d.batch, now, now.Add(leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("lease outbox: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByPos[outboxEvent])
	if err != nil {
		return nil, fmt.Errorf("lease outbox: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (d *OutboxDispatcher) recordFailure(ctx context.Context, ev outboxEvent, pubErr error) (bool, error) {
	attempts := ev.Attempts + 1
	msg := pubErr.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}

	if attempts >= d.maxAttempts {
		if _, err := d.pool.Exec(ctx, d.queries.markDead, ev.ID, msg); err != nil {
			return false, fmt.Errorf("dead-letter event %s: %w", ev.EventID, err)
		}
		return true, nil
	}

	next := d.now().Add(retryDelay(attempts))
	if _, err := d.pool.Exec(ctx, d.queries.markRetry, ev.ID, next, msg); err != nil {
		return false, fmt.Errorf("schedule retry of event %s: %w", ev.EventID, err)
	}
	return false, nil
}

func (ev outboxEvent) message() Message {
	return Message{
		ID:         ev.EventID,
		Type:       ev.EventType,
		Body:       ev.Payload,
		OccurredAt: ev.OccurredAt,
	}
}

// retryDelay doubles from 2s and caps at 32s.
func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	return time.Duration(1<<attempts) * time.Second
}
