package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"paygate/internal/invoice"
	"paygate/internal/metrics"

	"golang.org/x/time/rate"
)

type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	PerSecond   float64
	QueueSize   int
	SendTimeout time.Duration
}

// Notifier delivers payment confirmations to users. Delivery is best effort:
// a full queue drops the message and send failures are only logged.
type Notifier struct {
	sender  Sender
	limiter *rate.Limiter
	queue   chan invoice.Settlement
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func New(sender Sender, cfg Config, logger *slog.Logger) *Notifier {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 25
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Notifier{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), 1),
		queue:   make(chan invoice.Settlement, cfg.QueueSize),
		timeout: cfg.SendTimeout,
		logger:  logger.With("component", "notify"),
	}
}

// Notify enqueues a confirmation without blocking the settling caller.
func (n *Notifier) Notify(_ context.Context, s invoice.Settlement) {
	select {
	case n.queue <- s:
	default:
		total := n.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		n.logger.Warn("notification queue full, dropping",
			"invoice_id", s.Invoice.ID, "user_id", s.Invoice.UserID, "queue_size", cap(n.queue), "dropped_total", total)
	}
}

// Dropped returns how many confirmations were discarded on a full queue.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Run(ctx)
	}()
}

// Wait blocks until a started notifier has drained and stopped.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return
		case s := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				n.deliver(context.Background(), s)
				continue
			}
			n.deliver(ctx, s)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case s := <-n.queue:
			n.deliver(context.Background(), s)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, s invoice.Settlement) {
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.sender.SendMessage(sendCtx, s.Invoice.UserID, Message(s)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("send confirmation", "invoice_id", s.Invoice.ID, "user_id", s.Invoice.UserID, "err", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// Message renders the confirmation text.
func Message(s invoice.Settlement) string {
	inv := s.Invoice
	return fmt.Sprintf(
		"✅ Payment received for order <b>#%d</b>: %s %s.\nReference: <code>%s</code>\nThank you for your purchase!",
		inv.OrderID,
		invoice.FormatAmount(inv.Currency, inv.AmountUnits),
		inv.Currency,
		html.EscapeString(s.Ref),
	)
}
