package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"paygate/internal/botapi"
	"paygate/internal/invoice"
	"paygate/internal/metrics"
)

// ErrNotificationTimeout is reported when a pre-checkout lookup misses its
// deadline. The query is rejected, never left unanswered.
var ErrNotificationTimeout = errors.New("pre-checkout deadline exceeded")

const DefaultDeadline = 5 * time.Second

const (
	msgUnavailable = "This invoice is no longer available. Please place the order again."
	msgMismatch    = "The payment details do not match the order."
	msgTryLater    = "Payment cannot be confirmed right now. Please try again."
)

type Store interface {
	GetInvoiceByToken(ctx context.Context, token string) (*invoice.Invoice, error)
}

type Answerer interface {
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
}

type Settler interface {
	Settle(ctx context.Context, inv invoice.Invoice, ref string, source invoice.Source) (invoice.Outcome, error)
}

type Query struct {
	ID       string
	UserID   int64
	Token    string
	Currency string
	Amount   int64
}

type Decision struct {
	OK           bool   `json:"ok"`
	ErrorMessage string `json:"error_message,omitempty"`
	reason       string
}

type Completion struct {
	UserID   int64
	Token    string
	ChargeID string
	Currency string
	Amount   int64
}

// Handler implements the bot platform's two-phase payment callbacks.
type Handler struct {
	store    Store
	answerer Answerer
	settler  Settler
	deadline time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandler(store Store, answerer Answerer, settler Settler, deadline time.Duration, logger *slog.Logger) *Handler {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Handler{
		store:    store,
		answerer: answerer,
		settler:  settler,
		deadline: deadline,
		logger:   logger.With("component", "checkout"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleUpdate dispatches a bot update to the matching phase. Updates
// unrelated to payments are ignored.
func (h *Handler) HandleUpdate(ctx context.Context, upd botapi.Update) error {
	switch {
	case upd.PreCheckoutQuery != nil:
		q := upd.PreCheckoutQuery
		_, err := h.Answer(ctx, Query{
			ID:       q.ID,
			UserID:   q.From.ID,
			Token:    q.InvoicePayload,
			Currency: q.Currency,
			Amount:   q.TotalAmount,
		})
		return err
	case upd.Message != nil && upd.Message.SuccessfulPayment != nil:
		p := upd.Message.SuccessfulPayment
		var userID int64
		if upd.Message.From != nil {
			userID = upd.Message.From.ID
		}
		return h.Complete(ctx, Completion{
			UserID:   userID,
			Token:    p.InvoicePayload,
			ChargeID: p.TelegramPaymentChargeID,
			Currency: p.Currency,
			Amount:   p.TotalAmount,
		})
	default:
		return nil
	}
}

// Answer decides the query and sends the decision back to the platform.
func (h *Handler) Answer(ctx context.Context, q Query) (Decision, error) {
	d := h.PreCheckout(ctx, q)
	if err := h.answerer.AnswerPreCheckoutQuery(ctx, q.ID, d.OK, d.ErrorMessage); err != nil {
		h.logger.Error("answer pre-checkout query", "query_id", q.ID, "ok", d.OK, "err", err)
		return d, err
	}
	return d, nil
}

// PreCheckout approves only a pending, unexpired invoice whose currency and
// amount equal the query's. It performs a single local lookup bounded by the
// handler deadline and rejects on any failure.
func (h *Handler) PreCheckout(ctx context.Context, q Query) Decision {
	ctx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()

	type lookup struct {
		inv *invoice.Invoice
		err error
	}
	ch := make(chan lookup, 1)
	go func() {
		inv, err := h.store.GetInvoiceByToken(ctx, q.Token)
		ch <- lookup{inv: inv, err: err}
	}()

	var d Decision
	select {
	case <-ctx.Done():
		h.logger.Error("pre-checkout lookup", "query_id", q.ID, "err", ErrNotificationTimeout)
		d = Decision{ErrorMessage: msgTryLater, reason: "timeout"}
	case res := <-ch:
		switch {
		case errors.Is(res.err, invoice.ErrInvoiceNotFound):
			d = Decision{ErrorMessage: msgUnavailable, reason: "not_found"}
		case res.err != nil:
			h.logger.Error("pre-checkout lookup", "query_id", q.ID, "err", res.err)
			d = Decision{ErrorMessage: msgTryLater, reason: "error"}
		default:
			d = decide(*res.inv, q, h.now())
		}
	}

	metrics.PreCheckoutTotal.WithLabelValues(d.reason).Inc()
	h.logger.Info("pre-checkout", "query_id", q.ID, "token", q.Token, "ok", d.OK, "reason", d.reason)
	return d
}

func decide(inv invoice.Invoice, q Query, now time.Time) Decision {
	switch {
	case inv.Status != invoice.StatusPending:
		return Decision{ErrorMessage: msgUnavailable, reason: "not_pending"}
	case inv.Expired(now):
		return Decision{ErrorMessage: msgUnavailable, reason: "expired"}
	case q.Currency != string(inv.Currency) || q.Amount != inv.AmountUnits:
		return Decision{ErrorMessage: msgMismatch, reason: "mismatch"}
	default:
		return Decision{OK: true, reason: "approved"}
	}
}

// Complete records a successful platform payment. Duplicate deliveries and
// payments for unknown tokens are acknowledged without error.
func (h *Handler) Complete(ctx context.Context, c Completion) error {
	inv, err := h.store.GetInvoiceByToken(ctx, c.Token)
	if err != nil {
		if errors.Is(err, invoice.ErrInvoiceNotFound) {
			h.logger.Warn("payment for unknown invoice", "token", c.Token, "charge_id", c.ChargeID, "user_id", c.UserID)
			return nil
		}
		return err
	}

	if c.Currency != string(inv.Currency) || c.Amount != inv.AmountUnits {
		h.logger.Error("payment does not match invoice",
			"invoice_id", inv.ID,
			"charge_id", c.ChargeID,
			"currency", c.Currency,
			"amount", c.Amount,
			"expected_currency", inv.Currency,
			"expected_amount", inv.AmountUnits,
		)
		return nil
	}

	switch inv.Status {
	case invoice.StatusPaid:
		h.logger.Debug("duplicate payment delivery", "invoice_id", inv.ID, "charge_id", c.ChargeID)
		return nil
	case invoice.StatusExpired, invoice.StatusCancelled:
		// Charged after the invoice was retired; needs a manual refund.
		h.logger.Error("payment for retired invoice", "invoice_id", inv.ID, "status", inv.Status, "charge_id", c.ChargeID)
		return nil
	}

	out, err := h.settler.Settle(ctx, *inv, c.ChargeID, invoice.SourcePlatform)
	if err != nil {
		return err
	}
	h.logger.Info("platform payment", "invoice_id", inv.ID, "charge_id", c.ChargeID, "outcome", out)
	return nil
}
