package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paygate/internal/invoice"
	"paygate/pkg/contracts"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation = "23505"

	constraintPendingPerOrder = "invoices_one_pending_per_order"
	constraintSettlementRef   = "invoices_settlement_ref_key"
)

const invoiceColumns = `
	id, order_id, user_id, product_id, amount_units, currency, status,
	matching_token, settlement_ref, created_at, expires_at, settled_at`

func scanInvoice(row pgx.Row) (*invoice.Invoice, error) {
	var (
		inv invoice.Invoice
		ref *string
	)
	err := row.Scan(
		&inv.ID, &inv.OrderID, &inv.UserID, &inv.ProductID, &inv.AmountUnits, &inv.Currency, &inv.Status,
		&inv.MatchingToken, &ref, &inv.CreatedAt, &inv.ExpiresAt, &inv.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		inv.SettlementRef = *ref
	}
	return &inv, nil
}

func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func (s *Store) CreateOrder(ctx context.Context, o *invoice.Order) error {
	if o.Status == "" {
		o.Status = invoice.OrderPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO orders (user_id, product_id, amount_units, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		o.UserID, o.ProductID, o.AmountUnits, o.Currency, o.Status, o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*invoice.Order, error) {
	var o invoice.Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, product_id, amount_units, currency, status, created_at, paid_at
		FROM orders
		WHERE id = $1`, id,
	).Scan(&o.ID, &o.UserID, &o.ProductID, &o.AmountUnits, &o.Currency, &o.Status, &o.CreatedAt, &o.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, invoice.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invoices (order_id, user_id, product_id, amount_units, currency, status, matching_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		inv.OrderID, inv.UserID, inv.ProductID, inv.AmountUnits, inv.Currency, inv.Status,
		inv.MatchingToken, inv.CreatedAt, inv.ExpiresAt,
	).Scan(&inv.ID)
	if err != nil {
		if name, ok := uniqueConstraint(err); ok && name == constraintPendingPerOrder {
			return invoice.ErrDuplicateActiveInvoice
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *Store) CancelInvoice(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("cancel invoice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetInvoice(ctx context.Context, id int64) (*invoice.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, invoice.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (s *Store) GetInvoiceByToken(ctx context.Context, token string) (*invoice.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE matching_token = $1
		ORDER BY id
		LIMIT 1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, invoice.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice by token: %w", err)
	}
	return inv, nil
}

func (s *Store) ListPendingInvoices(ctx context.Context, currency invoice.Currency, now time.Time) ([]invoice.Invoice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'pending' AND currency = $1 AND expires_at > $2
		ORDER BY id`, currency, now)
	if err != nil {
		return nil, fmt.Errorf("query pending invoices: %w", err)
	}
	defer rows.Close()

	var result []invoice.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
	}
	return result, rows.Err()
}

// MarkPaid is the compare-and-swap on status = 'pending'. Only the caller
// whose update affects the row completes the order and enqueues the
// settled event, all in one transaction.
func (s *Store) MarkPaid(ctx context.Context, id int64, ref string, source invoice.Source, at time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE invoices
		SET status = 'paid', settlement_ref = $2, settled_at = $3
		WHERE id = $1 AND status = 'pending'`,
		id, ref, at,
	)
	if err != nil {
		if name, ok := uniqueConstraint(err); ok && name == constraintSettlementRef {
			// The reference already credited another invoice.
			return false, nil
		}
		return false, fmt.Errorf("mark invoice paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	inv, err := scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return false, fmt.Errorf("reload invoice: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = 'completed', paid_at = $2
		WHERE id = $1 AND status <> 'completed'`,
		inv.OrderID, at,
	)
	if err != nil {
		return false, fmt.Errorf("complete order: %w", err)
	}

	event := contracts.InvoiceSettledEvent{
		EventID:       uuid.New().String(),
		InvoiceID:     inv.ID,
		OrderID:       inv.OrderID,
		UserID:        inv.UserID,
		ProductID:     inv.ProductID,
		AmountUnits:   inv.AmountUnits,
		Currency:      string(inv.Currency),
		SettlementRef: ref,
		Source:        string(source),
		SettledAt:     at,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("marshal settled event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO settlement_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		event.EventID, contracts.EventInvoiceSettled, payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ExpireInvoices(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire invoices: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListStaleOrders(ctx context.Context, cutoff, now time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id
		FROM orders o
		WHERE o.status = 'pending' AND o.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM invoices i
			WHERE i.order_id = o.id AND i.status = 'pending' AND i.expires_at > $2)
		ORDER BY o.id`, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// DeleteStaleOrder removes a still-pending order older than cutoff with its
// invoices and reviews. Invoice rows are locked before the order row, the
// same order MarkPaid takes them in. Orders with a paid invoice or with a
// pending invoice not yet expired at now are left alone.
func (s *Store) DeleteStaleOrder(ctx context.Context, id int64, cutoff, now time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT status, expires_at
		FROM invoices
		WHERE order_id = $1
		ORDER BY id
		FOR UPDATE`, id)
	if err != nil {
		return false, fmt.Errorf("lock invoices: %w", err)
	}
	type lockedInvoice struct {
		Status    string
		ExpiresAt time.Time
	}
	locked, err := pgx.CollectRows(rows, pgx.RowToStructByPos[lockedInvoice])
	if err != nil {
		return false, fmt.Errorf("lock invoices: %w", err)
	}
	for _, inv := range locked {
		switch invoice.Status(inv.Status) {
		case invoice.StatusPaid:
			return false, nil
		case invoice.StatusPending:
			if inv.ExpiresAt.After(now) {
				return false, nil
			}
		}
	}

	var orderID int64
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM orders
		WHERE id = $1 AND status = 'pending' AND created_at < $2
		FOR UPDATE`, id, cutoff).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock order: %w", err)
	}

	for _, q := range []string{
		`DELETE FROM reviews WHERE order_id = $1`,
		`DELETE FROM invoices WHERE order_id = $1`,
		`DELETE FROM orders WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return false, fmt.Errorf("delete stale order %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
