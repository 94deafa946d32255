package invoice

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s != StatusPending
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

type Invoice struct {
	ID            int64      `json:"id"`
	OrderID       int64      `json:"order_id"`
	UserID        int64      `json:"user_id"`
	ProductID     int64      `json:"product_id"`
	AmountUnits   int64      `json:"amount_units"`
	Currency      Currency   `json:"currency"`
	Status        Status     `json:"status"`
	MatchingToken string     `json:"matching_token"`
	SettlementRef string     `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// Expired reports whether the invoice is past its expiry at now.
func (i Invoice) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

type Order struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id"`
	ProductID   int64       `json:"product_id"`
	AmountUnits int64       `json:"amount_units"`
	Currency    Currency    `json:"currency"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	PaidAt      *time.Time  `json:"paid_at,omitempty"`
}

// Source identifies which path observed the external payment.
type Source string

const (
	SourceLedger   Source = "ledger"
	SourcePlatform Source = "platform"
	SourceManual   Source = "check"
)

type Outcome string

const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
)
