package contracts

import "time"

const EventInvoiceSettled = "invoice.settled"

// InvoiceSettledEvent is published once per invoice, by the settlement winner.
type InvoiceSettledEvent struct {
	EventID       string    `json:"event_id"`
	InvoiceID     int64     `json:"invoice_id"`
	OrderID       int64     `json:"order_id"`
	UserID        int64     `json:"user_id"`
	ProductID     int64     `json:"product_id"`
	AmountUnits   int64     `json:"amount_units"`
	Currency      string    `json:"currency"`
	SettlementRef string    `json:"settlement_ref"`
	Source        string    `json:"source"`
	SettledAt     time.Time `json:"settled_at"`
}
