package invoice

import "errors"

var (
	ErrDuplicateActiveInvoice = errors.New("order already has a pending invoice")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvoiceNotFound        = errors.New("invoice not found")
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderNotPayable        = errors.New("order is not awaiting payment")
	ErrUnknownCurrency        = errors.New("unknown currency")
	ErrChannelRetired         = errors.New("currency has no active settlement channel")
)
