package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paygate/internal/botapi"

	"github.com/google/uuid"
	"github.com/tonkeeper/tongo"
)

const DefaultTTL = time.Hour

// CreateStore persists freshly created invoices.
type CreateStore interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	CancelInvoice(ctx context.Context, id int64) (bool, error)
}

// LinkMinter issues bot-platform invoice links for platform-currency invoices.
type LinkMinter interface {
	CreateInvoiceLink(ctx context.Context, req botapi.InvoiceLinkRequest) (string, error)
}

type Request struct {
	OrderID     int64
	UserID      int64
	ProductID   int64
	AmountUnits int64
	Currency    Currency
	Title       string
	Description string
}

type Created struct {
	Invoice Invoice `json:"invoice"`
	// Link is a ton:// deeplink for crypto invoices and a bot invoice link for XTR.
	Link string `json:"link"`
}

type Factory struct {
	store  CreateStore
	minter LinkMinter
	wallet tongo.AccountID
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewFactory(store CreateStore, minter LinkMinter, wallet tongo.AccountID, ttl time.Duration, logger *slog.Logger) *Factory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Factory{
		store:  store,
		minter: minter,
		wallet: wallet,
		ttl:    ttl,
		logger: logger.With("component", "invoice-factory"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (f *Factory) Create(ctx context.Context, req Request) (*Created, error) {
	if req.AmountUnits <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Currency.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, req.Currency)
	}
	if req.Currency == CurrencyUSDT {
		return nil, fmt.Errorf("%w: %s", ErrChannelRetired, req.Currency)
	}

	now := f.now()
	inv := Invoice{
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		AmountUnits:   req.AmountUnits,
		Currency:      req.Currency,
		Status:        StatusPending,
		MatchingToken: NewMatchingToken(req.OrderID),
		CreatedAt:     now,
		ExpiresAt:     now.Add(f.ttl),
	}

	if err := f.store.CreateInvoice(ctx, &inv); err != nil {
		return nil, err
	}

	var link string
	if inv.Currency.Platform() {
		l, err := f.minter.CreateInvoiceLink(ctx, f.descriptor(inv, req))
		if err != nil {
			// Free the order's single pending slot so the user can retry.
			if _, cerr := f.store.CancelInvoice(ctx, inv.ID); cerr != nil {
				f.logger.Error("cancel invoice after mint failure", "invoice_id", inv.ID, "err", cerr)
			}
			return nil, fmt.Errorf("mint invoice link: %w", err)
		}
		link = l
	} else {
		link = TransferLink(f.wallet, inv.AmountUnits, inv.MatchingToken)
	}

	f.logger.Info("invoice created",
		"invoice_id", inv.ID,
		"order_id", inv.OrderID,
		"currency", inv.Currency,
		"amount", FormatAmount(inv.Currency, inv.AmountUnits),
		"expires_at", inv.ExpiresAt,
	)

	return &Created{Invoice: inv, Link: link}, nil
}

func (f *Factory) descriptor(inv Invoice, req Request) botapi.InvoiceLinkRequest {
	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Order #%d", inv.OrderID)
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Payment for order #%d", inv.OrderID)
	}
	return botapi.InvoiceLinkRequest{
		Title:       title,
		Description: description,
		Payload:     inv.MatchingToken,
		Currency:    string(CurrencyXTR),
		Prices:      []botapi.LabeledPrice{{Label: title, Amount: inv.AmountUnits}},
	}
}

// NewMatchingToken returns a memo-friendly token that identifies one invoice.
// Global uniqueness is finally enforced by the store.
func NewMatchingToken(orderID int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "order_" + strconv.FormatInt(orderID, 10) + "_" + suffix
}

// TransferLink builds a ton://transfer deeplink prefilled with amount and comment.
func TransferLink(wallet tongo.AccountID, nanotons int64, comment string) string {
	q := url.Values{}
	q.Set("amount", strconv.FormatInt(nanotons, 10))
	q.Set("text", comment)
	return "ton://transfer/" + wallet.ToHuman(true, false) + "?" + q.Encode()
}
