package reconcile

import (
	"paygate/internal/invoice"
	"paygate/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/tonkeeper/tongo"
)

// MinPaidRatio is the share of the expected amount a transfer must carry.
// Senders' wallets may round or deduct fees; over-payment always matches.
var MinPaidRatio = decimal.RequireFromString("0.9")

// Matches reports whether tr pays inv: the comment equals the matching token
// byte for byte and the amount reaches MinPaidRatio of the expected amount.
func Matches(inv invoice.Invoice, tr ledger.Transfer, wallet tongo.AccountID) bool {
	if tr.Comment != inv.MatchingToken {
		return false
	}
	if tr.Destination != "" && !ledger.SameAccount(wallet, tr.Destination) {
		return false
	}
	paid := decimal.NewFromInt(tr.Amount)
	required := decimal.NewFromInt(inv.AmountUnits).Mul(MinPaidRatio)
	return paid.GreaterThanOrEqual(required)
}

// FindTransfer returns the newest transfer that pays inv and has not been
// consumed yet. transfers are expected newest first.
func FindTransfer(inv invoice.Invoice, transfers []ledger.Transfer, wallet tongo.AccountID, consumed map[string]bool) (ledger.Transfer, bool) {
	for _, tr := range transfers {
		if consumed[tr.Hash] {
			continue
		}
		if Matches(inv, tr, wallet) {
			return tr, true
		}
	}
	return ledger.Transfer{}, false
}
