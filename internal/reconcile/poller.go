package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"paygate/internal/invoice"
	"paygate/internal/ledger"
	"paygate/internal/metrics"

	"github.com/tonkeeper/tongo"
)

var ErrTickInProgress = errors.New("reconciliation pass already running")

type Store interface {
	ListPendingInvoices(ctx context.Context, currency invoice.Currency, now time.Time) ([]invoice.Invoice, error)
	GetInvoice(ctx context.Context, id int64) (*invoice.Invoice, error)
}

type Ledger interface {
	RecentTransfers(ctx context.Context, account tongo.AccountID, limit int) ([]ledger.Transfer, error)
}

type Settler interface {
	Settle(ctx context.Context, inv invoice.Invoice, ref string, source invoice.Source) (invoice.Outcome, error)
}

type Config struct {
	Wallet   tongo.AccountID
	Interval time.Duration
	PageSize int
}

// Report summarises one reconciliation pass.
type Report struct {
	Pending        int
	Transfers      int
	Settled        int
	AlreadySettled int
	Errors         int
}

type Poller struct {
	store   Store
	ledger  Ledger
	settler Settler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	// running serialises passes; a tick that finds it held is skipped.
	running sync.Mutex
}

func NewPoller(store Store, ledger Ledger, settler Settler, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 8 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Poller{
		store:   store,
		ledger:  ledger,
		settler: settler,
		cfg:     cfg,
		logger:  logger.With("component", "reconcile"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Poller) Start(ctx context.Context) {
	go p.Run(ctx)
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report, err := p.Tick(ctx)
		switch {
		case errors.Is(err, ErrTickInProgress):
			p.logger.Warn("reconciliation tick skipped, previous pass still running")
		case err != nil:
			p.logger.Error("reconciliation tick failed", "err", err)
		case report.Settled > 0:
			p.logger.Info("reconciliation tick", "pending", report.Pending, "transfers", report.Transfers, "settled", report.Settled)
		}
	}
}

// Tick runs one reconciliation pass unless another pass is in flight.
func (p *Poller) Tick(ctx context.Context) (Report, error) {
	if !p.running.TryLock() {
		metrics.ReconcileTicksSkippedTotal.Inc()
		return Report{}, ErrTickInProgress
	}
	defer p.running.Unlock()

	start := time.Now()
	defer func() {
		metrics.ReconcileTickDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := p.store.ListPendingInvoices(ctx, invoice.CurrencyTON, p.now())
	if err != nil {
		return Report{}, fmt.Errorf("list pending invoices: %w", err)
	}
	report := Report{Pending: len(pending)}
	if len(pending) == 0 {
		return report, nil
	}

	transfers, err := p.ledger.RecentTransfers(ctx, p.cfg.Wallet, p.cfg.PageSize)
	if err != nil {
		metrics.LedgerFetchFailuresTotal.Inc()
		return report, fmt.Errorf("fetch transfers: %w", err)
	}
	report.Transfers = len(transfers)

	consumed := make(map[string]bool)
	for _, inv := range pending {
		tr, ok := FindTransfer(inv, transfers, p.cfg.Wallet, consumed)
		if !ok {
			continue
		}
		consumed[tr.Hash] = true
		p.settle(ctx, inv, tr, invoice.SourceLedger, &report)
	}
	return report, nil
}

// CheckInvoice is the user-triggered "check payment now" action. It never
// settles anything the background pass would not.
func (p *Poller) CheckInvoice(ctx context.Context, id int64) (*invoice.Invoice, error) {
	inv, err := p.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() || inv.Currency != invoice.CurrencyTON || inv.Expired(p.now()) {
		return inv, nil
	}

	transfers, err := p.ledger.RecentTransfers(ctx, p.cfg.Wallet, p.cfg.PageSize)
	if err != nil {
		metrics.LedgerFetchFailuresTotal.Inc()
		p.logger.Warn("check invoice: ledger unavailable", "invoice_id", id, "err", err)
		return inv, nil
	}

	tr, ok := FindTransfer(*inv, transfers, p.cfg.Wallet, nil)
	if !ok {
		return inv, nil
	}
	var report Report
	p.settle(ctx, *inv, tr, invoice.SourceManual, &report)
	if report.Errors > 0 {
		return inv, nil
	}
	return p.store.GetInvoice(ctx, id)
}

func (p *Poller) settle(ctx context.Context, inv invoice.Invoice, tr ledger.Transfer, source invoice.Source, report *Report) {
	out, err := p.settler.Settle(ctx, inv, tr.Hash, source)
	if err != nil {
		report.Errors++
		p.logger.Error("settle invoice", "invoice_id", inv.ID, "tx_hash", tr.Hash, "err", err)
		return
	}
	switch out {
	case invoice.OutcomeSettled:
		report.Settled++
	case invoice.OutcomeAlreadySettled:
		report.AlreadySettled++
	}
}
