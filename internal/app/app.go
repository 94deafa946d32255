package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"paygate/internal/botapi"
	"paygate/internal/checkout"
	"paygate/internal/config"
	"paygate/internal/expiry"
	"paygate/internal/httpapi"
	"paygate/internal/invoice"
	"paygate/internal/ledger"
	"paygate/internal/metrics"
	"paygate/internal/notify"
	"paygate/internal/reconcile"
	"paygate/internal/storage"
	"paygate/internal/websocket"
	"paygate/pkg/messaging"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	settlementOutboxTable = "settlement_outbox"
	externalCallTimeout   = 10 * time.Second
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	notifier  *notify.Notifier
	poller    *reconcile.Poller
	sweeper   *expiry.Sweeper
	checkout  *checkout.Handler
	hub       *websocket.Hub
	publisher messaging.Publisher
	consumer  *messaging.Consumer
	outbox    *messaging.OutboxDispatcher
	httpSrv   *http.Server
}

// core holds the components shared by the long-running process and the
// one-shot commands.
type core struct {
	store    *storage.Store
	bot      *botapi.Client
	ledger   *ledger.Client
	notifier *notify.Notifier
}

func newCore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*core, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bot := botapi.NewClient(cfg.BotAPIURL, cfg.BotToken, externalCallTimeout)
	return &core{
		store:  store,
		bot:    bot,
		ledger: ledger.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey, externalCallTimeout),
		notifier: notify.New(bot, notify.Config{
			PerSecond: float64(cfg.NotifyRate),
			QueueSize: cfg.NotifyQueue,
		}, logger),
	}, nil
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	metrics.Register(prometheus.DefaultRegisterer)

	c, err := newCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
	if err != nil {
		c.store.Close()
		return nil, err
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.BotUpdatesExchange, cfg.BotUpdatesQueue, logger)
	if err != nil {
		c.store.Close()
		publisher.Close()
		return nil, err
	}

	hub := websocket.NewHub()
	settler := invoice.NewSettler(c.store, c.notifier, hub, logger)
	factory := invoice.NewFactory(c.store, c.bot, cfg.Wallet, cfg.InvoiceTTL, logger)
	poller := reconcile.NewPoller(c.store, c.ledger, settler, reconcile.Config{
		Wallet:   cfg.Wallet,
		Interval: cfg.PollInterval,
		PageSize: cfg.LedgerPage,
	}, logger)
	handler := checkout.NewHandler(c.store, c.bot, settler, cfg.PreCheckoutDeadline, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Store:         c.store,
		Factory:       factory,
		Checker:       poller,
		Updates:       handler,
		OrderStream:   websocket.NewHandler(hub, c.store, logger).ServeWS,
		WebhookSecret: cfg.WebhookSecret,
	}, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     c.store,
		notifier:  c.notifier,
		poller:    poller,
		sweeper:   expiry.NewSweeper(c.store, cfg.InvoiceTTL, cfg.SweepInterval, logger),
		checkout:  handler,
		hub:       hub,
		publisher: publisher,
		consumer:  consumer,
		outbox: messaging.NewOutboxDispatcher(c.store.Pool(), publisher, messaging.OutboxConfig{
			Table:       settlementOutboxTable,
			Interval:    cfg.OutboxInterval,
			Batch:       cfg.OutboxBatch,
			MaxAttempts: cfg.OutboxMaxAttempts,
		}, logger),
		httpSrv: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go a.hub.Run(ctx)
	a.notifier.Start(ctx)
	a.poller.Start(ctx)
	a.sweeper.Start(ctx)
	a.outbox.Start(ctx)

	go func() {
		if err := a.consumer.Start(ctx, a.handleBotUpdate); err != nil {
			errCh <- err
		}
	}()

	go func() {
		a.logger.Info("paygate http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the HTTP server, waits for queued confirmations to drain and
// releases broker and database connections.
func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)

	drained := make(chan struct{})
	go func() {
		a.notifier.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		a.logger.Warn("notifier did not drain before shutdown deadline")
	}

	a.consumer.Close()
	a.publisher.Close()
	a.store.Close()
}

// handleBotUpdate processes a bot update relayed over the broker. Malformed
// payloads are dropped; failed payment completions are requeued.
func (a *App) handleBotUpdate(ctx context.Context, body []byte) error {
	return dispatchBotUpdate(ctx, a.checkout, body)
}

type updateHandler interface {
	HandleUpdate(ctx context.Context, upd botapi.Update) error
}

func dispatchBotUpdate(ctx context.Context, h updateHandler, body []byte) error {
	var upd botapi.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		return messaging.Permanent(fmt.Errorf("decode bot update: %w", err))
	}
	err := h.HandleUpdate(ctx, upd)
	if err != nil && upd.Message == nil {
		// A pre-checkout answer is useless once its deadline has passed.
		return messaging.Permanent(err)
	}
	return err
}

// ReconcileOnce runs a single reconciliation pass and exits.
func ReconcileOnce(ctx context.Context, cfg config.Config, logger *slog.Logger) (reconcile.Report, error) {
	c, err := newCore(ctx, cfg, logger)
	if err != nil {
		return reconcile.Report{}, err
	}
	defer c.store.Close()

	notifyCtx, stop := context.WithCancel(ctx)
	c.notifier.Start(notifyCtx)
	defer c.notifier.Wait()
	defer stop()

	settler := invoice.NewSettler(c.store, c.notifier, nil, logger)
	poller := reconcile.NewPoller(c.store, c.ledger, settler, reconcile.Config{
		Wallet:   cfg.Wallet,
		Interval: cfg.PollInterval,
		PageSize: cfg.LedgerPage,
	}, logger)
	return poller.Tick(ctx)
}

// SweepOnce runs a single expiry sweep and exits.
func SweepOnce(ctx context.Context, cfg config.Config, logger *slog.Logger) (expiry.Result, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return expiry.Result{}, err
	}
	defer store.Close()

	sweeper := expiry.NewSweeper(store, cfg.InvoiceTTL, cfg.SweepInterval, logger)
	return sweeper.Sweep(ctx, time.Now().UTC())
}

// Serve runs the full process until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
