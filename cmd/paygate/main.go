package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"paygate/internal/app"
	"paygate/internal/config"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "paygate",
		Short:         "Invoice issuing and payment reconciliation for bot shops",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, reconciliation poller, sweeper and event relays",
		RunE:  runServe,
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the ledger and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, cfg, logger, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			report, err := app.ReconcileOnce(ctx, cfg, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d transfers=%d settled=%d already_settled=%d errors=%d\n",
				report.Pending, report.Transfers, report.Settled, report.AlreadySettled, report.Errors)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue invoices, delete stale pending orders and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, cfg, logger, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			res, err := app.SweepOnce(ctx, cfg, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invoices_expired=%d orders_deleted=%d failed=%d\n",
				res.InvoicesExpired, res.OrdersDeleted, res.Failed)
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, logger, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	if err := app.Serve(ctx, cfg, logger); err != nil {
		logger.Error("paygate failed", "err", err)
		return err
	}
	return nil
}

func setup(parent context.Context) (context.Context, context.CancelFunc, config.Config, *slog.Logger, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if err := cfg.Validate(); err != nil {
		return nil, nil, cfg, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	return ctx, stop, cfg, logger, nil
}
