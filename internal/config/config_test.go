package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawWallet = "0:3333333333333333333333333333333333333333333333333333333333333333"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "payments.events", cfg.EventsExchange)
	assert.Equal(t, time.Hour, cfg.InvoiceTTL)
	assert.Equal(t, 8*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.PreCheckoutDeadline)
	assert.Equal(t, 50, cfg.LedgerPage)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAYGATE_INVOICE_TTL", "30m")
	t.Setenv("PAYGATE_NOTIFY_RATE", "5")
	t.Setenv("PAYGATE_NOTIFY_QUEUE", "4096")
	t.Setenv("PAYGATE_LOG_LEVEL", "debug")
	t.Setenv("PAYGATE_POLL_INTERVAL", "not-a-duration")

	cfg := Load()

	assert.Equal(t, 30*time.Minute, cfg.InvoiceTTL)
	assert.Equal(t, 5, cfg.NotifyRate)
	assert.Equal(t, 4096, cfg.NotifyQueue)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 8*time.Second, cfg.PollInterval)
}

func TestValidate(t *testing.T) {
	t.Setenv("PAYGATE_BOT_TOKEN", "123:abc")
	t.Setenv("PAYGATE_WALLET_ADDRESS", rawWallet)

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, rawWallet, cfg.Wallet.ToRaw())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Setenv("PAYGATE_BOT_TOKEN", "")
	t.Setenv("PAYGATE_WALLET_ADDRESS", "not-an-address")
	t.Setenv("PAYGATE_LEDGER_PAGE", "0")

	cfg := Load()
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{"PAYGATE_BOT_TOKEN", "PAYGATE_WALLET_ADDRESS", "PAYGATE_LEDGER_PAGE"} {
		assert.True(t, strings.Contains(msg, want), "missing %s in %q", want, msg)
	}
}
