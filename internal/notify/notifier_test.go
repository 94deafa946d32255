package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"paygate/internal/invoice"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID: chatID, text: text})
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func settlement(orderID int64) invoice.Settlement {
	return invoice.Settlement{
		Invoice: invoice.Invoice{ID: orderID, OrderID: orderID, UserID: 900 + orderID, AmountUnits: 1_250_000_000, Currency: invoice.CurrencyTON},
		Ref:     "tx<1>",
		Source:  invoice.SourceLedger,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierDelivers(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, Config{PerSecond: 1000}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	n.Notify(ctx, settlement(42))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	n.Wait()

	assert.Equal(t, int64(942), sender.sent[0].chatID)
	assert.Contains(t, sender.sent[0].text, "#42")
	assert.Contains(t, sender.sent[0].text, "1.25 TON")
	assert.Contains(t, sender.sent[0].text, "tx&lt;1&gt;")
}

func TestNotifierFailureDoesNotStopLoop(t *testing.T) {
	sender := &fakeSender{err: errors.New("Forbidden: bot was blocked by the user")}
	n := New(sender, Config{PerSecond: 1000}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	n.Notify(ctx, settlement(1))
	n.Notify(ctx, settlement(2))

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	n.Wait()
}

func TestNotifyNeverBlocks(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, Config{QueueSize: 1}, discard())

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 10; i++ {
			n.Notify(context.Background(), settlement(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	assert.Equal(t, int64(9), n.Dropped())
}

func TestNotifierDefaultQueueAbsorbsBurst(t *testing.T) {
	n := New(&fakeSender{}, Config{}, discard())
	for i := int64(0); i < 1000; i++ {
		n.Notify(context.Background(), settlement(i))
	}
	assert.Zero(t, n.Dropped())
	assert.Equal(t, 1000, len(n.queue))
}

func TestNotifierDrainsOnShutdown(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, Config{PerSecond: 1000}, discard())

	n.Notify(context.Background(), settlement(1))
	n.Notify(context.Background(), settlement(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Start(ctx)
	n.Wait()

	assert.Equal(t, 2, sender.count())
}
