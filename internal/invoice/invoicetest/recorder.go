package invoicetest

import (
	"context"
	"sync"

	"paygate/internal/invoice"
)

// Recorder captures notifier and broadcaster calls.
type Recorder struct {
	mu          sync.Mutex
	Settlements []invoice.Settlement
	Broadcasts  []int64
}

func (r *Recorder) Notify(_ context.Context, s invoice.Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Settlements = append(r.Settlements, s)
}

func (r *Recorder) BroadcastOrderUpdate(orderID int64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Broadcasts = append(r.Broadcasts, orderID)
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Settlements)
}
