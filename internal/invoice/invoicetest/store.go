// Package invoicetest provides an in-memory store with the same
// conditional-update semantics as the SQL repository.
package invoicetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"paygate/internal/invoice"
)

type Review struct {
	ID      int64
	OrderID int64
}

type SettledEvent struct {
	InvoiceID int64
	Ref       string
	Source    invoice.Source
}

type Store struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[int64]*invoice.Order
	invoices map[int64]*invoice.Invoice
	reviews  map[int64]Review

	// Events records one entry per won MarkPaid, mirroring the outbox.
	Events []SettledEvent
	// Err, when set, is returned by every call.
	Err error
}

func NewStore() *Store {
	return &Store{
		orders:   make(map[int64]*invoice.Order),
		invoices: make(map[int64]*invoice.Invoice),
		reviews:  make(map[int64]Review),
	}
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) CreateOrder(_ context.Context, o *invoice.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if o.ID == 0 {
		o.ID = s.id()
	}
	if o.Status == "" {
		o.Status = invoice.OrderPending
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (*invoice.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, invoice.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) AddReview(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.reviews[id] = Review{ID: id, OrderID: orderID}
}

func (s *Store) ReviewCount(orderID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reviews {
		if r.OrderID == orderID {
			n++
		}
	}
	return n
}

func (s *Store) CreateInvoice(_ context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.invoices {
		if existing.OrderID == inv.OrderID && existing.Status == invoice.StatusPending {
			return invoice.ErrDuplicateActiveInvoice
		}
		if existing.MatchingToken == inv.MatchingToken {
			return errors.New("matching token already exists")
		}
	}
	inv.ID = s.id()
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

// PutInvoice stores inv as is, bypassing uniqueness checks.
func (s *Store) PutInvoice(inv invoice.Invoice) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.ID == 0 {
		inv.ID = s.id()
	}
	s.invoices[inv.ID] = &inv
	return inv.ID
}

func (s *Store) CancelInvoice(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	inv, ok := s.invoices[id]
	if !ok || inv.Status != invoice.StatusPending {
		return false, nil
	}
	inv.Status = invoice.StatusCancelled
	return true, nil
}

func (s *Store) GetInvoice(_ context.Context, id int64) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	inv, ok := s.invoices[id]
	if !ok {
		return nil, invoice.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *Store) GetInvoiceByToken(_ context.Context, token string) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var found *invoice.Invoice
	for _, inv := range s.invoices {
		if inv.MatchingToken == token && (found == nil || inv.ID < found.ID) {
			found = inv
		}
	}
	if found == nil {
		return nil, invoice.ErrInvoiceNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) ListPendingInvoices(_ context.Context, currency invoice.Currency, now time.Time) ([]invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []invoice.Invoice
	for _, inv := range s.invoices {
		if inv.Status == invoice.StatusPending && inv.Currency == currency && now.Before(inv.ExpiresAt) {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkPaid(_ context.Context, id int64, ref string, source invoice.Source, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	inv, ok := s.invoices[id]
	if !ok || inv.Status != invoice.StatusPending {
		return false, nil
	}
	// A settlement reference credits at most one invoice.
	for _, other := range s.invoices {
		if other.ID != id && other.SettlementRef == ref {
			return false, nil
		}
	}
	inv.Status = invoice.StatusPaid
	inv.SettlementRef = ref
	settled := at
	inv.SettledAt = &settled

	if o, ok := s.orders[inv.OrderID]; ok && o.Status != invoice.OrderCompleted {
		o.Status = invoice.OrderCompleted
		o.PaidAt = &settled
	}
	s.Events = append(s.Events, SettledEvent{InvoiceID: id, Ref: ref, Source: source})
	return true, nil
}

func (s *Store) ExpireInvoices(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, inv := range s.invoices {
		if inv.Status == invoice.StatusPending && !now.Before(inv.ExpiresAt) {
			inv.Status = invoice.StatusExpired
			n++
		}
	}
	return n, nil
}

func (s *Store) ListStaleOrders(_ context.Context, cutoff, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var ids []int64
	for _, o := range s.orders {
		if o.Status == invoice.OrderPending && o.CreatedAt.Before(cutoff) && !s.hasLiveInvoice(o.ID, now) {
			ids = append(ids, o.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) DeleteStaleOrder(_ context.Context, id int64, cutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	o, ok := s.orders[id]
	if !ok || o.Status != invoice.OrderPending || !o.CreatedAt.Before(cutoff) {
		return false, nil
	}
	for _, inv := range s.invoices {
		if inv.OrderID == id && inv.Status == invoice.StatusPaid {
			return false, nil
		}
	}
	if s.hasLiveInvoice(id, now) {
		return false, nil
	}
	for rid, r := range s.reviews {
		if r.OrderID == id {
			delete(s.reviews, rid)
		}
	}
	for iid, inv := range s.invoices {
		if inv.OrderID == id {
			delete(s.invoices, iid)
		}
	}
	delete(s.orders, id)
	return true, nil
}

// hasLiveInvoice reports whether the order has a pending invoice that is still
// payable at now. Callers hold s.mu.
func (s *Store) hasLiveInvoice(orderID int64, now time.Time) bool {
	for _, inv := range s.invoices {
		if inv.OrderID == orderID && inv.Status == invoice.StatusPending && inv.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}
