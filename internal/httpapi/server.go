package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"paygate/internal/botapi"
	"paygate/internal/invoice"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type Store interface {
	GetOrder(ctx context.Context, id int64) (*invoice.Order, error)
	GetInvoice(ctx context.Context, id int64) (*invoice.Invoice, error)
	Ping(ctx context.Context) error
}

type InvoiceCreator interface {
	Create(ctx context.Context, req invoice.Request) (*invoice.Created, error)
}

type Checker interface {
	CheckInvoice(ctx context.Context, id int64) (*invoice.Invoice, error)
}

type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd botapi.Update) error
}

type Deps struct {
	Store         Store
	Factory       InvoiceCreator
	Checker       Checker
	Updates       UpdateHandler
	OrderStream   http.HandlerFunc
	WebhookSecret string
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "http"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /orders/{orderID}/invoices", instrument("create_invoice", s.createInvoice))
	s.mux.HandleFunc("GET /invoices/{invoiceID}", instrument("get_invoice", s.getInvoice))
	s.mux.HandleFunc("POST /invoices/{invoiceID}/check", instrument("check_invoice", s.checkInvoice))
	s.mux.HandleFunc("POST /bot/webhook", instrument("bot_webhook", s.botWebhook))
	if s.deps.OrderStream != nil {
		s.mux.HandleFunc("GET /orders/{orderID}/ws", s.deps.OrderStream)
	}
	s.mux.HandleFunc("GET /healthz", instrument("healthz", s.healthz))
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// createInvoiceRequest carries presentation fields only. Price and currency
// always come from the stored order.
type createInvoiceRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// invoiceView is the public representation of an invoice. Pending invoices
// are never presented as paid.
type invoiceView struct {
	ID        int64            `json:"id"`
	OrderID   int64            `json:"order_id"`
	Status    invoice.Status   `json:"status"`
	Message   string           `json:"message"`
	Currency  invoice.Currency `json:"currency"`
	Amount    string           `json:"amount"`
	Token     string           `json:"matching_token"`
	ExpiresAt time.Time        `json:"expires_at"`
	SettledAt *time.Time       `json:"settled_at,omitempty"`
	Link      string           `json:"link,omitempty"`
}

func newInvoiceView(inv invoice.Invoice) invoiceView {
	return invoiceView{
		ID:        inv.ID,
		OrderID:   inv.OrderID,
		Status:    inv.Status,
		Message:   statusMessage(inv.Status),
		Currency:  inv.Currency,
		Amount:    invoice.FormatAmount(inv.Currency, inv.AmountUnits),
		Token:     inv.MatchingToken,
		ExpiresAt: inv.ExpiresAt,
		SettledAt: inv.SettledAt,
	}
}

func statusMessage(st invoice.Status) string {
	switch st {
	case invoice.StatusPaid:
		return "payment confirmed"
	case invoice.StatusExpired:
		return "invoice expired"
	case invoice.StatusCancelled:
		return "invoice cancelled"
	default:
		return "payment not yet confirmed"
	}
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.deps.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		s.writeDomainError(w, "load order", err)
		return
	}
	if o.UserID != userID {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if o.Status != invoice.OrderPending {
		s.writeDomainError(w, "create invoice", invoice.ErrOrderNotPayable)
		return
	}

	created, err := s.deps.Factory.Create(r.Context(), invoice.Request{
		OrderID:     o.ID,
		UserID:      o.UserID,
		ProductID:   o.ProductID,
		AmountUnits: o.AmountUnits,
		Currency:    o.Currency,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		s.writeDomainError(w, "create invoice", err)
		return
	}

	view := newInvoiceView(created.Invoice)
	view.Link = created.Link
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.ownedInvoice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newInvoiceView(*inv))
}

func (s *Server) checkInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.ownedInvoice(w, r)
	if !ok {
		return
	}
	checked, err := s.deps.Checker.CheckInvoice(r.Context(), inv.ID)
	if err != nil {
		s.writeDomainError(w, "check invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, newInvoiceView(*checked))
}

func (s *Server) ownedInvoice(w http.ResponseWriter, r *http.Request) (*invoice.Invoice, bool) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	id, err := pathID(r, "invoiceID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice id")
		return nil, false
	}
	inv, err := s.deps.Store.GetInvoice(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, "get invoice", err)
		return nil, false
	}
	if inv.UserID != userID {
		writeError(w, http.StatusNotFound, "invoice not found")
		return nil, false
	}
	return inv, true
}

// botWebhook always answers 200 once the update is parsed so the platform
// does not redeliver; processing failures are logged.
func (s *Server) botWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebhookSecret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.WebhookSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	var upd botapi.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.deps.Updates.HandleUpdate(r.Context(), upd); err != nil {
		s.logger.Error("handle bot update", "update_id", upd.UpdateID, "err", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, invoice.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, invoice.ErrInvoiceNotFound):
		writeError(w, http.StatusNotFound, "invoice not found")
	case errors.Is(err, invoice.ErrDuplicateActiveInvoice),
		errors.Is(err, invoice.ErrOrderNotPayable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, invoice.ErrInvalidAmount),
		errors.Is(err, invoice.ErrUnknownCurrency),
		errors.Is(err, invoice.ErrChannelRetired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, botapi.ErrTimeout):
		s.logger.Warn(op, "err", err)
		writeError(w, http.StatusGatewayTimeout, "payment platform timed out")
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func userIDFromRequest(r *http.Request) (int64, error) {
	value := r.Header.Get("X-User-ID")
	if value == "" {
		return 0, errors.New("missing X-User-ID header")
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid X-User-ID header")
	}
	return id, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// WithServer returns an http.Server that shuts down when ctx is cancelled.
func WithServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return server
}
