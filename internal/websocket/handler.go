package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"paygate/internal/invoice"

	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

const writeWait = 10 * time.Second

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type OrderGetter interface {
	GetOrder(ctx context.Context, id int64) (*invoice.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderGetter
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderGetter, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orders: orders, logger: logger.With("component", "websocket")}
}

// ServeWS streams status changes of one order to its owner. The current
// status is sent right after the upgrade.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(r.PathValue("orderID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid X-User-ID", http.StatusUnauthorized)
		return
	}

	o, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, invoice.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load order failed", "order_id", orderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if o.UserID != userID {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		orderID: orderID,
	}

	if b, err := json.Marshal(OrderUpdate{OrderID: orderID, Status: string(o.Status)}); err == nil {
		client.send <- b
	}

	if !h.hub.join(client) {
		_ = conn.WriteControl(gw.CloseMessage, gw.FormatCloseMessage(gw.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
