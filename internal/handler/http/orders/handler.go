package orders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ordering/internal/app/orders"
	"ordering/internal/domain"
	"ordering/internal/repository/outbox_repo"
)

// OutboxStore is the operator view of the outbox.
type OutboxStore interface {
	ListByOrder(ctx context.Context, orderID string) ([]outbox_repo.OutboxMessage, error)
	ListFailed(ctx context.Context, limit int) ([]outbox_repo.OutboxMessage, error)
	Requeue(ctx context.Context, id string, at time.Time) error
}

// EventInjector feeds a raw integration event to the inbound message path.
type EventInjector func(ctx context.Context, message []byte) error

type OrderHandler struct {
	service orders.OrderService
	outbox  OutboxStore
	inject  EventInjector
	logger  *zap.Logger
}

func NewOrderHandler(s orders.OrderService, ob OutboxStore, inject EventInjector, l *zap.Logger) *OrderHandler {
	return &OrderHandler{service: s, outbox: ob, inject: inject, logger: l}
}

type startOrderResponse struct {
	OrderID string `json:"orderId"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type outboxMessageResponse struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	OrderID       string          `json:"orderId"`
	EventType     string          `json:"eventType"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	PublishedAt   *time.Time      `json:"publishedAt,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func (h *OrderHandler) StartOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.StartOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for StartOrder", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.service.StartOrder(r.Context(), &req)
	if err != nil {
		if errors.Is(err, orders.ErrInvalidOrder) {
			h.logger.Warn("Bad request for StartOrder", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Error starting order", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, startOrderResponse{OrderID: id})
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	res, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			h.logger.Info("Order not found", zap.String("order_id", orderID))
			http.Error(w, "Order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Error getting order", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) ListOrdersByBuyer(w http.ResponseWriter, r *http.Request) {
	buyerID := chi.URLParam(r, "buyerID")

	res, err := h.service.ListOrdersByBuyer(r.Context(), buyerID)
	if err != nil {
		h.logger.Error("Error getting orders for buyer", zap.String("buyer_id", buyerID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn("Invalid request body for CancelOrder", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.command(w, r, orderID, "CancelOrder", h.service.CancelOrder(r.Context(), orderID, req.Reason))
}

func (h *OrderHandler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	h.command(w, r, orderID, "ShipOrder", h.service.ConfirmShipment(r.Context(), orderID))
}

func (h *OrderHandler) command(w http.ResponseWriter, r *http.Request, orderID, name string, err error) {
	switch {
	case err == nil:
		res, err := h.service.GetOrder(r.Context(), orderID)
		if err != nil {
			h.logger.Error("Error reloading order", zap.String("order_id", orderID), zap.Error(err))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, orders.ErrOrderNotFound):
		h.logger.Info("Order not found", zap.String("order_id", orderID), zap.String("command", name))
		http.Error(w, "Order not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition):
		h.logger.Info("Command not allowed in current order status", zap.String("order_id", orderID), zap.String("command", name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, orders.ErrTransientFailure):
		h.logger.Warn("Command hit contention", zap.String("order_id", orderID), zap.String("command", name), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Order is busy, retry later", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Error executing order command", zap.String("order_id", orderID), zap.String("command", name), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *OrderHandler) ListOrderOutbox(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	msgs, err := h.outbox.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("Error listing outbox for order", zap.String("order_id", orderID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, mapMessages(msgs))
}

func (h *OrderHandler) ListFailedMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.outbox.ListFailed(r.Context(), 100)
	if err != nil {
		h.logger.Error("Error listing failed outbox messages", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, mapMessages(msgs))
}

func (h *OrderHandler) RequeueMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	if err := h.outbox.Requeue(r.Context(), messageID, time.Now()); err != nil {
		if errors.Is(err, outbox_repo.ErrNotFound) {
			http.Error(w, "No failed message with this id", http.StatusNotFound)
			return
		}
		h.logger.Error("Error requeueing outbox message", zap.String("message_id", messageID), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("Outbox message requeued by operator", zap.String("message_id", messageID))
	w.WriteHeader(http.StatusAccepted)
}

func (h *OrderHandler) InjectEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.inject(r.Context(), body); err != nil {
		h.logger.Error("Error injecting integration event", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func mapMessages(msgs []outbox_repo.OutboxMessage) []outboxMessageResponse {
	res := make([]outboxMessageResponse, len(msgs))
	for i, m := range msgs {
		res[i] = outboxMessageResponse{
			ID:            m.ID,
			Seq:           m.Seq,
			OrderID:       m.OrderID,
			EventType:     m.EventType,
			Status:        string(m.Status),
			Attempts:      m.Attempts,
			NextAttemptAt: m.NextAttemptAt,
			LastError:     m.LastError,
			CreatedAt:     m.CreatedAt,
			Payload:       json.RawMessage(m.Payload),
		}
		if !m.PublishedAt.IsZero() {
			published := m.PublishedAt
			res[i].PublishedAt = &published
		}
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
