package orders

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ordering/internal/app/orders"
)

// RegisterRoutes mounts the buyer and operator API. The event injection route
// is only mounted when inject is not nil.
func RegisterRoutes(r chi.Router, s orders.OrderService, ob OutboxStore, inject EventInjector, l *zap.Logger) {
	handler := NewOrderHandler(s, ob, inject, l.With(zap.String("component", "OrderHTTPHandler")))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.StartOrder)
		r.Get("/{orderID}", handler.GetOrder)
		r.Get("/{orderID}/outbox", handler.ListOrderOutbox)
		r.Post("/{orderID}/cancel", handler.CancelOrder)
		r.Post("/{orderID}/ship", handler.ShipOrder)
		r.Get("/buyer/{buyerID}", handler.ListOrdersByBuyer)
	})

	r.Route("/outbox", func(r chi.Router) {
		r.Get("/failed", handler.ListFailedMessages)
		r.Post("/{messageID}/requeue", handler.RequeueMessage)
	})

	if inject != nil {
		r.Post("/integration-events", handler.InjectEvent)
	}
}
