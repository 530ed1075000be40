package orders

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ordering/internal/app/orders"
	"ordering/internal/dispatcher"
	bushandler "ordering/internal/handler/bus"
	"ordering/internal/infrastructure/database"
	"ordering/internal/infrastructure/lock"
	"ordering/internal/integration"
	"ordering/internal/outbox"
	ordersql "ordering/internal/repository/order_repo/sqldb"
	outboxsql "ordering/internal/repository/outbox_repo/sqldb"
	"ordering/internal/saga"
)

const checkoutBody = `{
	"buyerId": "42",
	"items": [{"productId": "A", "productName": "Mug", "unitPrice": "12.5", "units": 2}],
	"address": {"street": "1 Main", "city": "Seattle", "country": "US"},
	"card": {"cardTypeId": 2, "cardNumber": "4012888888881881", "cardSecurityNumber": "123",
		"cardHolderName": "Ada Lovelace", "cardExpiration": "2031-01-01T00:00:00Z"}
}`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.MigrateSQLite(db, zap.NewNop()))

	d := dispatcher.New(zap.NewNop())
	outbox.NewTranslator(nil).Register(d)
	saga.NewCompensation(nil).Register(d)

	svc := orders.NewService(ordersql.NewOrderRepository(db, database.SQLite, zap.NewNop()), d, lock.NewLocalLocker(),
		orders.Config{}, zap.NewNop())
	consumer := bushandler.NewIntegrationEventConsumer(saga.NewCoordinator(svc, zap.NewNop()), zap.NewNop())

	r := chi.NewRouter()
	RegisterRoutes(r, svc, outboxsql.NewOutboxRepository(db, database.SQLite, zap.NewNop()), consumer.HandleMessage, zap.NewNop())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func startOrder(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/orders", checkoutBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res startOrderResponse
	decode(t, resp, &res)
	require.NotEmpty(t, res.OrderID)
	return res.OrderID
}

func TestStartAndGetOrder(t *testing.T) {
	srv := newServer(t)
	id := startOrder(t, srv)

	resp := do(t, http.MethodGet, srv.URL+"/orders/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var order orders.OrderResponse
	decode(t, resp, &order)
	assert.Equal(t, "SUBMITTED", order.Status)
	assert.Equal(t, "25", order.Total.String())
	assert.Equal(t, "XXXX-XXXX-XXXX-1881", order.Payment.MaskedNumber)
	assert.Equal(t, "Seattle", order.Address.City)

	resp = do(t, http.MethodGet, srv.URL+"/orders/"+id, "")
	var raw map[string]json.RawMessage
	decode(t, resp, &raw)
	assert.Contains(t, raw, "history")
	assert.NotContains(t, raw, "version")

	resp = do(t, http.MethodGet, srv.URL+"/orders/buyer/42", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []orders.OrderResponse
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestStartOrderValidation(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", "{"},
		{"no items", `{"buyerId":"42","items":[]}`},
		{"expired card", strings.Replace(checkoutBody, "2031", "2001", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+"/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestOrderCommands(t *testing.T) {
	srv := newServer(t)
	id := startOrder(t, srv)

	resp := do(t, http.MethodGet, srv.URL+"/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/orders/"+id+"/ship", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/orders/"+id+"/cancel", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var order orders.OrderResponse
	decode(t, resp, &order)
	assert.Equal(t, "CANCELLED", order.Status)
	assert.Equal(t, "REQUESTED", order.CancellationCause)

	resp = do(t, http.MethodPost, srv.URL+"/orders/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInjectedEventsDriveSaga(t *testing.T) {
	srv := newServer(t)
	id := startOrder(t, srv)

	for i, eventType := range []string{
		integration.BuyerValidatedEvent,
		integration.StockConfirmedEvent,
		integration.PaymentSucceededEvent,
	} {
		env, err := integration.NewEnvelope("reply-"+string(rune('a'+i)), eventType, id, time.Now(), nil)
		require.NoError(t, err)
		raw, err := integration.Marshal(env)
		require.NoError(t, err)
		resp := do(t, http.MethodPost, srv.URL+"/integration-events", string(raw))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := do(t, http.MethodPost, srv.URL+"/orders/"+id+"/ship", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var order orders.OrderResponse
	decode(t, resp, &order)
	assert.Equal(t, "SHIPPED", order.Status)
	assert.Len(t, order.History, 5)

	resp = do(t, http.MethodGet, srv.URL+"/orders/"+id+"/outbox", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []outboxMessageResponse
	decode(t, resp, &msgs)
	require.Len(t, msgs, 5)
	assert.Equal(t, integration.OrderShippedEvent, msgs[4].EventType)
	assert.Equal(t, "PENDING", msgs[4].Status)
	assert.Nil(t, msgs[4].PublishedAt)

	var env integration.Envelope
	require.NoError(t, json.NewDecoder(bytes.NewReader(msgs[0].Payload)).Decode(&env))
	assert.Equal(t, integration.OrderStartedEvent, env.EventType)
}

func TestOutboxOperatorRoutes(t *testing.T) {
	srv := newServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/outbox/failed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []outboxMessageResponse
	decode(t, resp, &msgs)
	assert.Empty(t, msgs)

	resp = do(t, http.MethodPost, srv.URL+"/outbox/unknown/requeue", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
