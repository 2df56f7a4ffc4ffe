package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmatch/internal/cache/memory"
	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/matching"
	"github.com/alanyoungcy/p2pmatch/internal/server/handler"
	"github.com/alanyoungcy/p2pmatch/internal/server/middleware"
	"github.com/alanyoungcy/p2pmatch/internal/service"
)

const (
	testSecret      = "test-secret"
	testOperatorKey = "op-key"
)

type stubOrders struct {
	lastReq domain.OrderRequest
}

func (s *stubOrders) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	s.lastReq = req
	if !req.Side.Valid() {
		return domain.Order{}, domain.ErrInvalidOrder
	}
	return domain.Order{
		ID:              "o-1",
		Pair:            req.Pair,
		Side:            req.Side,
		LimitPrice:      req.LimitPrice,
		OriginalAmount:  req.Amount,
		RemainingAmount: req.Amount,
		OwnerID:         req.OwnerID,
		Status:          domain.OrderStatusOpen,
	}, nil
}

func (s *stubOrders) CancelOrder(_ context.Context, id, _ string) (domain.CancelResult, error) {
	if id == "filled" {
		return domain.CancelResult{}, domain.ErrAlreadyFilled
	}
	return domain.CancelResult{OrderID: id, Status: domain.OrderStatusCancelled}, nil
}

func (s *stubOrders) GetOrder(_ context.Context, id, _ string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (s *stubOrders) ListOrders(context.Context, string, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

type stubMarket struct{}

func (stubMarket) OrderBook(_ context.Context, pair string, _ int) (domain.BookSnapshot, error) {
	if pair == "BAD" {
		return domain.BookSnapshot{}, domain.ErrInvalidOrder
	}
	return domain.BookSnapshot{Pair: domain.Pair(pair)}, nil
}

func (stubMarket) RecentTrades(context.Context, string, int) ([]domain.Trade, error) {
	return []domain.Trade{{ID: "t-1", Pair: "USDT-NGN", BuyerID: "alice", Amount: decimal.NewFromInt(1)}}, nil
}

type stubTrades struct {
	resolvedBy service.Caller
}

func (s *stubTrades) GetTrade(_ context.Context, id string, c service.Caller) (domain.Trade, error) {
	return domain.Trade{ID: id, BuyerID: c.UserID}, nil
}

func (s *stubTrades) ConfirmPayment(_ context.Context, id string, _ service.Caller) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrInvalidTransition
}

func (s *stubTrades) OpenDispute(_ context.Context, id string, c service.Caller, reason string) (domain.Dispute, error) {
	return domain.Dispute{ID: "d-1", TradeID: id, InitiatorID: c.UserID, Reason: reason}, nil
}

func (s *stubTrades) GetDispute(context.Context, string, service.Caller) (domain.Dispute, error) {
	return domain.Dispute{}, domain.ErrNotFound
}

func (s *stubTrades) UpdateDisputeStatus(_ context.Context, id string, st domain.DisputeStatus) (domain.Dispute, error) {
	return domain.Dispute{TradeID: id, Status: st}, nil
}

func (s *stubTrades) ResolveDispute(_ context.Context, id, _ string, c service.Caller, _ string) (domain.Trade, error) {
	s.resolvedBy = c
	return domain.Trade{ID: id, State: domain.TradeStateReleased}, nil
}

type stubMatching struct{}

func (stubMatching) Trigger(_ context.Context, pair, _ string) (map[domain.Pair]matching.TriggerResult, error) {
	return map[domain.Pair]matching.TriggerResult{domain.Pair(pair): matching.TriggerAccepted}, nil
}

func (stubMatching) Resume(context.Context, string, string) error { return nil }

func (stubMatching) Metrics() domain.EngineMetrics { return domain.EngineMetrics{PairsActive: 2} }

type fixture struct {
	router http.Handler
	orders *stubOrders
	trades *stubTrades
}

func newFixture(t *testing.T, publicLimit int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{orders: &stubOrders{}, trades: &stubTrades{}}
	h := Handlers{
		Health:   handler.NewHealthHandler(logger),
		Orders:   handler.NewOrderHandler(f.orders, logger),
		Market:   handler.NewMarketHandler(stubMarket{}, logger),
		Trades:   handler.NewTradeHandler(f.trades, logger),
		Matching: handler.NewMatchingHandler(stubMatching{}, logger),
	}
	cfg := Config{
		OperatorKey:     testOperatorKey,
		JWTSecret:       testSecret,
		PublicRateLimit: publicLimit,
	}
	f.router = NewRouter(cfg, h, nil, memory.NewRateLimiter(), logger)
	return f
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := middleware.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestPublicMarketData(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/api/pairs/USDT-NGN/book?depth=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "USDT-NGN", body["pair"])
	assert.Equal(t, []any{}, body["bids"])

	rec = f.do(t, http.MethodGet, "/api/pairs/BAD/book", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ORDER", decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/api/pairs/USDT-NGN/trades", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "alice", "public tape hides counterparties")
}

func TestPublicRateLimit(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/api/pairs/USDT-NGN/book", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/api/pairs/USDT-NGN/book", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestOrders_RequireToken(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/orders", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/orders", `{}`, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/orders", `{}`, bearer(expired))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", decodeBody(t, rec)["error"])
}

func TestSubmitOrder_OwnerFromToken(t *testing.T) {
	f := newFixture(t, 0)
	body := `{"pair":"USDT-NGN","side":"buy","price":"1500.5","amount":"10","payment_method":"bank_transfer"}`

	rec := f.do(t, http.MethodPost, "/api/orders", body, bearer(token(t, "alice")))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", f.orders.lastReq.OwnerID)
	assert.Equal(t, domain.OrderSideBuy, f.orders.lastReq.Side)
	assert.True(t, f.orders.lastReq.LimitPrice.Equal(decimal.RequireFromString("1500.5")))
}

func TestSubmitOrder_UnknownFieldRejected(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/api/orders", `{"pair":"USDT-NGN","owner_id":"mallory"}`, bearer(token(t, "alice")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ORDER", decodeBody(t, rec)["code"])
}

func TestErrorCodeMapping(t *testing.T) {
	f := newFixture(t, 0)
	auth := bearer(token(t, "alice"))

	rec := f.do(t, http.MethodDelete, "/api/orders/filled", "", auth)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_FILLED", decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/api/orders/o-9", "", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/trades/t-1/confirm-payment", "", auth)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeBody(t, rec)["code"])
}

func TestResolveDispute_RequiresArbiter(t *testing.T) {
	f := newFixture(t, 0)
	body := `{"outcome":"release","note":"payment proof checked"}`

	rec := f.do(t, http.MethodPost, "/api/trades/t-1/resolve", body, bearer(token(t, "alice")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/trades/t-1/dispute", `{"status":"investigating"}`, bearer(token(t, "alice")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/trades/t-1/resolve", body, bearer(token(t, "judge", middleware.RoleArbiter)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, service.Caller{UserID: "judge", Arbiter: true}, f.trades.resolvedBy)
}

func TestOperatorEndpoints(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/api/matching/trigger", `{"pair":"USDT-NGN"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/metrics", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	op := map[string]string{"X-API-Key": testOperatorKey}
	rec = f.do(t, http.MethodPost, "/api/matching/trigger", `{"pair":"USDT-NGN"}`, op)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"USDT-NGN":"ACCEPTED"`)

	rec = f.do(t, http.MethodPost, "/api/matching/trigger", "", op)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/metrics", "", op)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["pairs_active"])

	rec = f.do(t, http.MethodPost, "/api/matching/pairs/USDT-NGN/resume", "", op)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodOptions, "/api/orders", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
