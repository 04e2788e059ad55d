package server_test

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
	"PerpRisk/internal/server"
	"PerpRisk/internal/state"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usd = int64(1_000_000)

var (
	alice  = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")
	keeper = uuid.MustParse("00000000-0000-0000-0000-0000000ee9e7")

	adminHeaders  = map[string]string{server.HeaderAdmin: "admin-secret"}
	oracleHeaders = map[string]string{server.HeaderOracle: "oracle-secret"}
	keeperHeaders = map[string]string{server.HeaderKeeper: "keeper-secret"}
	aliceHeaders  = map[string]string{server.HeaderTrader: alice.String()}
)

type fixture struct {
	eng     *core.Engine
	ledger  *ledger.MemoryLedger
	svc     *server.RiskService
	metrics *observability.Metrics
	health  *observability.HealthChecker
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.NewMemoryLedger()
	auth := core.NewAuthority("server-test")
	eng := core.NewEngine(l, auth)
	qs := query.NewQueryService(eng, l, projection.NewMemoryHistory(), nil)

	tokens := server.Tokens{
		Oracle:  "oracle-secret",
		Admin:   "admin-secret",
		Keepers: map[string]uuid.UUID{"keeper-secret": keeper},
	}
	svc := server.NewRiskService(eng, l, qs, auth, tokens, zerolog.Nop())

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	gw, err := server.NewGateway(svc, server.UnaryInterceptor(metrics, zerolog.Nop()))
	require.NoError(t, err)

	health := observability.NewHealthChecker()
	hub := server.NewWSHub(metrics, zerolog.Nop())
	return &fixture{
		eng:     eng,
		ledger:  l,
		svc:     svc,
		metrics: metrics,
		health:  health,
		router:  server.NewRouter(health, reg, hub, gw),
	}
}

func (f *fixture) do(t *testing.T, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed lists BTC-PERP at 50,000 and funds alice with 10,000.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/markets", adminHeaders, map[string]any{
		"symbol": "BTC-PERP",
		"params": map[string]any{"max_leverage": 20, "maintenance_margin_bps": 500},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/markets/1/price", oracleHeaders, map[string]string{
		"index_price": "50000",
		"mark_price":  "50000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/deposits", adminHeaders, map[string]string{
		"trader": alice.String(),
		"amount": "10000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGateway_CreateMarketRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"symbol": "BTC-PERP", "params": map[string]any{"max_leverage": 20}}

	rec := f.do(t, http.MethodPost, "/v1/markets", nil, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/markets", map[string]string{server.HeaderAdmin: "wrong"}, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/markets", adminHeaders, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[state.Market](t, rec)
	assert.Equal(t, uint64(1), m.ID)
	assert.Equal(t, "BTC-PERP", m.Symbol)

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues("CreateMarket", "OK")))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues("CreateMarket", "PermissionDenied")))
}

func TestGateway_OpenAndLiquidate(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodPost, "/v1/markets/1/positions", aliceHeaders, map[string]any{
		"side":     "LONG",
		"size":     "1",
		"margin":   "5000",
		"leverage": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pos := decode[state.Position](t, rec)
	assert.Equal(t, int64(1_000_000), pos.Size)
	assert.Equal(t, int64(5_000_000), pos.EntryPrice)
	assert.Equal(t, alice, pos.Trader)

	rec = f.do(t, http.MethodGet, "/v1/traders/"+alice.String()+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal := decode[query.BalanceResponse](t, rec)
	assert.Equal(t, 5_000*usd, bal.AvailableBalance)
	assert.Equal(t, 5_000*usd, bal.PositionMargin)

	// Healthy positions cannot be liquidated.
	rec = f.do(t, http.MethodPost, "/v1/markets/1/liquidate", keeperHeaders, map[string]string{"trader": alice.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// 45,500: loss 4,500 leaves 500 against 2,275 maintenance.
	rec = f.do(t, http.MethodPost, "/v1/markets/1/price", oracleHeaders, map[string]string{
		"index_price": "45500",
		"mark_price":  "45500",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/markets/1/positions/"+alice.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[server.PositionView](t, rec)
	assert.Equal(t, -4_500*usd, view.UnrealizedPnL)
	assert.True(t, view.IsLiquidatable)

	rec = f.do(t, http.MethodPost, "/v1/markets/1/liquidate", keeperHeaders, map[string]string{"trader": alice.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	liq := decode[event.PositionLiquidated](t, rec)
	assert.Equal(t, alice, liq.Trader)
	assert.Equal(t, keeper, liq.Keeper)
	assert.Equal(t, int64(1_000_000), liq.Size)

	rec = f.do(t, http.MethodPost, "/v1/markets/1/liquidate", keeperHeaders, map[string]string{"trader": alice.String()})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/markets/1/positions/"+alice.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_OrderLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodPost, "/v1/orders", aliceHeaders, map[string]any{
		"market_id":     1,
		"side":          "LONG",
		"size":          "0.5",
		"trigger_price": "49000",
		"margin":        "2500",
		"leverage":      10,
		"ttl_seconds":   3600,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	order := decode[state.Order](t, rec)
	assert.Equal(t, state.OrderStatusOpen, order.Status)
	assert.Equal(t, int64(500_000), order.Size)
	assert.Equal(t, int64(4_900_000), order.TriggerPrice)

	rec = f.do(t, http.MethodGet, "/v1/traders/"+alice.String()+"/orders", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[server.OrdersReply](t, rec).Orders, 1)

	// Not triggered at 50,000.
	rec = f.do(t, http.MethodPost, "/v1/orders/"+order.ID.String()+"/execute", keeperHeaders, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// Only the owner may cancel.
	rec = f.do(t, http.MethodPost, "/v1/orders/"+order.ID.String()+"/cancel", map[string]string{server.HeaderTrader: keeper.String()}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/orders/"+order.ID.String()+"/cancel", aliceHeaders, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, state.OrderStatusCancelled, decode[state.Order](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/v1/traders/"+alice.String()+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10_000*usd, decode[query.BalanceResponse](t, rec).AvailableBalance)
}

func TestGateway_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		body    any
		want    int
	}{
		{
			name:    "too precise size",
			method:  http.MethodPost,
			path:    "/v1/markets/1/positions",
			headers: aliceHeaders,
			body:    map[string]any{"side": "LONG", "size": "0.0000001", "margin": "100", "leverage": 10},
			want:    http.StatusBadRequest,
		},
		{
			name:   "missing trader header",
			method: http.MethodPost,
			path:   "/v1/markets/1/positions",
			body:   map[string]any{"side": "LONG", "size": "1", "margin": "5000", "leverage": 10},
			want:   http.StatusUnauthorized,
		},
		{
			name:    "unknown market",
			method:  http.MethodGet,
			path:    "/v1/markets/99",
			headers: nil,
			want:    http.StatusNotFound,
		},
		{
			name:    "leverage above market max",
			method:  http.MethodPost,
			path:    "/v1/markets/1/positions",
			headers: aliceHeaders,
			body:    map[string]any{"side": "LONG", "size": "1", "margin": "5000", "leverage": 50},
			want:    http.StatusBadRequest,
		},
		{
			name:    "margin above balance",
			method:  http.MethodPost,
			path:    "/v1/markets/1/positions",
			headers: aliceHeaders,
			body:    map[string]any{"side": "LONG", "size": "1", "margin": "20000", "leverage": 10},
			want:    http.StatusBadRequest,
		},
		{
			name:    "unknown asset",
			method:  http.MethodPost,
			path:    "/v1/withdrawals",
			headers: aliceHeaders,
			body:    map[string]any{"asset": "DOGE", "amount": "1"},
			want:    http.StatusBadRequest,
		},
		{
			name:    "malformed body",
			method:  http.MethodPost,
			path:    "/v1/orders",
			headers: aliceHeaders,
			body:    "not an object",
			want:    http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.headers, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_OpsEndpoints(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil, nil).Code)
	f.health.SetReady(true)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil, nil).Code)

	f.do(t, http.MethodGet, "/v1/status", nil, nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `perp_risk_api_requests_total{code="OK",method="GetStatus"} 1`)
}
