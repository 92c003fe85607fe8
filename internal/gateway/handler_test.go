package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/contextwarden/gateway/internal/budget"
	"github.com/contextwarden/gateway/internal/chunk"
	"github.com/contextwarden/gateway/internal/condense"
	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/gateway"
	"github.com/contextwarden/gateway/internal/monitoring"
)

// fixedBackend answers every summarization call with the same text.
type fixedBackend struct{ text string }

func (f *fixedBackend) Summarize(context.Context, condense.Request) (condense.Response, error) {
	return condense.Response{Text: f.text}, nil
}

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Counting.Encoding = "no-such-encoding" // deterministic char estimates
	cfg.Counting.EstimateRatio = 1
	cfg.Counting.MessageOverheadTokens = 1
	cfg.Condensation.Deadline = 2 * time.Second

	counter := budget.NewTokenCounter(cfg.Counting)
	risk := budget.NewRiskAnalyzer(cfg.Risk)
	truncator := budget.NewEmergencyTruncator(counter)
	partitioner := chunk.NewPartitioner(cfg.Chunking, counter.CountOne)
	indexer := chunk.NewIndexer(partitioner, cfg.Cache, nil)
	engine := condense.NewEngine(&fixedBackend{text: strings.Repeat("s", 200)}, counter.CountText, cfg.Condensation)
	metrics := monitoring.NewMetricsCollector()
	manager := budget.NewManager(counter, risk, indexer, engine, truncator, metrics, cfg.Condensation, cfg.Limits)

	return gateway.New(cfg, manager, metrics, nil)
}

// =============================================================================
// HEALTH AND STATS
// =============================================================================

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}

func TestHandleStats(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "requests.total").Exists())
	assert.True(t, gjson.Get(body, "condensation.cache_hit_rate").Exists())
	assert.True(t, gjson.Get(body, "fallback.truncations").Exists())
}

func TestHandleStatsLive(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stats/live"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var stats monitoring.StatsResponse
	require.NoError(t, wsjson.Read(ctx, conn, &stats))
	assert.NotEmpty(t, stats.Uptime)
}

// =============================================================================
// MANAGE ENDPOINT
// =============================================================================

func postManage(t *testing.T, gw *gateway.Gateway, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/budget/manage", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleManage_SafePassthrough(t *testing.T) {
	gw := newTestGateway(t)

	rec := postManage(t, gw, `{
		"messages": [
			{"role": "system", "content": "be helpful"},
			{"role": "user", "content": "short question"}
		],
		"endpoint_profile": {"hard_token_limit": 10000, "content_class": "text"},
		"model": "some-upstream-model"
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Equal(t, "safe", gjson.Get(body, "budget_metadata.risk_level").String())
	assert.Equal(t, "monitor_only", gjson.Get(body, "budget_metadata.strategy_used").String())
	assert.Equal(t, "short question", gjson.Get(body, "messages.1.content").String())
	assert.Equal(t, "some-upstream-model", gjson.Get(body, "model").String(),
		"unrelated request fields survive the round trip")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleManage_CondensesOverBudget(t *testing.T) {
	gw := newTestGateway(t)

	long := strings.Repeat("w", 400)
	rec := postManage(t, gw, `{
		"messages": [
			{"role": "user", "content": "`+long+`"},
			{"role": "assistant", "content": "`+long+`"},
			{"role": "user", "content": "`+long+`"},
			{"role": "assistant", "content": "`+long+`"}
		],
		"endpoint_profile": {"hard_token_limit": 1900, "content_class": "text"}
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Equal(t, "warning", gjson.Get(body, "budget_metadata.risk_level").String())
	assert.Equal(t, "condense_light", gjson.Get(body, "budget_metadata.strategy_used").String())
	final := gjson.Get(body, "budget_metadata.final_tokens").Int()
	original := gjson.Get(body, "budget_metadata.original_tokens").Int()
	assert.Less(t, final, original)
	assert.False(t, gjson.Get(body, "budget_metadata.truncated").Bool())
}

func TestHandleManage_UnresolvableOverflowIs413(t *testing.T) {
	gw := newTestGateway(t)

	rec := postManage(t, gw, `{
		"messages": [{"role": "user", "content": "`+strings.Repeat("z", 900)+`"}],
		"endpoint_profile": {"hard_token_limit": 100, "content_class": "text"}
	}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "error.message").String(), "context too large")
}

func TestHandleManage_ImageDescriptionsConsumed(t *testing.T) {
	gw := newTestGateway(t)

	rec := postManage(t, gw, `{
		"messages": [{"role": "user", "content": [{"type": "image", "image_ref": "img-1"}]}],
		"endpoint_profile": {"hard_token_limit": 10000, "content_class": "vision"},
		"image_descriptions": {"0": "a bar chart of monthly revenue"}
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.False(t, gjson.Get(body, "image_descriptions").Exists(),
		"descriptions are consumed, not forwarded")
	assert.Equal(t, "a bar chart of monthly revenue",
		gjson.Get(body, "messages.0.content.0.description").String())
}

// brokenBody fails on the first read, like a client dropping mid-request.
type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHandleManage_BodyReadFailureIs400(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/budget/manage", brokenBody{})
	rec := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code,
		"a failed read is a client error, not an oversized request")
}

func TestHandleManage_Errors(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"missing messages", http.MethodPost, `{"model": "x"}`, http.StatusBadRequest},
		{"malformed messages", http.MethodPost, `{"messages": [{"content": "no role"}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/budget/manage", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			gw.Routes().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
