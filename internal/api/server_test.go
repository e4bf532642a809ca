package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-risk-ledger/internal/codec"
	"exchange-risk-ledger/internal/config"
	"exchange-risk-ledger/internal/events"
	"exchange-risk-ledger/internal/ledger"
	"exchange-risk-ledger/internal/metrics"
	"exchange-risk-ledger/internal/model"
	"exchange-risk-ledger/internal/records"
	"exchange-risk-ledger/internal/storage"
	"exchange-risk-ledger/internal/workflow"
)

type fakeEvents struct {
	rows  []storage.EventRecord
	limit int
}

func (f *fakeEvents) ListRecentEvents(_ context.Context, limit int) ([]storage.EventRecord, error) {
	f.limit = limit
	return f.rows, nil
}

type harness struct {
	mem    *ledger.Memory
	ctl    *workflow.Controller
	server *httptest.Server
}

func newHarness(t *testing.T, cfg config.APIConfig, attach bool, evs EventLister) *harness {
	t.Helper()
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	store := records.NewStore(mem.View(ledger.MemoryOptions{Mode: ledger.ModeReadOnly}), records.Options{}, zerolog.Nop())
	if attach {
		require.NoError(t, store.Attach(mem))
	}
	ctl := workflow.New(store, workflow.Options{DismissAfter: time.Hour}, zerolog.Nop())
	t.Cleanup(ctl.Close)

	srv := NewServer(Deps{Controller: ctl, Events: evs, Metrics: metrics.New()}, cfg, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{mem: mem, ctl: ctl, server: ts}
}

func (h *harness) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeError(t *testing.T, raw []byte) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestCreateVerifyFlow(t *testing.T) {
	h := newHarness(t, config.APIConfig{}, true, nil)

	resp, raw := h.do(t, http.MethodPost, "/api/records", `{"name":"Alpha","liquidity":50,"riskScore":8}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var created model.Record
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, "Alpha", created.Name)
	assert.Equal(t, model.StatusPending, created.Status)

	resp, raw = h.do(t, http.MethodGet, "/api/records/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = h.do(t, http.MethodPost, "/api/records/"+created.ID+"/verify", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var verified model.Record
	require.NoError(t, json.Unmarshal(raw, &verified))
	assert.Equal(t, model.StatusVerified, verified.Status)

	resp, raw = h.do(t, http.MethodGet, "/api/summary", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum summaryBody
	require.NoError(t, json.Unmarshal(raw, &sum))
	assert.Equal(t, 1, sum.TotalCount)
	assert.Equal(t, 1, sum.HighRiskCount)
	assert.Equal(t, 1, sum.VerifiedCount)
	assert.Equal(t, "8.00", sum.AverageRiskDisplay)

	resp, raw = h.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st workflow.Status
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.True(t, st.Visible)
	assert.Equal(t, workflow.PhaseSuccess, st.Phase)
	assert.Equal(t, events.ActionVerify, st.Action)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, config.APIConfig{}, true, nil)

	resp, raw := h.do(t, http.MethodPost, "/api/records", `{"name":"","liquidity":1,"riskScore":3}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_submission", decodeError(t, raw).Code)

	resp, raw = h.do(t, http.MethodPost, "/api/records/missing/reject", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, raw).Code)

	h.mem.SetAvailable(false)
	resp, raw = h.do(t, http.MethodPost, "/api/records", `{"name":"Beta","liquidity":1,"riskScore":3}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "ledger_error", decodeError(t, raw).Code)

	resp, _ = h.do(t, http.MethodPost, "/api/records", `{"nome":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRecordReadsLedger(t *testing.T) {
	h := newHarness(t, config.APIConfig{}, false, nil)
	raw, err := codec.EncodeRecord(model.Record{ID: "ext-1", Name: "Gamma", Liquidity: 7, RiskScore: 4, Status: model.StatusVerified})
	require.NoError(t, err)
	h.mem.Put(ledger.DefaultKeyspace().RecordKey("ext-1"), raw)
	require.Empty(t, h.ctl.View().Records)

	resp, body := h.do(t, http.MethodGet, "/api/records/ext-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rec model.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "Gamma", rec.Name)
	assert.Equal(t, model.StatusVerified, rec.Status)

	resp, body = h.do(t, http.MethodGet, "/api/records/absent", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, body).Code)
}

func TestNoSessionConflict(t *testing.T) {
	h := newHarness(t, config.APIConfig{}, false, nil)
	resp, raw := h.do(t, http.MethodPost, "/api/records", `{"name":"Alpha","liquidity":50,"riskScore":8}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no_session", decodeError(t, raw).Code)

	// refresh is read-only and needs no session
	resp, raw = h.do(t, http.MethodPost, "/api/refresh", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(raw))
}

func signToken(t *testing.T, secret, issuer string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestMutationsRequireToken(t *testing.T) {
	h := newHarness(t, config.APIConfig{JWTSecret: "s3cret", JWTIssuer: "exrisk"}, true, nil)
	body := `{"name":"Alpha","liquidity":50,"riskScore":8}`

	resp, _ := h.do(t, http.MethodPost, "/api/records", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad := signToken(t, "other", "exrisk", jwt.SigningMethodHS256)
	resp, _ = h.do(t, http.MethodPost, "/api/records", body, http.Header{"Authorization": {"Bearer " + bad}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongIssuer := signToken(t, "s3cret", "someone-else", jwt.SigningMethodHS256)
	resp, _ = h.do(t, http.MethodPost, "/api/records", body, http.Header{"Authorization": {"Bearer " + wrongIssuer}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	good := signToken(t, "s3cret", "exrisk", jwt.SigningMethodHS256)
	resp, _ = h.do(t, http.MethodPost, "/api/records", body, http.Header{"Authorization": {"Bearer " + good}})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// reads stay open
	resp, _ = h.do(t, http.MethodGet, "/api/records", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMutationsAreRateLimited(t *testing.T) {
	h := newHarness(t, config.APIConfig{RateLimit: 0.001, RateBurst: 1}, false, nil)

	resp, _ := h.do(t, http.MethodPost, "/api/refresh", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, raw := h.do(t, http.MethodPost, "/api/refresh", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decodeError(t, raw).Code)
}

func TestEventsEndpoint(t *testing.T) {
	disabled := newHarness(t, config.APIConfig{}, false, nil)
	resp, _ := disabled.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	evs := &fakeEvents{rows: []storage.EventRecord{{ID: 7, Action: "create", Phase: "success", Message: "ok", RecordName: "Alpha"}}}
	h := newHarness(t, config.APIConfig{}, false, evs)

	resp, raw := h.do(t, http.MethodGet, "/api/events?limit=10000", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, maxEventLimit, evs.limit)
	var got []eventBody
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "0", got[0].Liquidity)

	resp, _ = h.do(t, http.MethodGet, "/api/events?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, config.APIConfig{}, false, nil)
	h.do(t, http.MethodGet, "/health", "", nil)

	resp, raw := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `exrisk_http_requests_total{route="health",status="200"}`)
}

func TestStatusWebsocketStreamsChanges(t *testing.T) {
	h := newHarness(t, config.APIConfig{}, true, nil)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/status"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial workflow.Status
	require.NoError(t, conn.ReadJSON(&initial))
	assert.False(t, initial.Visible)

	go func() {
		_, _ = h.ctl.Create(context.Background(), workflow.Submission{Name: "Alpha", Liquidity: 50, RiskScore: 8})
	}()

	var phases []workflow.Phase
	for len(phases) < 2 {
		var st workflow.Status
		require.NoError(t, conn.ReadJSON(&st))
		phases = append(phases, st.Phase)
	}
	assert.Equal(t, []workflow.Phase{workflow.PhasePending, workflow.PhaseSuccess}, phases)
}
