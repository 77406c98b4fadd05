package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algoedge/tickpilot/internal/broker"
	"github.com/algoedge/tickpilot/internal/engine"
	"github.com/algoedge/tickpilot/internal/store"
)

const testUser = "7"

func newTestServer(t *testing.T, authToken string) (*Server, *store.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewRedisStoreWithClient(rdb, time.UTC, nil)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	pb := broker.NewPaperBroker()
	worker := broker.NewOrderWorker(pb, logger)
	t.Cleanup(worker.Close)

	eng := engine.New(engine.Options{
		UserID: 7,
		Store:  st,
		Broker: pb,
		Worker: worker,
		Logger: logger,
	})
	lookup := func(userID int64) (*engine.Engine, bool) {
		if userID == 7 {
			return eng, true
		}
		return nil, false
	}
	return NewServer(Config{Addr: ":0", AuthToken: authToken}, st, lookup, logger), st
}

func doRequest(t *testing.T, s *Server, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestChartinkWebhookJSON(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s, http.MethodPost, "/webhook/chartink/"+testUser, "application/json",
		`{"scan_name":"Morning_Longs","stocks":"NSE:SBIN,TCS-EQ","triggered_at":"9:20 am"}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "morning longs", resp["alert"])
	assert.Equal(t, []any{"SBIN", "TCS"}, resp["symbols"])

	// No config saved, so both symbols skip.
	results := resp["result"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, "SKIPPED", first["status"])
	assert.Equal(t, "NO_CONFIG", first["reason"])
}

func TestChartinkWebhookFormEncoded(t *testing.T) {
	s, _ := newTestServer(t, "")
	form := url.Values{}
	form.Set("alert_name", "breakout scan")
	form.Set("stocks[0]", "INFY")
	form.Set("stocks[1]", "WIPRO")

	w := doRequest(t, s, http.MethodPost, "/webhook/chartink/"+testUser,
		"application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "breakout scan", resp["alert"])
	assert.Equal(t, []any{"INFY", "WIPRO"}, resp["symbols"])
}

func TestChartinkWebhookUnknownUser(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s, http.MethodPost, "/webhook/chartink/999", "application/json", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, "sekret")

	w := doRequest(t, s, http.MethodGet, "/api/"+testUser+"/positions", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/"+testUser+"/positions", nil)
	req.Header.Set("X-Auth-Token", "sekret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	w = doRequest(t, s, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestKillSwitchEndpoint(t *testing.T) {
	s, st := newTestServer(t, "")

	w := doRequest(t, s, http.MethodPost, "/api/"+testUser+"/kill", "application/json", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	killed, err := st.IsKill(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, killed)

	// A kill-switched alert rejects every symbol.
	w = doRequest(t, s, http.MethodPost, "/webhook/chartink/"+testUser, "application/json",
		`{"scan_name":"x","stocks":"SBIN"}`)
	resp := decode(t, w)
	first := resp["result"].([]any)[0].(map[string]any)
	assert.Equal(t, "REJECTED", first["status"])
	assert.Equal(t, "KILL_SWITCH", first["reason"])
}

func TestAlertConfigCRUD(t *testing.T) {
	s, st := newTestServer(t, "")

	w := doRequest(t, s, http.MethodPut, "/api/"+testUser+"/alert-configs", "application/json",
		`{"alert_name":"Morning_Longs","direction":"SHORT","qty_mode":"FIXED_QTY","qty":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "morning longs", resp["alert_name"])

	cfg, err := st.GetAlertConfig(context.Background(), 7, []string{"morning longs"})
	require.NoError(t, err)
	assert.Equal(t, "Morning_Longs", cfg.AlertNameRaw)

	w = doRequest(t, s, http.MethodGet, "/api/"+testUser+"/alert-configs", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	configs := decode(t, w)["configs"].(map[string]any)
	assert.Contains(t, configs, "morning longs")

	w = doRequest(t, s, http.MethodDelete, "/api/"+testUser+"/alert-configs/Morning_Longs", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	_, err = st.GetAlertConfig(context.Background(), 7, []string{"morning longs"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveConfigRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s, http.MethodPut, "/api/"+testUser+"/alert-configs", "application/json",
		`{"alert_name":"x","direction":"SIDEWAYS"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPositionsEndpointEmpty(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s, http.MethodGet, "/api/"+testUser+"/positions", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["ok"])
}

func TestRecentAlertsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")

	doRequest(t, s, http.MethodPost, "/webhook/chartink/"+testUser, "application/json",
		`{"scan_name":"x","stocks":"SBIN"}`)

	w := doRequest(t, s, http.MethodGet, "/api/"+testUser+"/alerts?limit=5", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode(t, w)["alerts"].([]any)
	assert.Len(t, alerts, 1)
}

func TestSessionLifecycle(t *testing.T) {
	s, st := newTestServer(t, "")

	var gotKey, gotToken string
	s.onSession = func(userID int64, apiKey, accessToken string) {
		gotKey, gotToken = apiKey, accessToken
	}
	s.exchangeToken = func(_ context.Context, apiKey, apiSecret, requestToken string) (string, error) {
		assert.Equal(t, "key1", apiKey)
		assert.Equal(t, "sec1", apiSecret)
		assert.Equal(t, "rt-abc", requestToken)
		return "access-xyz", nil
	}

	// No credentials yet.
	w := doRequest(t, s, http.MethodPost, "/api/"+testUser+"/session", "application/json",
		`{"request_token":"rt-abc"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/"+testUser+"/session/credentials", "application/json",
		`{"api_key":"key1","api_secret":"sec1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/"+testUser+"/session", "application/json",
		`{"request_token":"rt-abc"}`)
	require.Equal(t, http.StatusOK, w.Code)

	token, err := st.AccessToken(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "access-xyz", token)
	assert.Equal(t, "key1", gotKey)
	assert.Equal(t, "access-xyz", gotToken)

	w = doRequest(t, s, http.MethodDelete, "/api/"+testUser+"/session", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	token, err = st.AccessToken(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestSessionRejectsMissingRequestToken(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s, http.MethodPost, "/api/"+testUser+"/session", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "")
	w := doRequest(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}
