package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pairbot/internal/config"
	"pairbot/internal/discord"
	"pairbot/internal/models"
	"pairbot/internal/scheduler"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockInteractions struct {
	mock.Mock
}

func (m *mockInteractions) Handle(ctx context.Context, in models.Interaction) models.Reply {
	return m.Called(ctx, in).Get(0).(models.Reply)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeStats struct {
	healthy bool
	stats   []scheduler.JobStats
}

func (f fakeStats) Stats() []scheduler.JobStats { return f.stats }
func (f fakeStats) Healthy() bool { return f.healthy }

type testServer struct {
	srv          *Server
	priv         ed25519.PrivateKey
	interactions *mockInteractions
}

func setupServer(t *testing.T, deps Deps, cfg config.APIConfig) *testServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	verifier, err := discord.NewVerifier(hex.EncodeToString(pub))
	require.NoError(t, err)

	interactions := new(mockInteractions)
	deps.Interactions = interactions
	deps.Verifier = verifier

	logger := zerolog.Nop()
	return &testServer{srv: NewServer(cfg, deps, &logger), priv: priv, interactions: interactions}
}

func (ts *testServer) post(t *testing.T, body any, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/interactions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	const timestamp = "1773144000"
	req.Header.Set(headerTimestamp, timestamp)
	sig := ed25519.Sign(ts.priv, append([]byte(timestamp), raw...))
	if !sign {
		sig[0] ^= 0xff
	}
	req.Header.Set(headerSignature, hex.EncodeToString(sig))

	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestInteractionPing(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{})

	w := ts.post(t, map[string]any{"id": "1", "type": discord.InteractionPing}, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["type"])
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestInteractionBadSignature(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{})

	w := ts.post(t, map[string]any{"id": "1", "type": discord.InteractionPing}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	ts.interactions.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestInteractionComponent(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{})
	ts.interactions.On("Handle", mock.Anything, mock.MatchedBy(func(in models.Interaction) bool {
		return in.Kind == models.InteractionComponent &&
			in.CustomID == "extend:b-1" &&
			in.ParticipantRef == "111" &&
			in.RequestID != ""
	})).Return(models.Reply{Content: "✅ Extended"}).Once()

	w := ts.post(t, map[string]any{
		"id":         "2",
		"type":       discord.InteractionComponent,
		"channel_id": "t-1",
		"member":     map[string]any{"user": map[string]any{"id": "111"}},
		"data":       map[string]any{"custom_id": "extend:b-1", "component_type": 2},
	}, true)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(4), body["type"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "✅ Extended", data["content"])
	assert.Equal(t, float64(64), data["flags"])
	ts.interactions.AssertExpectations(t)
}

func TestInteractionModalReply(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{})
	ts.interactions.On("Handle", mock.Anything, mock.Anything).
		Return(models.Reply{Modal: &models.Modal{ID: "ratemodal:b-1", Title: "Rate"}}).Once()

	w := ts.post(t, map[string]any{
		"id":   "3",
		"type": discord.InteractionComponent,
		"user": map[string]any{"id": "111"},
		"data": map[string]any{"custom_id": "ratemodal:b-1"},
	}, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(9), decode(t, w)["type"])
}

func TestInteractionUnsupportedType(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{})

	w := ts.post(t, map[string]any{"id": "4", "type": 2, "user": map[string]any{"id": "111"}}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInteractionRateLimit(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{RateLimitRPS: 0.001, RateLimitBurst: 1})

	ping := map[string]any{"id": "1", "type": discord.InteractionPing}
	assert.Equal(t, http.StatusOK, ts.post(t, ping, true).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.post(t, ping, true).Code)
}

func TestHealthz(t *testing.T) {
	stats := []scheduler.JobStats{{Rule: "teardown", Runs: 3}}

	t.Run("Healthy", func(t *testing.T) {
		ts := setupServer(t, Deps{Store: fakePinger{}, Scheduler: fakeStats{healthy: true, stats: stats}}, config.APIConfig{})
		w := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "ok", body["status"])
		jobs := body["jobs"].([]any)
		require.Len(t, jobs, 1)
		assert.Equal(t, "teardown", jobs[0].(map[string]any)["rule"])
	})

	t.Run("StoreDown", func(t *testing.T) {
		ts := setupServer(t, Deps{Store: fakePinger{err: errors.New("database is closed")}}, config.APIConfig{})
		w := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "database is closed", decode(t, w)["store"])
	})

	t.Run("RulesPaused", func(t *testing.T) {
		ts := setupServer(t, Deps{Store: fakePinger{}, Scheduler: fakeStats{}}, config.APIConfig{})
		w := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, true, decode(t, w)["rules_paused"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{})
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRequestIDPropagated(t *testing.T) {
	ts := setupServer(t, Deps{}, config.APIConfig{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "abc-123")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get(headerRequestID))
}
