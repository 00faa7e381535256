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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/coordinator"
	"execution-core/internal/events"
	"execution-core/internal/management"
	"execution-core/internal/trading"
	"execution-core/pkg/db"
)

const testSecret = "test-secret"

type fakeAccounts struct {
	statuses map[string]coordinator.AccountStatus
	forced   map[string]bool
}

func (f *fakeAccounts) GetAllAccountsStatus() map[string]coordinator.AccountStatus {
	out := make(map[string]coordinator.AccountStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakeAccounts) AccountStatus(id string) (coordinator.AccountStatus, error) {
	for k, st := range f.statuses {
		if k == id || st.AccountID == id {
			return st, nil
		}
	}
	return coordinator.AccountStatus{}, coordinator.ErrUnknownAccount
}

func (f *fakeAccounts) SetForcedUnwind(id string, on bool) error {
	if _, err := f.AccountStatus(id); err != nil {
		return err
	}
	f.forced[id] = on
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeAccounts, *db.Database) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	accounts := &fakeAccounts{
		statuses: map[string]coordinator.AccountStatus{
			"alice@paper": {Status: trading.Status{
				AccountID: "alice", Exchange: "paper", State: management.StateDrain,
				PositionCount: 4, PositionsOverCap: 1, HealthScore: 90, Running: true,
			}},
		},
		forced: make(map[string]bool),
	}
	s := NewServer(accounts, database, events.NewBus(), SystemMeta{Version: "test", StartedAt: time.Now()}, testSecret, nil)
	return s, accounts, database
}

func do(t *testing.T, s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func token(t *testing.T) string {
	t.Helper()
	tok, err := GenerateToken("ops", testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHealthAndRequestID(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["accounts"])
	assert.EqualValues(t, 1, body["running"])
}

func TestAccountStatusSnapshot(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/accounts/alice", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "DRAIN", st["state"])
	assert.EqualValues(t, 4, st["position_count"])
	assert.EqualValues(t, 1, st["positions_over_cap"])
	assert.EqualValues(t, 90, st["health_score"])
	assert.Contains(t, st, "balance")

	w = do(t, s, http.MethodGet, "/api/accounts", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"key":"alice@paper"`)

	w = do(t, s, http.MethodGet, "/api/accounts/nobody", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForcedUnwindRequiresToken(t *testing.T) {
	s, accounts, _ := newTestServer(t)

	w := do(t, s, http.MethodPut, "/api/accounts/alice/forced-unwind", `{"enabled":true}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := GenerateToken("ops", "other-secret", time.Hour)
	require.NoError(t, err)
	w = do(t, s, http.MethodPut, "/api/accounts/alice/forced-unwind", `{"enabled":true}`, other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, accounts.forced)

	w = do(t, s, http.MethodPut, "/api/accounts/alice/forced-unwind", `{"enabled":true}`, token(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, accounts.forced["alice"])

	w = do(t, s, http.MethodPut, "/api/accounts/alice/forced-unwind", `{}`, token(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPut, "/api/accounts/nobody/forced-unwind", `{"enabled":false}`, token(t))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditEndpoints(t *testing.T) {
	s, _, database := newTestServer(t)
	_, err := database.InsertOrderAudit(context.Background(), db.OrderAudit{
		AccountID: "alice", Exchange: "paper", Symbol: "BTCUSDT", Side: "BUY", Status: "FILLED", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	w := do(t, s, http.MethodGet, "/api/accounts/alice/orders?limit=10", "", token(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BTCUSDT")

	w = do(t, s, http.MethodGet, "/api/accounts/alice/orders?limit=-1", "", token(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/accounts/alice/transitions", "", token(t))
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodGet, "/api/accounts/alice/reconciliations", "", token(t))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(0.001, 2)
	assert.Same(t, l.get("1.2.3.4"), l.get("1.2.3.4"))
	assert.True(t, l.get("1.2.3.4").Allow())
	assert.True(t, l.get("1.2.3.4").Allow())
	assert.False(t, l.get("1.2.3.4").Allow())
	assert.True(t, l.get("5.6.7.8").Allow())
}

func TestGenerateTokenNeedsSecret(t *testing.T) {
	_, err := GenerateToken("ops", "", time.Hour)
	require.Error(t, err)

	expired, err := GenerateToken("ops", testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = parseToken(expired, testSecret)
	require.Error(t, err)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?account=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the server subscribes after the handshake; publish until one lands
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				s.Bus.Emit(events.EventStateTransition, "bob", "paper", "ignored")
				s.Bus.Emit(events.EventStateTransition, "alice", "paper", "DRAIN")
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "alice", env.Account)
	assert.Equal(t, events.EventStateTransition, env.Topic)
}
