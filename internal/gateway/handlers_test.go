package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/orchestrator"
	"github.com/kynetic/kynetic/internal/session"
)

type fakeStatus struct {
	state      orchestrator.State
	agentState string
	inFlight   int64
	sessions   []session.Info
}

func (f *fakeStatus) State() orchestrator.State { return f.state }

func (f *fakeStatus) AgentState() string { return f.agentState }

func (f *fakeStatus) InFlight() int64 { return f.inFlight }

func (f *fakeStatus) Sessions() []session.Info { return f.sessions }

func serve(t *testing.T, status Status, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	router := NewRouter(status, logger.NewNop())
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(recorder, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return recorder, body
}

func TestHealthzHealthy(t *testing.T) {
	recorder, body := serve(t, &fakeStatus{agentState: "healthy"}, "/healthz")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "healthy", body["agent"])
}

func TestHealthzUnhealthy(t *testing.T) {
	recorder, body := serve(t, &fakeStatus{agentState: "unhealthy"}, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "unhealthy", body["agent"])
}

func TestStatus(t *testing.T) {
	status := &fakeStatus{
		state:      orchestrator.StateRunning,
		agentState: "healthy",
		inFlight:   2,
		sessions:   []session.Info{{SessionKey: "k1"}},
	}
	recorder, body := serve(t, status, "/status")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(2), body["in_flight"])
	assert.Equal(t, float64(1), body["sessions"])
}

func TestListSessions(t *testing.T) {
	status := &fakeStatus{
		sessions: []session.Info{
			{SessionKey: "kyn:discord:channel:c1", ACPSessionID: "acp-1"},
		},
	}
	recorder, body := serve(t, status, "/sessions")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(1), body["count"])

	sessions := body["sessions"].([]any)
	first := sessions[0].(map[string]any)
	assert.Equal(t, "kyn:discord:channel:c1", first["session_key"])
	assert.Equal(t, "acp-1", first["acp_session_id"])
}

func TestUnknownRouteIs404(t *testing.T) {
	router := NewRouter(&fakeStatus{}, logger.NewNop())
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
