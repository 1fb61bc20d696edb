package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-admin/internal/auth"
	"sandbox-admin/internal/shared/model"
)

func newTestServer(t *testing.T, authCfg auth.Config) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t, defaultCollectors())
	srv := NewServer(f.agent, authCfg, NewMetrics("sandbox_agent_test", nil), nil)
	return f, srv.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	_, h := newTestServer(t, auth.Config{})
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_StatusAndCollectors(t *testing.T) {
	_, h := newTestServer(t, auth.Config{})

	rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st model.AgentStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, model.AgentStateIdle, st.State)
	assert.Nil(t, st.CurrentSample)
	assert.Equal(t, "agent-test", st.AgentID)
	assert.Contains(t, rec.Body.String(), `"current_sample":null`)

	rec = doJSON(t, h, http.MethodGet, "/api/collectors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Collectors []model.CollectorDescriptor `json:"collectors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Collectors, 2)
	assert.Equal(t, "sysmon", body.Collectors[0].Name)

	rec = doJSON(t, h, http.MethodGet, "/api/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"artifacts":[]}`, rec.Body.String())
}

func TestServer_ExecuteFlow(t *testing.T) {
	f, h := newTestServer(t, auth.Config{})
	name := f.stage(t, "x.exe")

	rec := doJSON(t, h, http.MethodPost, "/api/execute", ExecuteRequest{Filename: name, Timeout: 1, RunID: "run-http"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted struct {
		Accepted bool          `json:"accepted"`
		Run      model.RunInfo `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.True(t, accepted.Accepted)
	assert.Equal(t, "run-http", accepted.Run.RunID)

	// 运行中：再次执行被拒绝，清理被拒绝
	rec = doJSON(t, h, http.MethodPost, "/api/execute", ExecuteRequest{Filename: name, Timeout: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/cleanup", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.waitState(t, model.AgentStateIdle)

	rec = doJSON(t, h, http.MethodGet, "/api/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sysmon/out.txt")

	rec = doJSON(t, h, http.MethodPost, "/api/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed_runs":0,"removed_bundles":0,"was_error":false}`, rec.Body.String())
}

func TestServer_ExecuteErrors(t *testing.T) {
	_, h := newTestServer(t, auth.Config{})

	rec := doJSON(t, h, http.MethodPost, "/api/execute", ExecuteRequest{Filename: "missing.exe", Timeout: 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "sample not found")

	rec = doJSON(t, h, http.MethodPost, "/api/execute", ExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/execute", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_CollectEmptyBody(t *testing.T) {
	f, h := newTestServer(t, auth.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/collect", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	st := f.waitState(t, model.AgentStateIdle)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, model.RunModeCollect, st.LastRun.Mode)
}

func TestServer_Shutdown(t *testing.T) {
	f, h := newTestServer(t, auth.Config{})

	rec := doJSON(t, h, http.MethodPost, "/api/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-f.agent.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down")
	}
	rec = doJSON(t, h, http.MethodPost, "/api/collect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Auth(t *testing.T) {
	cfg := auth.Config{Secret: "s3cret", TokenTTL: time.Minute}
	_, h := newTestServer(t, cfg)

	rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	token, err := auth.GenerateToken(cfg, "orchestrator", "orchestrator")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
