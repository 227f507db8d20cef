//go:build !windows

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/provider"
	"github.com/elementalhq/elemental/internal/session"
	"github.com/elementalhq/elemental/internal/session/manager"
	"github.com/elementalhq/elemental/internal/session/spawner"
	"github.com/elementalhq/elemental/internal/store"
)

const scriptedAgent = `read line
sleep 0.2
printf '{"type":"system","subtype":"init","session_id":"u-1"}\n'
while read msg; do
  printf '{"type":"assistant","message":"ok"}\n'
done
`

func newTestRouter(t *testing.T) (*gin.Engine, *manager.Manager) {
	t.Helper()
	dir := t.TempDir()

	scriptPath := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+scriptedAgent), 0o755))
	regPath := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(regPath,
		[]byte("providers:\n  mock:\n    binary: "+scriptPath+"\n"), 0o644))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	reg, err := provider.NewRegistry(config.ProviderConfig{Default: "mock", RegistryPath: regPath})
	require.NoError(t, err)

	sp := spawner.New(config.SpawnerConfig{
		InitTimeout:         120,
		GracefulStopTimeout: 1,
		SubscriberBuffer:    64,
	}, reg, dir, log)

	mgr := manager.New(sp, store.NewMemoryStore(), nil, log)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(mgr, nil, log).SetupRoutes(router)
	return router, mgr
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartMessageStopFlow(t *testing.T) {
	router, mgr := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/agents/agent-1/start", StartRequest{
		InitialPrompt: "hi",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.SessionID)

	// Message while starting is buffered, not rejected.
	rec = doJSON(t, router, http.MethodPost, "/agents/agent-1/message", MessageRequest{
		Content: "queued",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := mgr.WaitReady(waitCtx, started.SessionID)
	require.NoError(t, err)

	rec = doJSON(t, router, http.MethodGet, "/sessions/"+started.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, session.StatusRunning, sess.Status)
	assert.Equal(t, "u-1", sess.UpstreamSessionID)

	rec = doJSON(t, router, http.MethodPost, "/agents/agent-1/stop", StopRequest{})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := mgr.Get(started.SessionID)
		require.NoError(t, err)
		if cur.Status == session.StatusTerminated {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = doJSON(t, router, http.MethodPost, "/agents/agent-1/stop", StopRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code, "no live session left to stop")
}

func TestMessageValidation(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/agents/agent-1/message", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageWithoutSession(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/agents/ghost/message", MessageRequest{Content: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollNowWithoutDaemon(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/dispatch/poll-now", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListSessions(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/agents/agent-1/start", StartRequest{InitialPrompt: "hi"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = doJSON(t, router, http.MethodGet, "/agents/agent-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
