package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalhq/elemental/internal/common/errors"
)

func newFakeServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClientDecodesAppError(t *testing.T) {
	client := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"session with id 'x' not found","http_status":404}`))
	})

	err := client.Get(context.Background(), "/sessions/x", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, errors.ExitNotFound, errors.ExitCode(err))
}

func TestClientHandlesNonJSONError(t *testing.T) {
	client := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	err := client.Get(context.Background(), "/health", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ExitGeneral, errors.ExitCode(err))
	assert.Contains(t, err.Error(), "502")
}

func TestClientDecodesSuccessBody(t *testing.T) {
	client := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/agents/a1/start", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"session_id":"s1","status":"starting"}`))
	})

	var out map[string]any
	require.NoError(t, client.Post(context.Background(), "/agents/a1/start", map[string]any{}, &out))
	assert.Equal(t, "s1", out["session_id"])
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	assert.Equal(t, errors.ExitInvalidArgs, run([]string{"frobnicate"}))
}

func TestRunRequiresCommand(t *testing.T) {
	assert.Equal(t, errors.ExitInvalidArgs, run(nil))
}

func TestRunHelp(t *testing.T) {
	assert.Equal(t, errors.ExitOK, run([]string{"help"}))
}
