package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func fakeDaemon(t *testing.T, record *[]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer env-token" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		*record = append(*record, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/api/v1/tools":
			var call map[string]any
			_ = json.NewDecoder(r.Body).Decode(&call)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "c1", "tool": call["name"], "status": "approved", "detail": "ok", "data": call["args"]})
		case "/api/v1/usage":
			_ = json.NewEncoder(w).Encode(map[string]any{"solana": map[string]string{"limit": "0.1", "remaining": "0.1"}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"session_id": "s1", "state": "active"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenComesFromEnvironment(t *testing.T) {
	var calls []string
	srv := fakeDaemon(t, &calls)
	t.Setenv("AGENTPAY_SERVER", srv.URL)
	t.Setenv("AGENTPAY_TOKEN", "env-token")

	out, err := executeCLI(t, "usage")
	require.NoError(t, err)
	assert.Contains(t, out, `"remaining": "0.1"`)
	assert.Equal(t, []string{"GET /api/v1/usage"}, calls)
}

func TestToolCallParsesArgs(t *testing.T) {
	var calls []string
	srv := fakeDaemon(t, &calls)

	out, err := executeCLI(t, "--server", srv.URL, "--token", "env-token",
		"tool", "call", "transferSOL", "--arg", "to=merchant", "--arg", "amount=0.05")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "approved"`)
	assert.Contains(t, out, `"amount": "0.05"`)
	assert.Equal(t, []string{"POST /api/v1/tools"}, calls)
}

func TestSessionCommands(t *testing.T) {
	var calls []string
	srv := fakeDaemon(t, &calls)
	base := []string{"--server", srv.URL, "--token", "env-token", "session"}

	_, err := executeCLI(t, append(base, "start")...)
	require.NoError(t, err)
	_, err = executeCLI(t, append(base, "fund", "eth", "0.01")...)
	require.NoError(t, err)
	_, err = executeCLI(t, append(base, "reconcile", "eth", "0xabc")...)
	require.NoError(t, err)
	_, err = executeCLI(t, append(base, "revoke")...)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/v1/session",
		"POST /api/v1/session/fund",
		"POST /api/v1/session/reconcile",
		"POST /api/v1/session/revoke",
	}, calls)
}

func TestErrors(t *testing.T) {
	t.Setenv("AGENTPAY_TOKEN", "")
	_, err := executeCLI(t, "balances")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api token is required")

	_, err = executeCLI(t, "--token", "x", "tool", "call", "transferSOL", "--arg", "novalue")
	require.Error(t, err)

	_, err = executeCLI(t, "--token", "x", "session", "fund", "sol", "abc")
	require.Error(t, err)
}
