package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/ufanet/internal/config"
)

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/auth_by_contract/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"access":"tok"}`)
	})
	mux.HandleFunc("GET /api/v0/skud/shared/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"id":7,"string_view":"Door","is_fav":true}]`)
	})
	mux.HandleFunc("GET /api/v1/cctv", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("GET /api/v0/contract", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":1,"title":"100","balance":12}`)
	})
	mux.HandleFunc("GET /api/v0/skud/shared/7/open/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"result":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, apiBase, password string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := fmt.Sprintf("ufanet:\n  api_base: %s\n  contract: \"100\"\n  password: %s\n  request_timeout: 2s\nlog:\n  level: error\n", apiBase, password)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	assert.Equal(t, "ufanetd", cmd.Use)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "check", "open", "snapshot"}, names)
}

func TestCheck(t *testing.T) {
	srv := fakeBackend(t)

	out, err := execute(t, "check", "--config", writeConfig(t, srv.URL, "secret"))
	require.NoError(t, err)
	assert.Contains(t, out, "credentials ok for contract 100")

	_, err = execute(t, "check", "--config", writeConfig(t, srv.URL, "wrong"))
	assert.ErrorIs(t, err, errInvalidCredentials)
}

func TestOpen(t *testing.T) {
	srv := fakeBackend(t)
	cfgPath := writeConfig(t, srv.URL, "secret")

	out, err := execute(t, "open", "7", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "intercom 7 opened")

	_, err = execute(t, "open", "zero", "--config", cfgPath)
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	srv := fakeBackend(t)

	out, err := execute(t, "snapshot", "--config", writeConfig(t, srv.URL, "secret"))
	require.NoError(t, err)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.NotEmpty(t, snap["cycle_id"])
	assert.Len(t, snap["intercoms"], 1)
	assert.Equal(t, 12.0, snap["contract"].(map[string]interface{})["balance"])
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ufanet.contract is required")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])

	_, err = newLogger(config.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = newLogger(config.LogConfig{Level: "info", Format: "xml"}, &buf)
	assert.Error(t, err)
}
