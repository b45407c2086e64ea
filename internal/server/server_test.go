package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/config"
	"github.com/reedfamily/mcctl/internal/db"
)

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	workDir := t.TempDir()
	dataDir := filepath.Join(workDir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "server.properties"), []byte("motd=test\n"), 0644))
	port := closedPort(t)
	return &config.Config{
		ServerHost:     "127.0.0.1",
		PublicHost:     "play.example.com",
		GamePort:       port,
		QueryPort:      port,
		RCONPort:       closedPort(t),
		RCONTimeout:    time.Second,
		QueryTimeout:   200 * time.Millisecond,
		WorkingDir:     workDir,
		ExecCommand:    "sleep 30",
		StopTimeout:    time.Second,
		Runtime:        "exec",
		DataDir:        dataDir,
		DatabasePath:   filepath.Join(dataDir, "mcctl.db"),
		StatusInterval: time.Hour,
		LogLevel:       "debug",
		CORSOrigins:    []string{"http://localhost:5173"},
	}
}

func openDB(t *testing.T, cfg *config.Config) *sql.DB {
	t.Helper()
	conn, err := db.Open(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	return conn
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	// The exit watcher logs after the test body returns, so no zaptest here.
	srv, err := New(context.Background(), cfg, openDB(t, cfg), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestServerLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	rec, body := do(t, srv, http.MethodGet, "/api/v1/server", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["process"].(map[string]any)["running"])
	require.Equal(t, false, body["status"].(map[string]any)["online"])

	rec, body = do(t, srv, http.MethodPost, "/api/v1/server/exec", map[string]string{"command": "list"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "Server is not online", body["message"])

	rec, body = do(t, srv, http.MethodPost, "/api/v1/server/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "Server starting up...", body["message"])

	rec, body = do(t, srv, http.MethodPost, "/api/v1/server/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Server already started!", body["message"])

	// RCON is refused, so the stop command fails and the process is killed.
	rec, body = do(t, srv, http.MethodPost, "/api/v1/server/exec", map[string]string{"command": "list"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "Server refused rcon, is rcon enabled?", body["message"])

	rec, body = do(t, srv, http.MethodPost, "/api/v1/server/stop?grace=100ms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["forced"])
	require.Equal(t, "Stopping server...\nServer took too long to stop, force killing...\nServer stopped", body["message"])
	require.NotEmpty(t, body["graceful_error"])

	rec, body = do(t, srv, http.MethodPost, "/api/v1/server/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "not_running", body["outcome"])

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/server/stop?grace=soon", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/events?limit=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	require.Subset(t, kinds, []string{"start", "forced_kill", "stop"})
}

func TestJoinPlayersAndSchedules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules = "0 4 * * *=restart;@every 6h=backup"
	srv := newTestServer(t, cfg)

	rec, body := do(t, srv, http.MethodGet, "/api/v1/server/join", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, body["message"], "`play.example.com:")

	rec, body = do(t, srv, http.MethodGet, "/api/v1/server/players", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "Server is not online", body["message"])

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schedules []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schedules))
	require.Len(t, schedules, 2)
	require.Equal(t, "restart", schedules[0]["action"])
}

func TestInvalidSchedules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules = "@daily=reboot"
	_, err := New(context.Background(), cfg, openDB(t, cfg), zap.NewNop())
	require.ErrorContains(t, err, "MC_SCHEDULES")
}

func TestBackupsOverHTTP(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	rec, body := do(t, srv, http.MethodPost, "/api/v1/backups", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := body["id"].(string)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/backups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/backups/"+id+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/backups/"+id+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodDelete, "/api/v1/backups/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodDelete, "/api/v1/backups/"+id, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoints(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	rec, _ := do(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/stats/history?period=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	srv.StartBackground()
	require.Eventually(t, func() bool {
		rec, _ := do(t, srv, http.MethodGet, "/api/v1/stats", nil)
		return rec.Code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	rec, _ = do(t, srv, http.MethodGet, "/api/v1/stats/history?period=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	require.Len(t, samples, 1)
	require.Equal(t, false, samples[0]["online"])
	require.Contains(t, samples[0], "latency_ms")
	require.NotContains(t, samples[0], "latency")
}
