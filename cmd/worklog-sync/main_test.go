package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mto-ops/worklog-sync/pkg/config"
	"github.com/mto-ops/worklog-sync/pkg/ha"
	"github.com/mto-ops/worklog-sync/pkg/monday"
	"github.com/mto-ops/worklog-sync/pkg/monday/mondaytest"
)

const testBoard = int64(3874058084)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func warehouseArgs(path string) []string {
	return []string{"--env-file", "", "--warehouse-type", "sqlite", "--sqlite-path", path}
}

func TestSyncThenWatermark(t *testing.T) {
	srv := mondaytest.NewServer(testBoard, "cli-token")
	t.Cleanup(srv.Close)
	srv.Put(mondaytest.Item{
		ID: 42, Name: "Job A", UpdatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Values: map[string]*string{"color56": mondaytest.Text("Delivered")},
	})

	t.Setenv("MONDAY_API_KEY", "cli-token")
	t.Setenv("SYNC_REQUEST_DELAY", "0s")
	t.Setenv("SYNC_MAX_RETRIES", "0")
	db := filepath.Join(t.TempDir(), "wh.db")

	args := append([]string{"sync", "--api-url", srv.URL, "--board-id", strconv.FormatInt(testBoard, 10)}, warehouseArgs(db)...)
	_, err := execute(t, args...)
	require.NoError(t, err)

	out, err := execute(t, append([]string{"watermark"}, warehouseArgs(db)...)...)
	require.NoError(t, err)
	var wm map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &wm))
	assert.Equal(t, "2024-01-02T00:00:00Z", wm["watermark"])
	assert.Equal(t, float64(1), wm["indexedItems"])
	assert.Equal(t, float64(0), wm["pendingItems"])

	out, err = execute(t, append([]string{"runs", "--state", "committed", "-o", "json"}, warehouseArgs(db)...)...)
	require.NoError(t, err)
	var listed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Equal(t, float64(1), listed["totalSize"])
}

func TestSyncTransportFailureExitsWithError(t *testing.T) {
	srv := mondaytest.NewServer(testBoard, "cli-token")
	t.Cleanup(srv.Close)
	srv.Inject(mondaytest.Fault{Kind: mondaytest.KindColumns, Status: http.StatusInternalServerError})

	t.Setenv("MONDAY_API_KEY", "cli-token")
	t.Setenv("SYNC_REQUEST_DELAY", "0s")
	t.Setenv("SYNC_MAX_RETRIES", "0")
	db := filepath.Join(t.TempDir(), "wh.db")

	_, err := execute(t, append([]string{"sync", "--api-url", srv.URL}, warehouseArgs(db)...)...)
	require.Error(t, err)
	var te *monday.TransportError
	assert.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "transport error")
}

func TestSyncWithoutTokenIsConfigurationError(t *testing.T) {
	t.Setenv("MONDAY_API_KEY", "")
	t.Setenv("MONDAY_API_TOKEN", "")
	db := filepath.Join(t.TempDir(), "wh.db")

	_, err := execute(t, append([]string{"sync"}, warehouseArgs(db)...)...)
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "MONDAY_API_KEY")
}

func TestSeedNeedsNoToken(t *testing.T) {
	t.Setenv("MONDAY_API_KEY", "")
	t.Setenv("MONDAY_API_TOKEN", "")
	db := filepath.Join(t.TempDir(), "wh.db")

	_, err := execute(t, append([]string{"seed"}, warehouseArgs(db)...)...)
	require.NoError(t, err)

	out, err := execute(t, append([]string{"runs", "-o", "yaml"}, warehouseArgs(db)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "totalSize: 1")
}

func TestUnknownOutputFormat(t *testing.T) {
	db := filepath.Join(t.TempDir(), "wh.db")
	_, err := execute(t, append([]string{"watermark", "-o", "table"}, warehouseArgs(db)...)...)
	assert.ErrorContains(t, err, "unknown output format")
}

func TestHealthcheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ok.Close)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	_, err := execute(t, "healthcheck", ok.URL)
	assert.NoError(t, err)

	_, err = execute(t, "healthcheck", down.URL)
	assert.ErrorContains(t, err, "status 503")
}

func TestLockSkipIsSuccess(t *testing.T) {
	assert.NoError(t, lockSkipIsSuccess(nil))
	assert.NoError(t, lockSkipIsSuccess(ha.ErrLockHeld))

	err := lockSkipIsSuccess(&monday.TransportError{Op: "items"})
	var te *monday.TransportError
	assert.ErrorAs(t, err, &te)

	err = lockSkipIsSuccess(errors.New("boom"))
	assert.EqualError(t, err, "other error: boom")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	_, _, err = newLogger(config.LogConfig{Level: "loud"}, &buf)
	var cfgErr *config.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, _, err = newLogger(config.LogConfig{Level: "info", Format: "xml"}, &buf)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{Level: "info", Format: "text", File: path, MaxSizeMB: 1, MaxBackups: 1}, &buf)
	require.NoError(t, err)

	logger.Info("to both")
	require.NoError(t, closer.Close())
	assert.Contains(t, buf.String(), "to both")
	assert.FileExists(t, path)
}
