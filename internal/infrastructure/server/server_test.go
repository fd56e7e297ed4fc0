package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/infrastructure/config"
	"github.com/zfett/vpipe/internal/pipeline/controller"
)

const profile = `
name: desk
start: [trigger, display]
pipelines:
  - path: 0
    in_width: 1920
    in_height: 1080
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.GRPCPort = "0"
	cfg.Monitor.SOFTimeout = 20 * time.Millisecond
	cfg.Monitor.MissEscalate = 1000
	cfg.Pipeline.BufferCount = 5

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "desk.yaml"), []byte(profile), 0o644))
	cfg.Pipeline.ProfileDir = dir
	return cfg
}

func newServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestApplyProfiles(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.ApplyProfiles(context.Background()))

	ctl, ok := s.Manager().Get(0)
	require.True(t, ok)
	assert.Equal(t, controller.StateDisplaying, ctl.State())

	info := ctl.Info()
	require.NotNil(t, info.Config)
	assert.Equal(t, 5, info.Config.BufferCount)
	assert.True(t, info.Config.AutoRecover)
}

func TestRoutes(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.ApplyProfiles(context.Background()))

	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
	assert.Equal(t, http.StatusOK, get(s, "/pipelines/0").Code)

	w := get(s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vpipe_controller_state")
	assert.Contains(t, w.Body.String(), "go_goroutines")

	req := httptest.NewRequest(http.MethodPost, "/sim/0/underflow", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNoDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Simulate = false
	_, err := New(cfg, WithLogger(zap.NewNop()))
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(testConfig(t), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := s.Manager().Get(0)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, s.Manager().List())
}
