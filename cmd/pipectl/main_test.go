package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	api "github.com/zfett/vpipe/internal/api/http"
	"github.com/zfett/vpipe/internal/client"
	"github.com/zfett/vpipe/internal/hw/sim"
	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

const wallProfile = `name: wall
start: [trigger, display]
pipelines:
  - path: 0
    in_width: 1280
    in_height: 720
    sync_group: wall
  - path: 1
    in_width: 1280
    in_height: 720
    sync_group: wall
`

func daemon(t *testing.T) (*client.Client, *controller.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus(64, nil)
	mgr := controller.NewManager(sim.NewDevice(), zap.NewNop(),
		controller.WithControllerOptions(
			controller.WithPublisher(bus),
			controller.WithMonitorSettings(controller.MonitorSettings{
				SOFTimeout:   20 * time.Millisecond,
				MissEscalate: 1000,
			})))
	r := gin.New()
	api.NewHandlers(mgr, bus, zap.NewNop()).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Shutdown(context.Background())
		bus.Close()
	})
	return client.New(srv.URL, 5*time.Second), mgr
}

func TestRunCommands(t *testing.T) {
	c, mgr := daemon(t)
	ctx := context.Background()
	var out bytes.Buffer

	require.NoError(t, run(ctx, c, []string{"init", "2", "-in-width", "640", "-in-height", "480", "-buffers", "2"}, &out))
	assert.Contains(t, out.String(), `"in_width": 640`)

	out.Reset()
	require.NoError(t, run(ctx, c, []string{"trigger", "2"}, &out))
	assert.Equal(t, "path 2: triggered\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, c, []string{"attach", "2", "0x1000"}, &out))
	assert.Equal(t, "attached buffer 2\n", out.String())

	require.NoError(t, run(ctx, c, []string{"consume", "2", "0"}, &out))

	ctl, ok := mgr.Get(2)
	require.True(t, ok)
	assert.Equal(t, controller.StateTriggered, ctl.State())
}

func TestRunReconfigure(t *testing.T) {
	c, _ := daemon(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, run(ctx, c, []string{"reconfigure", "0", "-in-width", "2560"}, &out))

	require.NoError(t, run(ctx, c, []string{"init", "0", "-out-width", "1920", "-out-height", "1080"}, &out))
	out.Reset()
	require.NoError(t, run(ctx, c, []string{"reconfigure", "0", "-in-width", "2560", "-in-height", "1440"}, &out))
	assert.Equal(t, "path 0: reconfigure submitted\n", out.String())

	err := run(ctx, c, []string{"reconfigure", "0", "-bogus"}, &out)
	assert.ErrorIs(t, err, errUsage)
}

func TestRunApply(t *testing.T) {
	c, mgr := daemon(t)
	file := filepath.Join(t.TempDir(), "wall.yaml")
	require.NoError(t, os.WriteFile(file, []byte(wallProfile), 0o644))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), c, []string{"apply", file}, &out))
	assert.Equal(t, "wall: path 0 displaying\nwall: path 1 displaying\n", out.String())
	assert.Len(t, mgr.List(), 2)
}

func TestRunExportToFile(t *testing.T) {
	c, _ := daemon(t)
	ctx := context.Background()
	var out bytes.Buffer
	for _, args := range [][]string{{"init", "0"}, {"trigger", "0"}, {"display", "0"}} {
		require.NoError(t, run(ctx, c, args, &out))
	}

	file := filepath.Join(t.TempDir(), "events.ndjson")
	out.Reset()
	require.NoError(t, run(ctx, c, []string{"export", "-path", "0", "-o", file}, &out))
	assert.Contains(t, out.String(), "events to "+file)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestRunUsage(t *testing.T) {
	c, _ := daemon(t)
	ctx := context.Background()

	for _, args := range [][]string{
		nil,
		{"warp", "0"},
		{"get"},
		{"get", "zero"},
		{"attach", "0"},
		{"inject", "0"},
	} {
		assert.ErrorIs(t, run(ctx, c, args, &bytes.Buffer{}), errUsage, "%v", args)
	}

	var apiErr *client.APIError
	assert.ErrorAs(t, run(ctx, c, []string{"pause", "3"}, &bytes.Buffer{}), &apiErr)
}
