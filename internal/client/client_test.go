package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	api "github.com/zfett/vpipe/internal/api/http"
	"github.com/zfett/vpipe/internal/hw/sim"
	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/events"
)

type faults struct{ underflows, overruns []int }

func (f *faults) InjectUnderflow(path int) { f.underflows = append(f.underflows, path) }
func (f *faults) InjectOverrun(path int)   { f.overruns = append(f.overruns, path) }

func serve(t *testing.T) (*Client, *faults) {
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
	inj := &faults{}

	r := gin.New()
	api.NewHandlers(mgr, bus, zap.NewNop(), api.WithInjector(inj)).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Shutdown(context.Background())
		bus.Close()
	})
	return New(srv.URL, 5*time.Second), inj
}

func hd(path int) controller.Config {
	return controller.Config{Path: path, InWidth: 1920, InHeight: 1080, BufferCount: 3}
}

func TestLifecycle(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	info, err := c.Init(ctx, hd(1))
	require.NoError(t, err)
	assert.Equal(t, 1, info.Path)
	assert.Equal(t, controller.StateInit, info.State)

	state, err := c.Command(ctx, 1, controller.CmdTrigger)
	require.NoError(t, err)
	assert.Equal(t, controller.StateTriggered, state)

	state, err = c.Command(ctx, 1, controller.CmdDisplay)
	require.NoError(t, err)
	assert.Equal(t, controller.StateDisplaying, state)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, controller.StateDisplaying, list[0].State)

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1920, got.Config.InWidth)

	_, err = c.Stats(ctx, 1)
	require.NoError(t, err)

	state, err = c.Command(ctx, 1, controller.CmdDeinit)
	require.NoError(t, err)
	assert.Equal(t, controller.StateDeinitialized, state)
}

func TestAPIError(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	_, err := c.Get(ctx, 2)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "unknown display path")

	_, err = c.Init(ctx, hd(0))
	require.NoError(t, err)
	_, err = c.Command(ctx, 0, controller.CmdResume)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	_, err = c.Command(ctx, 0, controller.CmdInit)
	assert.ErrorIs(t, err, controller.ErrInvalidConfig)
}

func TestReconfigure(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	_, err := c.Init(ctx, hd(0))
	require.NoError(t, err)

	cfg := hd(0)
	cfg.InWidth, cfg.InHeight = 2560, 1440
	cfg.OutWidth, cfg.OutHeight = 1920, 1080
	require.NoError(t, c.Reconfigure(ctx, cfg))

	var apiErr *APIError
	require.ErrorAs(t, c.Reconfigure(ctx, cfg), &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)

	got, err := c.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1920, got.Config.InWidth)
}

func TestBuffers(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	_, err := c.Init(ctx, hd(0))
	require.NoError(t, err)

	bufs, err := c.Buffers(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, bufs, 3)

	id, err := c.Attach(ctx, 0, 0xdead0000)
	require.NoError(t, err)
	assert.Equal(t, bufs[len(bufs)-1].ID+1, id)

	require.NoError(t, c.Detach(ctx, 0, bufs[0].ID))
	require.NoError(t, c.HandToConsumer(ctx, 0, bufs[1].ID))
}

func TestExport(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	_, err := c.Init(ctx, hd(0))
	require.NoError(t, err)
	_, err = c.Command(ctx, 0, controller.CmdTrigger)
	require.NoError(t, err)
	_, err = c.Command(ctx, 0, controller.CmdDisplay)
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := c.Export(ctx, 0, &out)
	require.NoError(t, err)
	require.Positive(t, n)

	lines := 0
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		ev, err := events.Decode(sc.Bytes())
		require.NoError(t, err)
		assert.Equal(t, 0, ev.Path)
		lines++
	}
	assert.Equal(t, n, lines)

	out.Reset()
	n, err = c.Export(ctx, 3, &out)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInject(t *testing.T) {
	c, inj := serve(t)
	ctx := context.Background()

	for _, p := range []int{1, 2} {
		_, err := c.Init(ctx, hd(p))
		require.NoError(t, err)
	}
	require.NoError(t, c.Inject(ctx, 2, "underflow"))
	require.NoError(t, c.Inject(ctx, 1, "overrun"))
	assert.Equal(t, []int{2}, inj.underflows)
	assert.Equal(t, []int{1}, inj.overruns)

	var apiErr *APIError
	err := c.Inject(ctx, 0, "underflow")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	err = c.Inject(ctx, 1, "meltdown")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Len(t, inj.underflows, 1)
}
