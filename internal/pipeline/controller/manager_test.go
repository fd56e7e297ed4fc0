package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/hw/sim"
	"github.com/zfett/vpipe/internal/infrastructure/tracing"
	"github.com/zfett/vpipe/internal/pipeline/topology"
	"github.com/zfett/vpipe/internal/pipeline/trigger"
)

func newManager(t *testing.T) (*Manager, *sim.Device) {
	t.Helper()
	dev := sim.NewDevice()
	tracer := tracing.New("test", zap.NewNop())
	m := NewManager(dev, zap.NewNop(),
		WithTracer(tracer),
		WithControllerOptions(WithMonitorSettings(MonitorSettings{
			SOFTimeout:   20 * time.Millisecond,
			MissEscalate: 1000,
		})))
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		tracer.Close()
	})
	return m, dev
}

func TestManagerLifecycle(t *testing.T) {
	m, dev := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, hd(1)))
	require.NoError(t, m.Init(ctx, hd(0)))

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, 0, infos[0].Path)
	assert.Equal(t, 1, infos[1].Path)
	assert.Equal(t, StateInit, infos[1].State)
	assert.Equal(t, "chain", infos[1].Split)
	assert.Contains(t, infos[1].Stages, "wdma4")

	require.NoError(t, m.Execute(ctx, 1, CmdTrigger))
	require.NoError(t, m.Execute(ctx, 1, CmdDisplay))
	c, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, StateDisplaying, c.State())

	require.NoError(t, m.Deinit(ctx, 1))
	_, ok = m.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 1, dev.Recorder().Count("sink1", "mute"))

	assert.ErrorIs(t, m.Execute(ctx, 1, CmdTrigger), ErrUnknownPath)
}

func TestManagerRejects(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Init(ctx, hd(4)), topology.ErrInvalidPath)
	assert.ErrorIs(t, m.Execute(ctx, 0, CmdInit), ErrInvalidConfig)
	assert.ErrorIs(t, m.Execute(ctx, 2, CmdPause), ErrUnknownPath)

	require.NoError(t, m.Init(ctx, hd(0)))
	assert.Error(t, m.Execute(ctx, 0, Command("warp")))
	assert.ErrorIs(t, m.Execute(ctx, 0, CmdResume), ErrInvalidTransition)
}

func TestManagerSyncGroup(t *testing.T) {
	m, dev := newManager(t)
	ctx := context.Background()
	rec := dev.Recorder()

	for _, p := range []int{0, 1} {
		cfg := hd(p)
		cfg.SyncGroup = "wall"
		require.NoError(t, m.Init(ctx, cfg))
	}
	assert.Equal(t, 2, m.Pool().Users("wall"))
	assert.Equal(t, 1, rec.CountPrefix("mutex", "acquire"))

	require.NoError(t, m.Execute(ctx, 0, CmdTrigger))
	require.NoError(t, m.Execute(ctx, 1, CmdTrigger))
	assert.Equal(t, 1, rec.Count("mutex0", "enable"))

	require.NoError(t, m.Deinit(ctx, 0))
	assert.Equal(t, 1, m.Pool().Users("wall"))
	assert.Zero(t, rec.Count("mutex0", "disable"))
	assert.Zero(t, rec.Count("mutex0", "release"))
	assert.True(t, dev.SimSync(0).Enabled())

	require.NoError(t, m.Deinit(ctx, 1))
	assert.Zero(t, m.Pool().Users("wall"))
	assert.Equal(t, 1, rec.Count("mutex0", "disable"))
	assert.Equal(t, 1, rec.Count("mutex0", "release"))
	assert.Zero(t, dev.MemberCount())
}

func TestManagerSyncGroupModesAgree(t *testing.T) {
	m, dev := newManager(t)
	ctx := context.Background()
	rec := dev.Recorder()

	single := hd(0)
	single.SyncGroup = "wall"
	single.Mode = "single"
	require.NoError(t, m.Init(ctx, single))
	assert.Equal(t, hw.SOFExternal, dev.SimSync(0).Source())
	selects := rec.Count("mutex0", "select_sof_source")

	continuous := hd(1)
	continuous.SyncGroup = "wall"
	continuous.Mode = "continuous"
	assert.ErrorIs(t, m.Init(ctx, continuous), ErrInvalidConfig)

	pattern := hd(1)
	pattern.SyncGroup = "wall"
	pattern.Input = InputPattern
	assert.ErrorIs(t, m.Init(ctx, pattern), ErrInvalidConfig)

	assert.Equal(t, hw.SOFExternal, dev.SimSync(0).Source())
	assert.Equal(t, selects, rec.Count("mutex0", "select_sof_source"))
	assert.Equal(t, 1, m.Pool().Users("wall"))
	assert.Zero(t, rec.Count("wdma4", "power_on"))

	c, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, StateUninitialized, c.State())
	assert.False(t, c.Incomplete())

	// a later path with the same usage still joins
	same := hd(1)
	same.SyncGroup = "wall"
	same.Mode = "single"
	require.NoError(t, m.Init(ctx, same))
	assert.Equal(t, 2, m.Pool().Users("wall"))
}

func TestSequencerPoolUsage(t *testing.T) {
	dev := sim.NewDevice()
	pool := NewSequencerPool(dev, nil)
	ctx := context.Background()
	single := Usage{Mode: trigger.ModeSingle, External: true}

	seq, err := pool.Acquire(ctx, "wall", single)
	require.NoError(t, err)
	_, err = pool.Acquire(ctx, "wall", Usage{Mode: trigger.ModeContinuous, External: true})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 1, pool.Users("wall"))
	assert.Equal(t, 1, dev.Recorder().CountPrefix("mutex", "acquire"))

	assert.NoError(t, pool.Check("wall", single))
	assert.NoError(t, pool.Check("other", Usage{}))
	require.NoError(t, pool.Release("wall", seq))
	assert.NoError(t, pool.Check("wall", Usage{}))
}

func TestManagerShutdown(t *testing.T) {
	m, dev := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, hd(0)))
	require.NoError(t, m.Init(ctx, hd(2)))
	require.NoError(t, m.Execute(ctx, 0, CmdTrigger))

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.List())
	assert.Zero(t, dev.MemberCount())
	assert.Zero(t, dev.SimGraph().Edges())
}

func TestSequencerPoolPrivate(t *testing.T) {
	dev := sim.NewDevice()
	pool := NewSequencerPool(dev, nil)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "", Usage{})
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, "", Usage{Mode: trigger.ModeSingle, External: true})
	require.NoError(t, err)
	assert.NotEqual(t, a.Resource().ID(), b.Resource().ID())
	assert.Zero(t, pool.Users(""))

	require.NoError(t, pool.Release("", a))
	require.NoError(t, pool.Release("", b))
	assert.Error(t, pool.Release("wall", a))
}
