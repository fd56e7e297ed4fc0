package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/hw/sim"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/pipeline/timing"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

type alerts struct {
	mu  sync.Mutex
	all []Alert
}

func (a *alerts) add(al Alert) {
	a.mu.Lock()
	a.all = append(a.all, al)
	a.mu.Unlock()
}

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.all)
}

func (a *alerts) last() Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.all[len(a.all)-1]
}

type sofFixture struct {
	dev      *sim.Device
	ring     *ring.Ring
	channel  *reconfig.Channel
	counters *Counters
	phase    atomic.Int32
	monitor  *Monitor
}

func newSOFFixture(t *testing.T) *sofFixture {
	t.Helper()
	f := &sofFixture{dev: sim.NewDevice(), counters: NewCounters(nil)}
	f.ring = ring.New([]uint64{0x1000_0000, 0x2000_0000, 0x3000_0000}, zap.NewNop())
	f.channel = reconfig.New(f.dev.Queue(), f.ring, zap.NewNop())
	t.Cleanup(func() { _ = f.channel.Close() })

	plan, err := topology.Build(topology.Config{Path: 0, InWidth: 1920, InHeight: 1080, OutWidth: 1920, OutHeight: 1080})
	require.NoError(t, err)

	h := NewSOFHandler(SOFConfig{
		Path:     0,
		Ring:     f.ring,
		Channel:  f.channel,
		Plan:     func() *topology.Plan { return plan },
		Phase:    func() Phase { return Phase(f.phase.Load()) },
		Counters: f.counters,
		Timing:   timing.NewTracker(16),
	}, zap.NewNop())

	f.monitor = New(Config{
		Name:        "sof",
		Source:      EventSource(f.dev.Events(), hw.SOFEvent(0)),
		WaitTimeout: time.Second,
		OnFire:      h.Fire,
	}, zap.NewNop())
	require.NoError(t, f.monitor.Start(context.Background()))
	t.Cleanup(func() { _ = f.monitor.Stop() })
	return f
}

func (f *sofFixture) sof(t *testing.T) {
	t.Helper()
	want := f.counters.Get(CounterSOF) + 1
	waitArmed(t, f.dev, hw.SOFEvent(0))
	f.dev.PulseSOF(0)
	require.Eventually(t, func() bool { return f.counters.Get(CounterSOF) == want }, time.Second, time.Millisecond)
	settled(t, f.monitor)
}

// settled waits until the monitor has finished its handler and re-armed
func settled(t *testing.T, m *Monitor) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == StateArmed }, time.Second, time.Millisecond)
}

func TestSOFIdleOnlyCounts(t *testing.T) {
	f := newSOFFixture(t)
	f.sof(t)
	assert.False(t, f.channel.Pending(reconfig.PurposeAddressUpdate))
	assert.Zero(t, f.dev.SimQueue().Flushed())
}

func TestSOFDrivesAddressUpdates(t *testing.T) {
	f := newSOFFixture(t)
	f.phase.Store(int32(PhaseRunning))

	f.sof(t)
	require.True(t, f.channel.Pending(reconfig.PurposeAddressUpdate))

	// next SOF lands before the frame completes
	f.sof(t)
	assert.Equal(t, uint64(1), f.counters.Get(CounterBusy))

	f.dev.PulseFrameDone(0)
	require.Eventually(t, func() bool {
		cur, _ := f.ring.Current()
		return cur.ID == 1
	}, time.Second, time.Millisecond, "swap promoted the written buffer")

	done, ok := f.ring.Displayable()
	require.True(t, ok)
	assert.Equal(t, ring.BufferID(0), done.ID)

	we := hw.StageID{Kind: hw.KindWriteEngine, Index: 0}.Subsys()
	assert.Equal(t, uint32(0x2000_0000), f.dev.Registers().Read(we, hw.RegWDMAAddr))

	require.Eventually(t, func() bool { return !f.channel.Pending(reconfig.PurposeAddressUpdate) }, time.Second, time.Millisecond)
	f.sof(t)
	require.True(t, f.channel.Pending(reconfig.PurposeAddressUpdate))
	f.dev.PulseFrameDone(0)
	require.Eventually(t, func() bool {
		return f.dev.Registers().Read(we, hw.RegWDMAAddr) == 0x3000_0000
	}, time.Second, time.Millisecond)
}

func TestSOFPausedRewindsRing(t *testing.T) {
	f := newSOFFixture(t)
	f.phase.Store(int32(PhasePaused))

	_, _, err := f.ring.AdvanceNext()
	require.NoError(t, err)

	f.sof(t)
	assert.Zero(t, f.dev.SimQueue().Flushed())

	f.phase.Store(int32(PhaseRunning))
	f.sof(t)
	f.dev.PulseFrameDone(0)
	we := hw.StageID{Kind: hw.KindWriteEngine, Index: 0}.Subsys()
	require.Eventually(t, func() bool {
		return f.dev.Registers().Read(we, hw.RegWDMAAddr) == 0x2000_0000
	}, time.Second, time.Millisecond, "advance restarted from the held buffer")
}

func TestUnderflowHandler(t *testing.T) {
	dev := sim.NewDevice()
	counters := NewCounters(nil)
	got := &alerts{}

	capture := NewCapture(dev.Queue(), 0, hw.UnderflowEvent(0), UnderflowReads(0), zap.NewNop())
	h := NewUnderflowHandler(UnderflowConfig{
		Path:     0,
		Capture:  capture,
		Notify:   true,
		Limiter:  rate.NewLimiter(rate.Every(time.Hour), 1),
		Counters: counters,
		OnAlert:  got.add,
	}, zap.NewNop())

	m := New(Config{Name: "underflow", Source: capture, WaitTimeout: time.Second, OnFire: h.Fire, Capture: capture}, zap.NewNop())
	require.NoError(t, capture.Arm())
	require.NoError(t, m.Start(context.Background()))

	for i := uint64(1); i <= 2; i++ {
		waitArmed(t, dev, hw.UnderflowEvent(0))
		dev.InjectUnderflow(0)
		want := i
		require.Eventually(t, func() bool { return counters.Get(CounterUnderflow) == want }, time.Second, time.Millisecond)
		settled(t, m)
	}

	assert.Equal(t, 1, got.count(), "second alert throttled")
	assert.ErrorIs(t, got.last().Err, ErrUnderflow)
	assert.Equal(t, []uint32{3, 2}, got.last().Snapshot.Values)

	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.State())
	assert.Zero(t, dev.SimQueue().Live(), "capture destroyed on stop")
}

func newOverrunMonitor(t *testing.T, dev *sim.Device, cfg OverrunConfig) (*Monitor, *OverrunHandler) {
	t.Helper()
	capture := NewCapture(dev.Queue(), cfg.Path, hw.OverrunEvent(cfg.Path), OverrunReads(cfg.Path), zap.NewNop())
	cfg.Capture = capture
	h := NewOverrunHandler(cfg, zap.NewNop())

	m := New(Config{Name: "overrun", Path: cfg.Path, Source: capture, WaitTimeout: time.Second, OnFire: h.Fire, Capture: capture}, zap.NewNop())
	require.NoError(t, capture.Arm())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m, h
}

func injectOverrun(t *testing.T, dev *sim.Device, m *Monitor, counters *Counters) {
	t.Helper()
	path := m.cfg.Path
	want := counters.Get(CounterOverrun) + 1
	waitArmed(t, dev, hw.OverrunEvent(path))
	dev.InjectOverrun(path)
	require.Eventually(t, func() bool { return counters.Get(CounterOverrun) == want }, time.Second, time.Millisecond)
	settled(t, m)
}

func TestOverrunRecovery(t *testing.T) {
	dev := sim.NewDevice()
	counters := NewCounters(nil)
	channel := reconfig.New(dev.Queue(), nil, zap.NewNop())
	defer channel.Close()

	m, _ := newOverrunMonitor(t, dev, OverrunConfig{
		Path:        1,
		Channel:     channel,
		AutoRecover: true,
		Counters:    counters,
	})

	injectOverrun(t, dev, m, counters)
	assert.Equal(t, uint64(1), counters.Get(CounterSkip))
	assert.Equal(t, uint64(1), counters.Get(CounterRecovery))

	we := hw.StageID{Kind: hw.KindWriteEngine, Index: 4}.Subsys()
	require.Eventually(t, func() bool {
		return !channel.Pending(reconfig.PurposeRecoveryAdjust)
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint32(0), dev.Registers().Read(we, hw.RegWDMAReadPtr), "read pointer stepped back")
}

func TestOverrunWithoutRecovery(t *testing.T) {
	dev := sim.NewDevice()
	counters := NewCounters(nil)

	m, _ := newOverrunMonitor(t, dev, OverrunConfig{Path: 0, Counters: counters})

	injectOverrun(t, dev, m, counters)
	injectOverrun(t, dev, m, counters)
	assert.Equal(t, uint64(2), counters.Get(CounterSkip))
	assert.Zero(t, counters.Get(CounterRecovery))
	assert.Equal(t, int64(3), dev.SimQueue().Flushed(), "only capture flushes")
}

func TestOverrunEscalation(t *testing.T) {
	dev := sim.NewDevice()
	counters := NewCounters(nil)
	got := &alerts{}
	channel := reconfig.New(dev.Queue(), nil, zap.NewNop())
	defer channel.Close()

	m, h := newOverrunMonitor(t, dev, OverrunConfig{
		Path:          0,
		Channel:       channel,
		AutoRecover:   true,
		Window:        time.Minute,
		EscalateAfter: 2,
		Cooldown:      time.Minute,
		Counters:      counters,
		OnAlert:       got.add,
	})

	for i := 0; i < 3; i++ {
		injectOverrun(t, dev, m, counters)
	}

	assert.Equal(t, uint64(1), counters.Get(CounterEscalation))
	require.Equal(t, 1, got.count())
	assert.Equal(t, AlertRecoveryEscalation, got.last().Kind)
	assert.ErrorIs(t, got.last().Err, ErrRecoveryEscalation)

	// recovery stays off but the pipeline keeps counting
	injectOverrun(t, dev, m, counters)
	assert.Equal(t, uint64(4), counters.Get(CounterSkip))
	assert.Equal(t, 1, got.count())
	assert.Equal(t, uint64(1), h.Breaker().Trips())
}
