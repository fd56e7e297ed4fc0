package reconfig

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/hw/sim"
	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

type completions struct {
	mu  sync.Mutex
	all []Completion
}

func (c *completions) add(comp Completion) {
	c.mu.Lock()
	c.all = append(c.all, comp)
	c.mu.Unlock()
}

func (c *completions) list() []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Completion(nil), c.all...)
}

func plan(t *testing.T) *topology.Plan {
	t.Helper()
	p, err := topology.Build(topology.Config{Path: 0, InWidth: 1920, InHeight: 1080, OutWidth: 1920, OutHeight: 1080})
	require.NoError(t, err)
	return p
}

func addressSpec(p *topology.Plan, buf ring.Buffer, gen uint64) Spec {
	return Spec{
		Purpose:    PurposeAddressUpdate,
		WaitFor:    hw.FrameDoneEvent(p.Path),
		Engines:    p.Chains,
		Output:     &Output{Addr: buf.Addr, Width: 1920, Height: 1080, Format: hw.FormatRGB888},
		Op:         RingSwap,
		Generation: gen,
	}
}

func newChannel(t *testing.T, dev *sim.Device, r *ring.Ring, got *completions) *Channel {
	t.Helper()
	ch := New(dev.Queue(), r, zap.NewNop(), WithCompletionHook(got.add))
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestSubmitBusyUntilCompletion(t *testing.T) {
	dev := sim.NewDevice()
	r := ring.New([]uint64{0x1000_0000, 0x2000_0000}, zap.NewNop())
	got := &completions{}
	ch := newChannel(t, dev, r, got)
	p := plan(t)

	next, gen, err := r.AdvanceNext()
	require.NoError(t, err)

	_, err = ch.Submit(context.Background(), addressSpec(p, next, gen))
	require.NoError(t, err)
	assert.True(t, ch.Pending(PurposeAddressUpdate))

	_, err = ch.Submit(context.Background(), addressSpec(p, next, gen))
	assert.ErrorIs(t, err, ErrBusy)

	dev.PulseFrameDone(0)
	require.Eventually(t, func() bool { return !ch.Pending(PurposeAddressUpdate) }, time.Second, 5*time.Millisecond)

	comps := got.list()
	require.Len(t, comps, 1)
	assert.NoError(t, comps[0].Err)
	assert.True(t, comps[0].Applied)
	assert.Equal(t, RingSwap, comps[0].Op)

	we := p.Chains[0].WriteEngine.Subsys()
	assert.Equal(t, uint32(0x2000_0000), dev.Registers().Read(we, hw.RegWDMAAddr))
	assert.Equal(t, uint32(1920*3), dev.Registers().Read(we, hw.RegWDMAPitch))

	_, err = ch.Submit(context.Background(), addressSpec(p, next, gen+1))
	require.NoError(t, err)
	assert.Zero(t, dev.SimQueue().Live()-1, "completed batch destroyed")
}

func TestPurposesAreIndependent(t *testing.T) {
	dev := sim.NewDevice()
	got := &completions{}
	ch := newChannel(t, dev, nil, got)
	p := plan(t)

	_, err := ch.Submit(context.Background(), Spec{Purpose: PurposeAddressUpdate, WaitFor: hw.FrameDoneEvent(0), Geometry: p.Chains})
	require.NoError(t, err)

	_, err = ch.Submit(context.Background(), Spec{
		Purpose: PurposePatternChange,
		WaitFor: hw.SOFEvent(0),
		Writes:  []Write{{Stage: hw.StageID{Kind: hw.KindSlicer, Index: 0}, Offset: hw.RegPatternSeq, Value: 7}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ch.InFlight())

	dev.PulseSOF(0)
	require.Eventually(t, func() bool { return !ch.Pending(PurposePatternChange) }, time.Second, 5*time.Millisecond)
	assert.True(t, ch.Pending(PurposeAddressUpdate))
	assert.Equal(t, uint32(7), dev.Registers().Read(hw.StageID{Kind: hw.KindSlicer}.Subsys(), hw.RegPatternSeq))
}

func TestSubmitGeometryErrorsAreSynchronous(t *testing.T) {
	dev := sim.NewDevice()
	ch := newChannel(t, dev, nil, &completions{})
	p := plan(t)

	bad := p.Chains[0]
	bad.CropParams.X = 100

	tests := []struct {
		name string
		spec Spec
	}{
		{"engines without buffer", Spec{Purpose: PurposeAddressUpdate, Engines: p.Chains}},
		{"zero output", Spec{Purpose: PurposeAddressUpdate, Engines: p.Chains, Output: &Output{Addr: 0x1000}}},
		{"crop past slice", Spec{Purpose: PurposePatternChange, Geometry: []topology.Chain{bad}}},
		{"unknown purpose", Spec{Purpose: Purpose(9)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ch.Submit(context.Background(), tt.spec)
			assert.ErrorIs(t, err, ErrGeometry)
		})
	}
	assert.Zero(t, dev.SimQueue().Live())
	assert.Zero(t, dev.SimQueue().Flushed())
	assert.Zero(t, ch.InFlight())
}

func TestFlushRejected(t *testing.T) {
	dev := sim.NewDevice()
	ch := newChannel(t, dev, nil, &completions{})
	dev.SimQueue().RejectFlushes(true)

	_, err := ch.Submit(context.Background(), Spec{Purpose: PurposeRecoveryAdjust})
	assert.ErrorIs(t, err, sim.ErrFlushRejected)
	assert.False(t, ch.Pending(PurposeRecoveryAdjust))
	assert.Zero(t, dev.SimQueue().Live())
}

func TestStaleGenerationSkipsSwap(t *testing.T) {
	dev := sim.NewDevice()
	r := ring.New([]uint64{0x1000_0000, 0x2000_0000}, zap.NewNop())
	got := &completions{}
	ch := newChannel(t, dev, r, got)
	p := plan(t)

	next, gen, err := r.AdvanceNext()
	require.NoError(t, err)
	r.Attach(0x3000_0000)
	r.Reset()

	_, err = ch.Submit(context.Background(), addressSpec(p, next, gen))
	require.NoError(t, err)
	dev.PulseFrameDone(0)

	require.Eventually(t, func() bool { return len(got.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, got.list()[0].Applied)
}

func TestCloseDestroysInFlight(t *testing.T) {
	dev := sim.NewDevice()
	got := &completions{}
	ch := New(dev.Queue(), nil, zap.NewNop(), WithCompletionHook(got.add))

	_, err := ch.Submit(context.Background(), Spec{Purpose: PurposeAddressUpdate, WaitFor: hw.FrameDoneEvent(1)})
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	comps := got.list()
	require.Len(t, comps, 1)
	assert.ErrorIs(t, comps[0].Err, hw.ErrDestroyed)
	assert.Zero(t, dev.SimQueue().Live())

	_, err = ch.Submit(context.Background(), Spec{Purpose: PurposeAddressUpdate})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubmitHook(t *testing.T) {
	dev := sim.NewDevice()
	var busy int
	ch := New(dev.Queue(), nil, zap.NewNop(), WithSubmitHook(func(p Purpose, err error) {
		if err == ErrBusy {
			busy++
		}
	}))
	defer ch.Close()

	spec := Spec{Purpose: PurposeRecoveryAdjust, WaitFor: hw.OverrunEvent(0)}
	_, err := ch.Submit(context.Background(), spec)
	require.NoError(t, err)
	_, _ = ch.Submit(context.Background(), spec)
	_, _ = ch.Submit(context.Background(), spec)
	assert.Equal(t, 2, busy)
}

func TestHeaderOffset(t *testing.T) {
	tests := []struct {
		w, h int
		want uint64
	}{
		{1920, 1080, 131072},
		{3840, 2160, 520192},
		{32, 8, 4096},
		{1, 1, 4096},
	}
	for _, tt := range tests {
		got := HeaderOffset(tt.w, tt.h)
		assert.Equal(t, tt.want, got, "%dx%d", tt.w, tt.h)
		assert.Zero(t, got%HeaderAlign)
	}
}

func TestFrameSize(t *testing.T) {
	assert.Equal(t, uint64(6221824), FrameSize(1920, 1080, hw.FormatRGB888, false))
	assert.Equal(t, uint64(4149248), FrameSize(1920, 1080, hw.FormatYUV422, false))
	assert.Equal(t, uint64(6352896), FrameSize(1920, 1080, hw.FormatRGB888, true))
	assert.Equal(t, uint64(4096), FrameSize(2, 2, hw.FormatRGB888, false))
}

func TestCompressedAddressLayout(t *testing.T) {
	dev := sim.NewDevice()
	ch := newChannel(t, dev, nil, &completions{})
	p := plan(t)

	_, err := ch.Submit(context.Background(), Spec{
		Purpose:    PurposeAddressUpdate,
		Engines:    p.Chains,
		Output:     &Output{Addr: 0x4000_0000, Width: 1920, Height: 1080, Format: hw.FormatRGBCompressed},
		Compressed: true,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !ch.Pending(PurposeAddressUpdate) }, time.Second, 5*time.Millisecond)

	we := p.Chains[0].WriteEngine.Subsys()
	assert.Equal(t, uint32(0x4000_0000), dev.Registers().Read(we, hw.RegWDMAHeaderAddr))
	assert.Equal(t, uint32(0x4000_0000+131072), dev.Registers().Read(we, hw.RegWDMAAddr))
}
