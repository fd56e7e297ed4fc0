package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/zfett/vpipe/internal/hw"
)

// Source is a simulated external video input
type Source struct {
	path int
	rec  *Recorder

	mu          sync.Mutex
	timing      hw.Timing
	stableAfter time.Duration
	err         error
}

// SetTiming changes the timing reported once stable
func (s *Source) SetTiming(t hw.Timing) {
	s.mu.Lock()
	s.timing = t
	s.mu.Unlock()
}

// SetStableAfter delays WaitStable
func (s *Source) SetStableAfter(d time.Duration) {
	s.mu.Lock()
	s.stableAfter = d
	s.mu.Unlock()
}

// FailWith makes WaitStable and Rearm fail
func (s *Source) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// WaitStable implements hw.ExternalSource
func (s *Source) WaitStable(ctx context.Context) (hw.Timing, error) {
	s.rec.record("rx"+strconv.Itoa(s.path), "wait_stable", "")
	s.mu.Lock()
	t, delay, err := s.timing, s.stableAfter, s.err
	s.mu.Unlock()
	if err != nil {
		return hw.Timing{}, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return hw.Timing{}, ctx.Err()
		}
	}
	if !t.Valid() {
		return hw.Timing{}, fmt.Errorf("rx%d: no signal", s.path)
	}
	return t, nil
}

// Rearm implements hw.ExternalSource
func (s *Source) Rearm(ctx context.Context) error {
	s.rec.record("rx"+strconv.Itoa(s.path), "rearm", "")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pattern is a simulated internal pattern generator
type Pattern struct {
	path int
	rec  *Recorder
}

// Configure implements hw.PatternGenerator
func (p *Pattern) Configure(ctx context.Context, width, height int, timing hw.Timing) error {
	p.rec.record("pat"+strconv.Itoa(p.path), "configure", fmt.Sprintf("%dx%d", width, height))
	return nil
}

// Start implements hw.PatternGenerator
func (p *Pattern) Start(ctx context.Context) error {
	p.rec.record("pat"+strconv.Itoa(p.path), "start", "")
	return nil
}

// Stop implements hw.PatternGenerator
func (p *Pattern) Stop(ctx context.Context) error {
	p.rec.record("pat"+strconv.Itoa(p.path), "stop", "")
	return nil
}

// Sink is a simulated downstream consumer
type Sink struct {
	path int
	rec  *Recorder

	mu    sync.Mutex
	muted bool
}

// Mute implements hw.Sink
func (s *Sink) Mute(ctx context.Context, mute bool) error {
	op := "unmute"
	if mute {
		op = "mute"
	}
	s.rec.record("sink"+strconv.Itoa(s.path), op, "")
	s.mu.Lock()
	s.muted = mute
	s.mu.Unlock()
	return nil
}

// Muted reports the mute state
func (s *Sink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}
