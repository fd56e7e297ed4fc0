package controller

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/pipeline/trigger"
)

// Usage is what a path expects of its trigger resource. Every path of a
// sync group must agree on it.
type Usage struct {
	Mode     trigger.Mode
	External bool
}

func (u Usage) String() string {
	input := InputPattern
	if u.External {
		input = InputExternal
	}
	return u.Mode.String() + " from " + input + " input"
}

type shared struct {
	seq   *trigger.Sequencer
	use   Usage
	users int
}

// SequencerPool hands out trigger sequencers. Paths asking for the same
// non-empty group share one sequencer and its trigger resource; the
// resource goes back to the device when the last user releases it.
type SequencerPool struct {
	dev    hw.Device
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]*shared
}

// NewSequencerPool creates a pool over dev's trigger resources
func NewSequencerPool(dev hw.Device, logger *zap.Logger) *SequencerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SequencerPool{dev: dev, logger: logger, groups: make(map[string]*shared)}
}

// Check reports whether use agrees with the group's current users
func (p *SequencerPool) Check(group string, use Usage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.check(group, use)
}

func (p *SequencerPool) check(group string, use Usage) error {
	if sh, ok := p.groups[group]; ok && group != "" && sh.use != use {
		return fmt.Errorf("%w: sync group %q runs %s, not %s", ErrInvalidConfig, group, sh.use, use)
	}
	return nil
}

// Acquire returns the group's sequencer, creating it on first use. An empty
// group always gets a private sequencer. Joining a group with a different
// usage fails with ErrInvalidConfig before any resource is touched.
func (p *SequencerPool) Acquire(ctx context.Context, group string, use Usage) (*trigger.Sequencer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(group, use); err != nil {
		return nil, err
	}
	if sh, ok := p.groups[group]; ok && group != "" {
		sh.users++
		return sh.seq, nil
	}

	res, err := p.dev.AcquireSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire trigger resource: %w", err)
	}
	seq := trigger.New(res, p.logger)
	if group != "" {
		p.groups[group] = &shared{seq: seq, use: use, users: 1}
		p.logger.Debug("Sync group created", zap.String("group", group), zap.Int("mutex", res.ID()))
	}
	return seq, nil
}

// Release drops one use of seq and frees its resource on the last one
func (p *SequencerPool) Release(group string, seq *trigger.Sequencer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if group != "" {
		sh, ok := p.groups[group]
		if !ok || sh.seq != seq {
			return fmt.Errorf("sequencer not in group %q", group)
		}
		sh.users--
		if sh.users > 0 {
			return nil
		}
		delete(p.groups, group)
	}
	return p.dev.ReleaseSync(seq.Resource())
}

// Users returns how many paths share group
func (p *SequencerPool) Users(group string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sh, ok := p.groups[group]; ok {
		return sh.users
	}
	return 0
}
