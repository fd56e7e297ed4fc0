package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/hw"
)

// ErrAlreadyConnected is returned by Connect when a plan is already wired
var ErrAlreadyConnected = errors.New("topology already connected")

// Topology wires one display path into the connect graph and a trigger
// resource. It remembers exactly what it did so Disconnect can undo it.
type Topology struct {
	graph  hw.ConnectGraph
	sync   hw.SyncResource
	logger *zap.Logger

	mu      sync.Mutex
	plan    *Plan
	edges   []Edge
	members []hw.StageID
}

// New creates an unconnected topology
func New(graph hw.ConnectGraph, res hw.SyncResource, logger *zap.Logger) *Topology {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topology{graph: graph, sync: res, logger: logger}
}

// Connect validates cfg, then routes every edge and adds every stage to the
// trigger resource. Validation failures are returned before any hardware is
// touched. A failure midway leaves what was already done for Disconnect.
func (t *Topology) Connect(ctx context.Context, cfg Config) (*Plan, error) {
	plan, err := Build(cfg)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.plan != nil || len(t.edges) > 0 || len(t.members) > 0 {
		return nil, ErrAlreadyConnected
	}
	t.plan = plan

	for _, e := range plan.Edges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := t.graph.Connect(e.From.ConnectID(), e.To.ConnectID()); err != nil {
			return nil, fmt.Errorf("connect %s->%s: %w", e.From, e.To, err)
		}
		t.edges = append(t.edges, e)
	}

	for _, id := range plan.Members {
		if err := t.sync.AddComponent(id.TriggerID()); err != nil {
			return nil, fmt.Errorf("add %s to mutex%d: %w", id, t.sync.ID(), err)
		}
		t.members = append(t.members, id)
	}

	t.logger.Info("Topology connected",
		zap.Int("path", plan.Path),
		zap.String("split", plan.Split.String()),
		zap.Int("edges", len(t.edges)),
		zap.Int("members", len(t.members)))
	return plan, nil
}

// Disconnect removes members and edges in reverse order. With nothing
// connected it is a no-op.
func (t *Topology) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.plan == nil && len(t.edges) == 0 && len(t.members) == 0 {
		return nil
	}

	var errs []error
	for i := len(t.members) - 1; i >= 0; i-- {
		id := t.members[i]
		if err := t.sync.RemoveComponent(id.TriggerID()); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
		}
	}
	for i := len(t.edges) - 1; i >= 0; i-- {
		e := t.edges[i]
		if err := t.graph.Disconnect(e.From.ConnectID(), e.To.ConnectID()); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s->%s: %w", e.From, e.To, err))
		}
	}

	path := -1
	if t.plan != nil {
		path = t.plan.Path
	}
	t.logger.Info("Topology disconnected",
		zap.Int("path", path),
		zap.Int("edges", len(t.edges)),
		zap.Int("members", len(t.members)),
		zap.Int("errors", len(errs)))

	t.plan = nil
	t.edges = nil
	t.members = nil
	return errors.Join(errs...)
}

// Plan returns the connected plan or nil
func (t *Topology) Plan() *Plan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plan
}

// Connected reports whether any edge or member is held
func (t *Topology) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.edges) > 0 || len(t.members) > 0
}
