package sim

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/zfett/vpipe/internal/hw"
)

// membership tracks which resource owns each component across the device
type membership struct {
	mu    sync.Mutex
	owner map[int]int
}

// SyncResource is a simulated trigger aggregator
type SyncResource struct {
	id      int
	rec     *Recorder
	members *membership

	mu         sync.Mutex
	components map[int]bool
	source     hw.SOFSource
	delayUs    uint32
	enabled    bool
	timer      bool
}

func (s *SyncResource) name() string { return "mutex" + strconv.Itoa(s.id) }

// ID implements hw.SyncResource
func (s *SyncResource) ID() int { return s.id }

// AddComponent implements hw.SyncResource
func (s *SyncResource) AddComponent(id int) error {
	s.rec.record(s.name(), "add_component", strconv.Itoa(id))
	s.members.mu.Lock()
	defer s.members.mu.Unlock()
	if owner, ok := s.members.owner[id]; ok {
		return fmt.Errorf("component %d already in mutex%d", id, owner)
	}
	s.members.owner[id] = s.id

	s.mu.Lock()
	s.components[id] = true
	s.mu.Unlock()
	return nil
}

// RemoveComponent implements hw.SyncResource
func (s *SyncResource) RemoveComponent(id int) error {
	s.rec.record(s.name(), "remove_component", strconv.Itoa(id))
	s.members.mu.Lock()
	defer s.members.mu.Unlock()
	if owner, ok := s.members.owner[id]; !ok || owner != s.id {
		return fmt.Errorf("component %d not in mutex%d", id, s.id)
	}
	delete(s.members.owner, id)

	s.mu.Lock()
	delete(s.components, id)
	s.mu.Unlock()
	return nil
}

// SelectSOFSource implements hw.SyncResource
func (s *SyncResource) SelectSOFSource(src hw.SOFSource) error {
	s.rec.record(s.name(), "select_sof_source", src.String())
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	return nil
}

// Enable implements hw.SyncResource
func (s *SyncResource) Enable() error {
	s.rec.record(s.name(), "enable", "")
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	return nil
}

// Disable implements hw.SyncResource
func (s *SyncResource) Disable() error {
	s.rec.record(s.name(), "disable", "")
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	return nil
}

// SetDelayUs implements hw.SyncResource
func (s *SyncResource) SetDelayUs(v uint32) error {
	s.rec.record(s.name(), "set_delay_us", strconv.FormatUint(uint64(v), 10))
	s.mu.Lock()
	s.delayUs = v
	s.mu.Unlock()
	return nil
}

// TimerEnable implements hw.SyncResource
func (s *SyncResource) TimerEnable(on bool) error {
	s.rec.record(s.name(), "timer_enable", strconv.FormatBool(on))
	s.mu.Lock()
	s.timer = on
	s.mu.Unlock()
	return nil
}

// Enabled reports whether the resource is armed
func (s *SyncResource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Source returns the selected SOF source
func (s *SyncResource) Source() hw.SOFSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// DelayUs returns the programmed delay
func (s *SyncResource) DelayUs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayUs
}

// Components returns the member ids in ascending order
func (s *SyncResource) Components() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.components))
	for id := range s.components {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Has reports whether id is a member
func (s *SyncResource) Has(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.components[id]
}

// Graph is a simulated connect graph
type Graph struct {
	rec *Recorder

	mu    sync.Mutex
	edges map[[2]int]bool
}

// Connect implements hw.ConnectGraph
func (g *Graph) Connect(from, to int) error {
	g.rec.record("mmsys", "connect", fmt.Sprintf("%#x->%#x", from, to))
	g.mu.Lock()
	defer g.mu.Unlock()
	key := [2]int{from, to}
	if g.edges[key] {
		return fmt.Errorf("edge %#x->%#x already connected", from, to)
	}
	g.edges[key] = true
	return nil
}

// Disconnect implements hw.ConnectGraph
func (g *Graph) Disconnect(from, to int) error {
	g.rec.record("mmsys", "disconnect", fmt.Sprintf("%#x->%#x", from, to))
	g.mu.Lock()
	defer g.mu.Unlock()
	key := [2]int{from, to}
	if !g.edges[key] {
		return fmt.Errorf("edge %#x->%#x not connected", from, to)
	}
	delete(g.edges, key)
	return nil
}

// Edges returns how many edges are connected
func (g *Graph) Edges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// Connected reports whether from feeds to
func (g *Graph) Connected(from, to int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edges[[2]int{from, to}]
}
