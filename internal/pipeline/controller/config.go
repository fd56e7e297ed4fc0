package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
	"github.com/zfett/vpipe/internal/pipeline/topology"
	"github.com/zfett/vpipe/internal/pipeline/trigger"
)

// Input sources of a display path
const (
	InputExternal = "external"
	InputPattern  = "pattern"
)

// Defaults applied by Config.withDefaults
const (
	DefaultBufferCount = 3
	DefaultBufferBase  = 0x8000_0000
)

// Config describes one display path. It is decoded from profiles and the
// REST API, so enumerations are names.
type Config struct {
	Path   int    `json:"path" yaml:"path" toml:"path"`
	Layout string `json:"layout,omitempty" yaml:"layout" toml:"layout"`

	InWidth    int `json:"in_width" yaml:"in_width" toml:"in_width"`
	InHeight   int `json:"in_height" yaml:"in_height" toml:"in_height"`
	OutWidth   int `json:"out_width" yaml:"out_width" toml:"out_width"`
	OutHeight  int `json:"out_height" yaml:"out_height" toml:"out_height"`
	CropX      int `json:"crop_x,omitempty" yaml:"crop_x" toml:"crop_x"`
	CropY      int `json:"crop_y,omitempty" yaml:"crop_y" toml:"crop_y"`
	CropHeight int `json:"crop_height,omitempty" yaml:"crop_height" toml:"crop_height"`

	Format     string `json:"format,omitempty" yaml:"format" toml:"format"`
	Compressed bool   `json:"compressed,omitempty" yaml:"compressed" toml:"compressed"`

	// Input is "external" or "pattern"; empty picks external when the path
	// has a source
	Input string `json:"input,omitempty" yaml:"input" toml:"input"`
	// Mode is the trigger mode, "continuous" or "single"
	Mode string `json:"mode,omitempty" yaml:"mode" toml:"mode"`
	// Panel is the display timing; zero uses the input timing
	Panel hw.Timing `json:"panel,omitempty" yaml:"panel" toml:"panel"`
	// Delayed adds a delayed trigger tracking the external source
	Delayed bool `json:"delayed,omitempty" yaml:"delayed" toml:"delayed"`
	// LowLatency arms a timer-driven trigger while displaying
	LowLatency bool `json:"low_latency,omitempty" yaml:"low_latency" toml:"low_latency"`

	BufferCount int    `json:"buffer_count,omitempty" yaml:"buffer_count" toml:"buffer_count"`
	BufferBase  uint64 `json:"buffer_base,omitempty" yaml:"buffer_base" toml:"buffer_base"`

	// SyncGroup names a trigger resource shared with other paths
	SyncGroup string `json:"sync_group,omitempty" yaml:"sync_group" toml:"sync_group"`

	AutoRecover     bool `json:"auto_recover,omitempty" yaml:"auto_recover" toml:"auto_recover"`
	NotifyUnderflow bool `json:"notify_underflow,omitempty" yaml:"notify_underflow" toml:"notify_underflow"`
}

// MonitorSettings tune the monitor loops of every controller
type MonitorSettings struct {
	SOFTimeout    time.Duration
	StopTimeout   time.Duration
	MissEscalate  int
	StableTimeout time.Duration
	// AlertInterval throttles underflow alerts
	AlertInterval time.Duration
}

func (m MonitorSettings) withDefaults() MonitorSettings {
	if m.SOFTimeout <= 0 {
		m.SOFTimeout = 100 * time.Millisecond
	}
	if m.StopTimeout <= 0 {
		m.StopTimeout = 300 * time.Millisecond
	}
	if m.MissEscalate <= 0 {
		m.MissEscalate = 10
	}
	if m.StableTimeout <= 0 {
		m.StableTimeout = 2 * time.Second
	}
	if m.AlertInterval <= 0 {
		m.AlertInterval = time.Second
	}
	return m
}

// resolved is a validated Config
type resolved struct {
	Config
	layout   topology.Layout
	format   hw.PixelFormat
	mode     trigger.Mode
	external bool
}

func (c Config) withDefaults() Config {
	if c.BufferCount <= 0 {
		c.BufferCount = DefaultBufferCount
	}
	if c.BufferBase == 0 {
		c.BufferBase = DefaultBufferBase
	}
	if c.OutWidth == 0 {
		c.OutWidth = c.InWidth
	}
	if c.OutHeight == 0 {
		c.OutHeight = c.InHeight
	}
	return c
}

// Validate checks the configuration without touching hardware
func (c Config) Validate() error {
	_, err := c.withDefaults().resolve(true)
	return err
}

func (c Config) resolve(hasSource bool) (resolved, error) {
	r := resolved{Config: c}
	var errs []error

	if c.InWidth <= 0 || c.InHeight <= 0 {
		errs = append(errs, fmt.Errorf("input size %dx%d", c.InWidth, c.InHeight))
	}
	var err error
	if r.layout, err = topology.ParseLayout(c.Layout); err != nil {
		errs = append(errs, err)
	}
	if r.format, err = hw.ParsePixelFormat(c.Format); err != nil {
		errs = append(errs, err)
	}
	if r.mode, err = trigger.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}

	switch c.Input {
	case "":
		r.external = hasSource
	case InputExternal:
		if !hasSource {
			errs = append(errs, fmt.Errorf("path %d has no external source", c.Path))
		}
		r.external = true
	case InputPattern:
	default:
		errs = append(errs, fmt.Errorf("unknown input %q", c.Input))
	}
	if !r.external && r.mode == trigger.ModeSingle {
		errs = append(errs, errors.New("single trigger mode needs an external source"))
	}
	if c.Delayed && (r.mode != trigger.ModeContinuous || !r.external) {
		errs = append(errs, errors.New("delayed trigger needs continuous mode and an external source"))
	}
	if c.SyncGroup != "" && (c.Delayed || c.LowLatency) {
		errs = append(errs, errors.New("delayed and low latency triggers cannot be shared by a sync group"))
	}

	if len(errs) > 0 {
		return r, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	if _, err := topology.Build(r.topology()); err != nil {
		return r, err
	}
	return r, nil
}

func (r resolved) topology() topology.Config {
	return topology.Config{
		Path:       r.Path,
		Layout:     r.layout,
		InWidth:    r.InWidth,
		InHeight:   r.InHeight,
		OutWidth:   r.OutWidth,
		OutHeight:  r.OutHeight,
		CropX:      r.CropX,
		CropY:      r.CropY,
		CropHeight: r.CropHeight,
		Compressed: r.Compressed,
	}
}

// usage is what the path asks of its trigger resource; pattern input always
// free-runs
func (r resolved) usage() Usage {
	if !r.external {
		return Usage{Mode: trigger.ModeContinuous}
	}
	return Usage{Mode: r.mode, External: true}
}

// frameSize is the stride between ring buffers
func (r resolved) frameSize() uint64 {
	return reconfig.FrameSize(r.OutWidth, r.OutHeight, r.format, r.Compressed)
}

// addrs lays the ring buffers out back to back from BufferBase
func (r resolved) addrs() []uint64 {
	out := make([]uint64, r.BufferCount)
	for i := range out {
		out[i] = r.BufferBase + uint64(i)*r.frameSize()
	}
	return out
}

// panel returns the display timing, falling back to the input's
func (r resolved) panel(input hw.Timing) hw.Timing {
	if r.Panel.Valid() {
		return r.Panel
	}
	return input
}
