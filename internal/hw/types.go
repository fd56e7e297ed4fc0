package hw

import (
	"fmt"
	"time"
)

// StageKind identifies the class of a processing block
type StageKind int

const (
	KindSlicer StageKind = iota
	KindCrop
	KindResizer
	KindStreamConverter
	KindWriteEngine
	KindLineCompare
)

// String returns the short hardware name of the kind
func (k StageKind) String() string {
	switch k {
	case KindSlicer:
		return "slicer"
	case KindCrop:
		return "crop"
	case KindResizer:
		return "rsz"
	case KindStreamConverter:
		return "p2s"
	case KindWriteEngine:
		return "wdma"
	case KindLineCompare:
		return "lcmp"
	default:
		return "unknown"
	}
}

// StageID names one stage instance
type StageID struct {
	Kind  StageKind
	Index int
}

// String returns e.g. "crop3"
func (id StageID) String() string {
	return fmt.Sprintf("%s%d", id.Kind, id.Index)
}

// Subsys returns the register bank the stage lives in
func (id StageID) Subsys() Subsys {
	return Subsys(uint16(id.Kind)<<8 | uint16(id.Index&0xff))
}

// TriggerID returns the stage's component id inside a SyncResource
func (id StageID) TriggerID() int {
	return int(id.Kind)*16 + id.Index
}

// ConnectID returns the stage's node id in the connect graph
func (id StageID) ConnectID() int {
	return 0x100 + int(id.Kind)*16 + id.Index
}

// StageParams is the geometry a stage is configured with
type StageParams struct {
	InWidth    int
	InHeight   int
	OutWidth   int
	OutHeight  int
	X          int
	Y          int
	Compressed bool
}

// PixelFormat is the write engine output format
type PixelFormat int

const (
	FormatRGB888 PixelFormat = iota
	FormatYUV422
	FormatRGBCompressed
)

// String returns the format name
func (f PixelFormat) String() string {
	switch f {
	case FormatRGB888:
		return "rgb888"
	case FormatYUV422:
		return "yuv422"
	case FormatRGBCompressed:
		return "rgb-afbc"
	default:
		return "unknown"
	}
}

// ParsePixelFormat parses a format name. The empty string is rgb888.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "", "rgb888":
		return FormatRGB888, nil
	case "yuv422":
		return FormatYUV422, nil
	case "rgb-afbc":
		return FormatRGBCompressed, nil
	default:
		return FormatRGB888, fmt.Errorf("unknown pixel format %q", s)
	}
}

// BytesPerPixel returns the uncompressed pixel size
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatYUV422:
		return 2
	default:
		return 3
	}
}

// Region is the write engine input/output window
type Region struct {
	InWidth   int
	InHeight  int
	OutWidth  int
	OutHeight int
	X         int
	Y         int
}

// FrameDone is delivered to write engine frame callbacks
type FrameDone struct {
	Stage StageID
	Frame uint64
	Time  time.Time
}

// SOFSource selects what drives a SyncResource's start-of-frame
type SOFSource int

const (
	SOFFreeRun SOFSource = iota
	SOFExternal
	SOFDelayed
	SOFTimer
)

// String returns the source name
func (s SOFSource) String() string {
	switch s {
	case SOFFreeRun:
		return "free-run"
	case SOFExternal:
		return "external"
	case SOFDelayed:
		return "delayed"
	case SOFTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Timing describes a video timing in pixels and lines
type Timing struct {
	HActive       int `json:"h_active" yaml:"h_active" toml:"h_active"`
	HTotal        int `json:"h_total" yaml:"h_total" toml:"h_total"`
	VActive       int `json:"v_active" yaml:"v_active" toml:"v_active"`
	VTotal        int `json:"v_total" yaml:"v_total" toml:"v_total"`
	PixelClockKHz int `json:"pixel_clock_khz" yaml:"pixel_clock_khz" toml:"pixel_clock_khz"`
}

// Valid reports whether the timing can be used for arithmetic
func (t Timing) Valid() bool {
	return t.HActive > 0 && t.HTotal >= t.HActive &&
		t.VActive > 0 && t.VTotal >= t.VActive && t.PixelClockKHz > 0
}

// LineTime returns the duration of one line
func (t Timing) LineTime() time.Duration {
	if t.PixelClockKHz == 0 {
		return 0
	}
	return time.Duration(int64(t.HTotal) * int64(time.Millisecond) / int64(t.PixelClockKHz))
}

// FrameTime returns the duration of one frame
func (t Timing) FrameTime() time.Duration {
	if t.PixelClockKHz == 0 {
		return 0
	}
	return time.Duration(int64(t.HTotal) * int64(t.VTotal) * int64(time.Millisecond) / int64(t.PixelClockKHz))
}

// VBlank returns the duration of the vertical blanking interval
func (t Timing) VBlank() time.Duration {
	if t.PixelClockKHz == 0 {
		return 0
	}
	return time.Duration(int64(t.HTotal) * int64(t.VTotal-t.VActive) * int64(time.Millisecond) / int64(t.PixelClockKHz))
}
