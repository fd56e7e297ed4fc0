package reconfig

import (
	"errors"
	"fmt"

	"github.com/zfett/vpipe/internal/hw"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

var (
	ErrBusy     = errors.New("batch already in flight for purpose")
	ErrClosed   = errors.New("reconfiguration channel closed")
	ErrGeometry = errors.New("invalid batch geometry")
	// ErrDrainTimeout is returned by Close when batches outlive the drain timeout
	ErrDrainTimeout = errors.New("batches did not drain")
)

const (
	// HeaderAlign is the fixed boundary compressed payloads start on
	HeaderAlign = 4096
	// blockW and blockH are the compression block dimensions
	blockW = 32
	blockH = 8
	// blockHeaderBytes is the header size per compression block
	blockHeaderBytes = 16
)

// Purpose separates batches that may be in flight at the same time
type Purpose int

const (
	PurposePatternChange Purpose = iota
	PurposeAddressUpdate
	PurposeRecoveryAdjust
)

var purposeNames = map[Purpose]string{
	PurposePatternChange:  "pattern_change",
	PurposeAddressUpdate:  "address_update",
	PurposeRecoveryAdjust: "recovery_adjust",
}

// String returns the purpose name used in logs and metric labels
func (p Purpose) String() string {
	if s, ok := purposeNames[p]; ok {
		return s
	}
	return "unknown"
}

// Purposes lists every purpose
func Purposes() []Purpose {
	return []Purpose{PurposePatternChange, PurposeAddressUpdate, PurposeRecoveryAdjust}
}

// RingOp is the ring operation run when a batch completes
type RingOp int

const (
	RingNone RingOp = iota
	RingSwap
	RingAdvanceNext
)

// String returns the op name
func (o RingOp) String() string {
	switch o {
	case RingSwap:
		return "swap"
	case RingAdvanceNext:
		return "advance_next"
	default:
		return "none"
	}
}

// Write is a raw register write appended after the geometry writes
type Write struct {
	Stage  hw.StageID
	Offset uint32
	Value  uint32
	Mask   uint32
}

// Output is the frame buffer the write engines are pointed at
type Output struct {
	Addr   uint64
	Pitch  uint32
	Width  int
	Height int
	Format hw.PixelFormat
}

// Spec describes one batch
type Spec struct {
	Purpose Purpose
	// WaitFor is the frame boundary the batch waits on before writing
	WaitFor hw.Event
	// Geometry reprograms crop, resizer and write engine of each chain
	Geometry []topology.Chain
	// Engines receive Output addresses; nil means no address update
	Engines []topology.Chain
	Output  *Output
	Writes  []Write

	Compressed bool

	Op         RingOp
	Generation uint64
}

// HeaderOffset returns where compressed pixel data starts after the block
// headers of a w by h frame
func HeaderOffset(w, h int) uint64 {
	blocks := alignUp(w, blockW) / blockW * (alignUp(h, blockH) / blockH)
	return uint64(alignUp(blocks*blockHeaderBytes, HeaderAlign))
}

// FrameSize is the memory one output buffer needs, rounded up to
// HeaderAlign. Compressed buffers start with their header region.
func FrameSize(width, height int, format hw.PixelFormat, compressed bool) uint64 {
	size := width * format.BytesPerPixel() * height
	if compressed {
		size += int(HeaderOffset(width, height))
	}
	return uint64(alignUp(size, HeaderAlign))
}

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}

// validate checks a spec before any buffer is created
func (s Spec) validate() error {
	if _, ok := purposeNames[s.Purpose]; !ok {
		return fmt.Errorf("%w: purpose %d", ErrGeometry, s.Purpose)
	}
	for _, c := range s.Geometry {
		if c.Direct {
			if c.Region.OutWidth <= 0 || c.Region.OutHeight <= 0 {
				return fmt.Errorf("%w: %s region %dx%d", ErrGeometry, c.WriteEngine, c.Region.OutWidth, c.Region.OutHeight)
			}
			continue
		}
		if c.CropParams.OutWidth < 0 || c.ResizerParams.OutHeight <= 0 {
			return fmt.Errorf("%w: chain %s", ErrGeometry, c.WriteEngine)
		}
		if c.CropParams.X+c.CropParams.OutWidth > c.CropParams.InWidth {
			return fmt.Errorf("%w: %s window past slice edge", ErrGeometry, c.Crop)
		}
	}
	if len(s.Engines) > 0 {
		if s.Output == nil || s.Output.Addr == 0 {
			return fmt.Errorf("%w: address update without buffer", ErrGeometry)
		}
		if s.Output.Width <= 0 || s.Output.Height <= 0 {
			return fmt.Errorf("%w: output %dx%d", ErrGeometry, s.Output.Width, s.Output.Height)
		}
	}
	return nil
}

// record appends the spec's instructions to buf in causal order:
// wait, crop, resizer, write engine region, addresses, raw writes
func (s Spec) record(buf hw.CommandBuffer) {
	if s.WaitFor != 0 {
		buf.ClearEvent(s.WaitFor)
		buf.WaitEvent(s.WaitFor)
	}

	for _, c := range s.Geometry {
		if !c.Direct {
			cp := c.CropParams
			buf.WriteRegister(c.Crop.Subsys(), hw.RegCropOffset, hw.PackXY(cp.X, cp.Y), hw.FullMask)
			buf.WriteRegister(c.Crop.Subsys(), hw.RegCropSize, hw.PackXY(cp.OutWidth, cp.OutHeight), hw.FullMask)

			rp := c.ResizerParams
			buf.WriteRegister(c.Resizer.Subsys(), hw.RegResizerIn, hw.PackXY(rp.InWidth, rp.InHeight), hw.FullMask)
			buf.WriteRegister(c.Resizer.Subsys(), hw.RegResizerOut, hw.PackXY(rp.OutWidth, rp.OutHeight), hw.FullMask)
		}
		buf.WriteRegister(c.WriteEngine.Subsys(), hw.RegWDMASize, hw.PackXY(c.Region.OutWidth, c.Region.OutHeight), hw.FullMask)
	}

	if s.Output != nil {
		out := s.Output
		bpp := out.Format.BytesPerPixel()
		pitch := out.Pitch
		if pitch == 0 {
			pitch = uint32(out.Width * bpp)
		}
		for _, c := range s.Engines {
			if !c.Active() {
				continue
			}
			base := out.Addr + uint64(c.Region.X*bpp)
			sub := c.WriteEngine.Subsys()
			if s.Compressed {
				buf.WriteRegister(sub, hw.RegWDMAHeaderAddr, uint32(base), hw.FullMask)
				base += HeaderOffset(c.Region.OutWidth, c.Region.OutHeight)
			}
			buf.WriteRegister(sub, hw.RegWDMAAddr, uint32(base), hw.FullMask)
			buf.WriteRegister(sub, hw.RegWDMAAddrHigh, uint32(base>>32), hw.FullMask)
			buf.WriteRegister(sub, hw.RegWDMAPitch, pitch, hw.FullMask)
		}
	}

	for _, w := range s.Writes {
		mask := w.Mask
		if mask == 0 {
			mask = hw.FullMask
		}
		buf.WriteRegister(w.Stage.Subsys(), w.Offset, w.Value, mask)
	}
}
