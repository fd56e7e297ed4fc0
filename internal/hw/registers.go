package hw

import "fmt"

// Subsys selects a register bank
type Subsys uint16

// Event is a hardware event line
type Event uint32

const (
	eventSOF       Event = 0x100
	eventFrameDone Event = 0x200
	eventUnderflow Event = 0x300
	eventOverrun   Event = 0x400
	eventCapture   Event = 0x500
)

// SOFEvent returns the start-of-frame event of a display path
func SOFEvent(path int) Event { return eventSOF + Event(path) }

// FrameDoneEvent returns the end-of-frame event of a display path
func FrameDoneEvent(path int) Event { return eventFrameDone + Event(path) }

// UnderflowEvent returns the write engine underflow event of a display path
func UnderflowEvent(path int) Event { return eventUnderflow + Event(path) }

// OverrunEvent returns the buffer overrun event of a display path
func OverrunEvent(path int) Event { return eventOverrun + Event(path) }

// CaptureDoneEvent returns the software token raised after a capture snapshot
func CaptureDoneEvent(path, n int) Event { return eventCapture + Event(path*16+n) }

// Path returns the display path an event belongs to
func (e Event) Path() int {
	if e >= eventCapture {
		return int(e-eventCapture) / 16
	}
	return int(e & 0xff)
}

// String returns e.g. "sof0"
func (e Event) String() string {
	switch e & 0xf00 {
	case eventSOF:
		return fmt.Sprintf("sof%d", e.Path())
	case eventFrameDone:
		return fmt.Sprintf("frame_done%d", e.Path())
	case eventUnderflow:
		return fmt.Sprintf("underflow%d", e.Path())
	case eventOverrun:
		return fmt.Sprintf("overrun%d", e.Path())
	case eventCapture:
		return fmt.Sprintf("capture%d.%d", e.Path(), int(e-eventCapture)%16)
	default:
		return fmt.Sprintf("event%#x", uint32(e))
	}
}

// Register offsets, symbolic per stage kind
const (
	RegSlicerSplit uint32 = 0x020
	RegSlicerSize  uint32 = 0x024

	RegCropOffset uint32 = 0x030
	RegCropSize   uint32 = 0x034

	RegResizerIn  uint32 = 0x040
	RegResizerOut uint32 = 0x044

	RegP2SSize uint32 = 0x048

	RegWDMAAddr       uint32 = 0x050
	RegWDMAAddrHigh   uint32 = 0x054
	RegWDMAPitch      uint32 = 0x058
	RegWDMAHeaderAddr uint32 = 0x05c
	RegWDMASize       uint32 = 0x060

	// diagnostic counters
	RegWDMAWriteOps  uint32 = 0x080
	RegWDMAReadOps   uint32 = 0x084
	RegWDMASkipCount uint32 = 0x088
	RegWDMAReadPtr   uint32 = 0x08c

	RegPatternSeq uint32 = 0x0a0
)

// PackXY packs two 16-bit values into one register word
func PackXY(x, y int) uint32 {
	return uint32(x&0xffff) | uint32(y&0xffff)<<16
}

// UnpackXY is the inverse of PackXY
func UnpackXY(v uint32) (int, int) {
	return int(v & 0xffff), int(v >> 16)
}

// FullMask writes every bit of a register
const FullMask uint32 = 0xffffffff
