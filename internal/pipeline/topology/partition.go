package topology

import "fmt"

// Class describes how a crop window intersects one input slice
type Class int

const (
	ClassEmpty Class = iota
	ClassHead
	ClassMiddle
	ClassRear
	ClassHeadRear
)

// String returns the class name
func (c Class) String() string {
	switch c {
	case ClassEmpty:
		return "empty"
	case ClassHead:
		return "head"
	case ClassMiddle:
		return "middle"
	case ClassRear:
		return "rear"
	case ClassHeadRear:
		return "head-rear"
	default:
		return "unknown"
	}
}

// Quadrant is one fixed input slice and the part of the crop window it carries
type Quadrant struct {
	Index int
	// Start and Width locate the slice in input columns
	Start int
	Width int

	Class Class
	// Offset is the crop start relative to Start
	Offset int
	// OutWidth is how many window columns this slice contributes
	OutWidth int
	// OutX is where those columns land in the output frame
	OutX int
}

// PartitionQuad splits the crop window [x0, x0+w) across four fixed
// quadrants of an input inW columns wide. The quadrant widths must add up to
// w; anything else is a Fault.
func PartitionQuad(inW, x0, w int) ([]Quadrant, error) {
	return partition(inW, x0, w, 4)
}

func partition(inW, x0, w, n int) ([]Quadrant, error) {
	if inW < n || w <= 0 || x0 < 0 {
		return nil, &Fault{Path: -1, Reason: fmt.Sprintf("window [%d,+%d) over %d columns", x0, w, inW), Err: ErrGeometry}
	}

	q := inW / n
	end := x0 + w
	out := make([]Quadrant, n)
	sum := 0

	for i := 0; i < n; i++ {
		qs := i * q
		qe := qs + q
		if i == n-1 {
			qe = inW
		}

		quad := Quadrant{Index: i, Start: qs, Width: qe - qs}
		startIn := x0 >= qs && x0 < qe
		endIn := end > qs && end <= qe

		switch {
		case startIn && endIn:
			quad.Class = ClassHeadRear
			quad.Offset = x0 - qs
			quad.OutWidth = w
		case startIn:
			quad.Class = ClassHead
			quad.Offset = x0 - qs
			quad.OutWidth = qe - x0
		case endIn:
			quad.Class = ClassRear
			quad.OutWidth = end - qs
		case x0 < qs && end > qe:
			quad.Class = ClassMiddle
			quad.OutWidth = qe - qs
		default:
			quad.Class = ClassEmpty
		}

		quad.OutX = sum
		sum += quad.OutWidth
		out[i] = quad
	}

	if sum != w {
		return nil, &Fault{
			Path:   -1,
			Reason: fmt.Sprintf("slice widths sum to %d, want %d", sum, w),
			Err:    ErrPartition,
		}
	}
	return out, nil
}
