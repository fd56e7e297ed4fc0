package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionQuadCoversWindow(t *testing.T) {
	for _, inW := range []int{3840, 4096, 5120, 7680} {
		for outW := Threshold4K; outW <= inW; outW += 128 {
			for x0 := 0; x0+outW <= inW; x0 += 96 {
				quads, err := PartitionQuad(inW, x0, outW)
				require.NoError(t, err, "in=%d x0=%d w=%d", inW, x0, outW)
				require.Len(t, quads, 4)

				sum := 0
				for _, q := range quads {
					assert.GreaterOrEqual(t, q.OutWidth, 0)
					assert.LessOrEqual(t, q.Offset+q.OutWidth, q.Width)
					assert.Equal(t, sum, q.OutX)
					sum += q.OutWidth
				}
				assert.Equal(t, outW, sum, "in=%d x0=%d w=%d", inW, x0, outW)
			}
		}
	}
}

func TestPartitionQuadClasses(t *testing.T) {
	tests := []struct {
		name    string
		inW     int
		x0      int
		w       int
		classes []Class
		widths  []int
	}{
		{
			name:    "full width",
			inW:     3840,
			w:       3840,
			classes: []Class{ClassHead, ClassMiddle, ClassMiddle, ClassRear},
			widths:  []int{960, 960, 960, 960},
		},
		{
			name:    "inset window",
			inW:     4096,
			x0:      128,
			w:       3840,
			classes: []Class{ClassHead, ClassMiddle, ClassMiddle, ClassRear},
			widths:  []int{896, 1024, 1024, 896},
		},
		{
			name:    "left half of 8k",
			inW:     7680,
			w:       3840,
			classes: []Class{ClassHead, ClassRear, ClassEmpty, ClassEmpty},
			widths:  []int{1920, 1920, 0, 0},
		},
		{
			name:    "window inside one quadrant",
			inW:     7680,
			x0:      100,
			w:       1000,
			classes: []Class{ClassHeadRear, ClassEmpty, ClassEmpty, ClassEmpty},
			widths:  []int{1000, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quads, err := PartitionQuad(tt.inW, tt.x0, tt.w)
			require.NoError(t, err)
			for i, q := range quads {
				assert.Equal(t, tt.classes[i], q.Class, "quadrant %d", i)
				assert.Equal(t, tt.widths[i], q.OutWidth, "quadrant %d", i)
			}
		})
	}
}

func TestPartitionQuadFaults(t *testing.T) {
	_, err := PartitionQuad(3840, 64, 3840)
	assert.ErrorIs(t, err, ErrPartition)

	_, err = PartitionQuad(3840, -1, 100)
	assert.ErrorIs(t, err, ErrGeometry)

	_, err = PartitionQuad(2, 0, 2)
	assert.ErrorIs(t, err, ErrGeometry)
}
