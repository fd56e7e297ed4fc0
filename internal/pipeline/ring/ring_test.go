package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func addrs(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = 0x8000_0000 + uint64(i)*0x80_0000
	}
	return out
}

func TestGetEmptyWraps(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		r := New(addrs(n), zap.NewNop())

		first, err := r.GetEmpty()
		require.NoError(t, err)
		for i := 1; i < n; i++ {
			_, err := r.GetEmpty()
			require.NoError(t, err)
		}
		last, err := r.GetEmpty()
		require.NoError(t, err)

		assert.Equal(t, first.ID, last.ID, "n=%d", n)
		for _, b := range r.Buffers() {
			assert.GreaterOrEqual(t, b.Refs, int32(0))
		}
	}
}

func TestGetEmptyOnEmptyRing(t *testing.T) {
	r := New(nil, nil)
	_, err := r.GetEmpty()
	assert.ErrorIs(t, err, ErrEmpty)

	_, _, err = r.AdvanceNext()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestGetEmptyCountsExhaustion(t *testing.T) {
	r := New(addrs(2), zap.NewNop())

	_, _, err := r.HandToConsumer(0)
	require.NoError(t, err)

	b, err := r.GetEmpty()
	require.NoError(t, err)
	assert.Equal(t, BufferID(0), b.ID)
	assert.Equal(t, uint64(1), r.Exhausted())

	_, err = r.GetEmpty()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Exhausted())
}

func TestAdvanceSwapCycle(t *testing.T) {
	r := New(addrs(3), zap.NewNop())

	_, ok := r.Displayable()
	assert.False(t, ok)

	for frame := 0; frame < 7; frame++ {
		next, gen, err := r.AdvanceNext()
		require.NoError(t, err)
		assert.Equal(t, BufferID((frame+1)%3), next.ID)

		done, ok := r.Displayable()
		require.True(t, ok)
		assert.Equal(t, BufferID(frame%3), done.ID)

		assert.True(t, r.Swap(gen))
		cur, _ := r.Current()
		assert.Equal(t, next.ID, cur.ID)
	}
}

func TestRewind(t *testing.T) {
	r := New(addrs(3), zap.NewNop())

	_, _, err := r.AdvanceNext()
	require.NoError(t, err)
	r.Rewind()

	next, _, err := r.AdvanceNext()
	require.NoError(t, err)
	assert.Equal(t, BufferID(1), next.ID)
}

func TestHandToConsumer(t *testing.T) {
	r := New(addrs(3), zap.NewNop())

	prev, ok, err := r.HandToConsumer(1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, None, prev)
	assert.Equal(t, BufferID(1), r.Held())

	prev, ok, err = r.HandToConsumer(1)
	require.NoError(t, err)
	assert.False(t, ok, "repeat hand-off frees nothing")
	assert.Equal(t, None, prev)

	prev, ok, err = r.HandToConsumer(2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, BufferID(1), prev)

	bufs := r.Buffers()
	assert.Equal(t, int32(0), bufs[1].Refs)
	assert.Equal(t, int32(1), bufs[2].Refs)

	_, _, err = r.HandToConsumer(42)
	assert.ErrorIs(t, err, ErrUnknownBuffer)
}

func TestAttachDetachApplyAtSwap(t *testing.T) {
	r := New(addrs(2), zap.NewNop())

	id := r.Attach(0x9000_0000)
	assert.Equal(t, BufferID(2), id)
	assert.Equal(t, 2, r.Len(), "staged until swap")

	_, gen, err := r.AdvanceNext()
	require.NoError(t, err)
	require.True(t, r.Swap(gen))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, gen+1, r.Generation())

	require.NoError(t, r.Detach(0))
	assert.Equal(t, 3, r.Len())
	r.Reset()
	assert.Equal(t, 2, r.Len())

	bufs := r.Buffers()
	assert.Equal(t, BufferID(1), bufs[0].ID)
	assert.Equal(t, BufferID(2), bufs[1].ID)
}

func TestStaleSwapIsSkipped(t *testing.T) {
	r := New(addrs(2), zap.NewNop())

	_, gen, err := r.AdvanceNext()
	require.NoError(t, err)

	r.Attach(0x9000_0000)
	_, gen2, err := r.AdvanceNext()
	require.NoError(t, err)
	require.True(t, r.Swap(gen2))

	assert.False(t, r.Swap(gen), "completion built against the old set")
}

func TestDetachErrors(t *testing.T) {
	r := New(addrs(1), zap.NewNop())
	assert.ErrorIs(t, r.Detach(0), ErrEmpty)
	assert.ErrorIs(t, r.Detach(7), ErrUnknownBuffer)

	staged := r.Attach(0x1000)
	require.NoError(t, r.Detach(staged))
	assert.ErrorIs(t, r.Detach(staged), ErrUnknownBuffer)
}

func TestDetachHeldBufferReleasesHold(t *testing.T) {
	r := New(addrs(3), zap.NewNop())
	_, _, err := r.HandToConsumer(2)
	require.NoError(t, err)

	require.NoError(t, r.Detach(2))
	r.Reset()
	assert.Equal(t, None, r.Held())
}

func TestConcurrentAccess(t *testing.T) {
	r := New(addrs(4), zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, gen, _ := r.AdvanceNext()
			r.Swap(gen)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if b, ok := r.Displayable(); ok {
				_, _, _ = r.HandToConsumer(b.ID)
			}
		}
	}()
	wg.Wait()

	for _, b := range r.Buffers() {
		assert.GreaterOrEqual(t, b.Refs, int32(0))
		assert.LessOrEqual(t, b.Refs, int32(1))
	}
}

func TestGetEmptyKeepsSOFIndices(t *testing.T) {
	r := New(addrs(3), zap.NewNop())

	b, err := r.GetEmpty()
	require.NoError(t, err)
	assert.Equal(t, BufferID(0), b.ID)

	next, gen, err := r.AdvanceNext()
	require.NoError(t, err)
	assert.Equal(t, BufferID(1), next.ID)
	done, ok := r.Displayable()
	require.True(t, ok)
	assert.Equal(t, BufferID(0), done.ID)

	b, err = r.GetEmpty()
	require.NoError(t, err)
	assert.Equal(t, BufferID(1), b.ID)

	require.True(t, r.Swap(gen))
	cur, _ := r.Current()
	assert.Equal(t, BufferID(1), cur.ID)

	next, _, err = r.AdvanceNext()
	require.NoError(t, err)
	assert.Equal(t, BufferID(2), next.ID)
	done, _ = r.Displayable()
	assert.Equal(t, BufferID(1), done.ID)

	b, err = r.GetEmpty()
	require.NoError(t, err)
	assert.Equal(t, BufferID(2), b.ID)

	r.Reset()
	b, err = r.GetEmpty()
	require.NoError(t, err)
	assert.Equal(t, BufferID(0), b.ID)
}
