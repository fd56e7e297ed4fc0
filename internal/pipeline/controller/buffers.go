package controller

import (
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/pipeline/ring"
)

func (c *Controller) live() (*runtime, error) {
	rt := c.rt.Load()
	if rt == nil || !c.State().Live() {
		return nil, ErrNotInitialized
	}
	return rt, nil
}

// AttachBuffer adds a frame buffer to the ring. It joins the rotation at the
// next swap.
func (c *Controller) AttachBuffer(addr uint64) (ring.BufferID, error) {
	rt, err := c.live()
	if err != nil {
		return ring.None, err
	}
	id := rt.ring.Attach(addr)
	c.logger.Debug("Buffer attached", zap.Int("buffer", int(id)), zap.Uint64("addr", addr))
	return id, nil
}

// DetachBuffer removes a frame buffer from the ring at the next swap
func (c *Controller) DetachBuffer(id ring.BufferID) error {
	rt, err := c.live()
	if err != nil {
		return err
	}
	return rt.ring.Detach(id)
}

// Buffers returns the buffers in rotation
func (c *Controller) Buffers() ([]ring.Buffer, error) {
	rt, err := c.live()
	if err != nil {
		return nil, err
	}
	return rt.ring.Buffers(), nil
}

// Displayable returns the most recently completed buffer
func (c *Controller) Displayable() (ring.Buffer, bool, error) {
	rt, err := c.live()
	if err != nil {
		return ring.Buffer{}, false, err
	}
	buf, ok := rt.ring.Displayable()
	return buf, ok, nil
}

// HandToConsumer marks id as held by the consumer and returns the buffer it
// released, if any
func (c *Controller) HandToConsumer(id ring.BufferID) (ring.BufferID, bool, error) {
	rt, err := c.live()
	if err != nil {
		return ring.None, false, err
	}
	return rt.ring.HandToConsumer(id)
}
