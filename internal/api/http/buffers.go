package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zfett/vpipe/internal/pipeline/ring"
)

// AttachRequest adds a frame buffer to a ring
type AttachRequest struct {
	Addr uint64 `json:"addr" binding:"required"`
}

func bufferParam(c *gin.Context) (ring.BufferID, bool) {
	n, err := strconv.Atoi(c.Param("id"))
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "buffer id must be a non-negative integer",
		})
		return 0, false
	}
	return ring.BufferID(n), true
}

// GetDisplayable returns the buffer a consumer should scan out now
func (h *Handlers) GetDisplayable(c *gin.Context) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	buf, ok, err := ctl.Displayable()
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready":  true,
		"buffer": buf,
	})
}

// ListBuffers returns every buffer of the ring
func (h *Handlers) ListBuffers(c *gin.Context) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	bufs, err := ctl.Buffers()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buffers": bufs})
}

// AttachBuffer stages a new buffer; it joins the rotation at the next swap
func (h *Handlers) AttachBuffer(c *gin.Context) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	var req AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}
	id, err := ctl.AttachBuffer(req.Addr)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"id":      id,
	})
}

// DetachBuffer stages the removal of a buffer
func (h *Handlers) DetachBuffer(c *gin.Context) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	id, ok := bufferParam(c)
	if !ok {
		return
	}
	if err := ctl.DetachBuffer(id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      id,
	})
}

// HandToConsumer marks a buffer as held by the consumer and releases the
// previously held one
func (h *Handlers) HandToConsumer(c *gin.Context) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	id, ok := bufferParam(c)
	if !ok {
		return
	}
	released, had, err := ctl.HandToConsumer(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{
		"success": true,
		"held":    id,
	}
	if had {
		resp["released"] = released
	}
	c.JSON(http.StatusOK, resp)
}
