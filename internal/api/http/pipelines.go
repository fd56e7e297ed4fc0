package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zfett/vpipe/internal/pipeline/controller"
)

// commandContext keeps trace values but outlives the request, so a client
// hanging up cannot abandon a half-applied command
func commandContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (h *Handlers) record(cmd controller.Command, err error, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordCommand(string(cmd), err, time.Since(start))
	}
}

// ListPipelines lists every initialized path
func (h *Handlers) ListPipelines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pipelines": h.manager.List(),
	})
}

// GetPipeline returns a snapshot of one path
func (h *Handlers) GetPipeline(c *gin.Context) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctl.Info())
}

// GetStats returns the running statistics of one path
func (h *Handlers) GetStats(c *gin.Context) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":  ctl.Path(),
		"state": ctl.State(),
		"stats": ctl.Stats(),
	})
}

// InitPipeline initializes a path from the JSON config in the body. The path
// in the URL wins over the body.
func (h *Handlers) InitPipeline(c *gin.Context) {
	path, ok := pathParam(c)
	if !ok {
		return
	}

	var cfg controller.Config
	if err := c.ShouldBindJSON(&cfg); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid config: " + err.Error(),
		})
		return
	}
	cfg.Path = path
	if h.defaults != nil {
		h.defaults(&cfg)
	}

	start := time.Now()
	err := h.manager.Init(commandContext(c), cfg)
	h.record(controller.CmdInit, err, start)
	if err != nil {
		h.fail(c, err)
		return
	}

	ctl, _ := h.manager.Get(path)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"pipeline": ctl.Info(),
	})
}

// ReconfigurePipeline changes the input geometry of a live path. The body is
// the full config; only the input size and crop window may differ.
func (h *Handlers) ReconfigurePipeline(c *gin.Context) {
	path, ok := pathParam(c)
	if !ok {
		return
	}

	var cfg controller.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid config: " + err.Error(),
		})
		return
	}
	cfg.Path = path
	if h.defaults != nil {
		h.defaults(&cfg)
	}

	start := time.Now()
	err := h.manager.Reconfigure(commandContext(c), cfg)
	h.record(controller.CmdReconfigure, err, start)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"path":    path,
		"command": controller.CmdReconfigure,
	})
}

// command returns the handler of a command without a body
func (h *Handlers) command(cmd controller.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		path, ok := pathParam(c)
		if !ok {
			return
		}

		start := time.Now()
		err := h.manager.Execute(commandContext(c), path, cmd)
		h.record(cmd, err, start)
		if err != nil {
			h.fail(c, err)
			return
		}

		state := controller.StateDeinitialized
		if ctl, ok := h.manager.Get(path); ok {
			state = ctl.State()
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"path":    path,
			"command": cmd,
			"state":   state,
		})
	}
}
