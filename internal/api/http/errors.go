package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/monitor"
	"github.com/zfett/vpipe/internal/pipeline/reconfig"
	"github.com/zfett/vpipe/internal/pipeline/ring"
	"github.com/zfett/vpipe/internal/pipeline/topology"
)

// StatusOf maps a pipeline error to an HTTP status code
func StatusOf(err error) int {
	var (
		transition *controller.TransitionError
		fault      *topology.Fault
		stage      *controller.StageFault
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, controller.ErrUnknownPath), errors.Is(err, ring.ErrUnknownBuffer):
		return http.StatusNotFound
	case errors.As(err, &transition),
		errors.Is(err, controller.ErrInitIncomplete),
		errors.Is(err, controller.ErrNotInitialized),
		errors.Is(err, ring.ErrEmpty):
		return http.StatusConflict
	case errors.Is(err, reconfig.ErrBusy):
		return http.StatusTooManyRequests
	case errors.As(err, &fault), errors.Is(err, controller.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.As(err, &stage):
		return http.StatusBadGateway
	case errors.Is(err, monitor.ErrSyncTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status
func (h *Handlers) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Pipeline request failed",
			zap.String("route", c.FullPath()),
			zap.String("path", c.Param("path")),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
