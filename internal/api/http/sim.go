package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InjectUnderflow raises an underflow on a simulated path
func (h *Handlers) InjectUnderflow(c *gin.Context) {
	h.inject(c, "underflow", h.injector.InjectUnderflow)
}

// InjectOverrun raises an overrun on a simulated path
func (h *Handlers) InjectOverrun(c *gin.Context) {
	h.inject(c, "overrun", h.injector.InjectOverrun)
}

func (h *Handlers) inject(c *gin.Context, fault string, fn func(int)) {
	ctl, ok := h.lookup(c)
	if !ok {
		return
	}
	fn(ctl.Path())
	h.logger.Info("Injected fault", zap.Int("path", ctl.Path()), zap.String("fault", fault))
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"path":    ctl.Path(),
		"fault":   fault,
	})
}
