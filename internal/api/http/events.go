package http

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zfett/vpipe/internal/pipeline/events"
)

// eventFilter builds a matcher from the optional path and kind query
// parameters
func eventFilter(c *gin.Context) (func(events.Event) bool, bool) {
	path := -1
	if raw := c.Query("path"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "path must be an integer",
			})
			return nil, false
		}
		path = p
	}
	kind := events.Kind(c.Query("kind"))

	return func(ev events.Event) bool {
		if path >= 0 && ev.Path != path {
			return false
		}
		return kind == "" || ev.Kind == kind
	}, true
}

// ListEvents returns the retained events as JSON
func (h *Handlers) ListEvents(c *gin.Context) {
	match, ok := eventFilter(c)
	if !ok {
		return
	}
	evs := h.bus.History().Events(match)
	c.JSON(http.StatusOK, gin.H{
		"count":  len(evs),
		"events": evs,
	})
}

// ExportEvents streams the retained events as zstd-compressed NDJSON
func (h *Handlers) ExportEvents(c *gin.Context) {
	match, ok := eventFilter(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	n, err := h.bus.History().Export(&buf, match)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="events.ndjson.zst"`)
	c.Header("X-Event-Count", strconv.Itoa(n))
	c.Data(http.StatusOK, "application/zstd", buf.Bytes())
}
