package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RunScheduler runs every enabled sweep once and waits for it to finish.
func (s *Server) RunScheduler(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	start := time.Now()
	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
