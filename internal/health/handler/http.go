package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Liveness answers 200 while the process is up.
func (s *Server) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness answers 200 when the database and policy checks pass, 503 otherwise.
func (s *Server) Readiness(c *gin.Context) {
	if err := s.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
