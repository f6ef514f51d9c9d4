package server

import (
	"github.com/gin-gonic/gin"
)

// NonProduction hides a route in production as if it did not exist.
func (s *Server) NonProduction() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.IsProduction() {
			AbortWithError(c, ErrNotFound)
			return
		}
		c.Next()
	}
}
