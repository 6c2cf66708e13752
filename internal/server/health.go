package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports liveness and the backend requests are relayed to.
func (s *Server) Health(c *gin.Context) {
	snap := s.store.Current()
	resp := gin.H{
		"status":   "ok",
		"backend":  snap.Adapter.Variant(),
		"upstream": snap.Adapter.Endpoint(),
	}
	if s.version != "" {
		resp["version"] = s.version
	}
	c.JSON(http.StatusOK, resp)
}
