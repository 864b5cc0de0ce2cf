package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
)

func (s *Server) ListBreakers(c *gin.Context) {
	snapshots := []circuitbreaker.Snapshot{}
	if s.breakers != nil {
		snapshots = append(snapshots, s.breakers.Snapshots()...)
	}
	c.JSON(http.StatusOK, gin.H{"breakers": snapshots})
}
