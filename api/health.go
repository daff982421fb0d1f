package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type checkResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// dependencies runs every registered check. Any failure makes the service
// unhealthy.
func (s *Server) dependencies(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	results := make(map[string]checkResult, len(s.checks))
	for _, chk := range s.checks {
		start := time.Now()
		err := chk.fn(ctx)
		res := checkResult{Status: "ok", Latency: time.Since(start).Round(time.Microsecond).String()}
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		results[chk.name] = res
	}

	c.JSON(code, gin.H{
		"status":    status,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
