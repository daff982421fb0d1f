package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
)

// errorResponse is the body of every non-2xx JSON reply. Wrapped causes are
// logged, never returned.
type errorResponse struct {
	Error    string        `json:"error"`
	Category core.Category `json:"category,omitempty"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound, errorResponse{Error: "job not found"}
	case errors.Is(err, core.ErrJobTerminal):
		return http.StatusConflict, errorResponse{Error: "job has already finished"}
	}

	var ce *core.ClipError
	if errors.As(err, &ce) {
		body := errorResponse{Error: ce.Message, Category: ce.Category}
		switch ce.Category {
		case core.CategoryValidation:
			return http.StatusBadRequest, body
		case core.CategoryQueueUnavailable:
			return http.StatusServiceUnavailable, body
		}
	}
	return http.StatusInternalServerError, errorResponse{
		Error:    "internal error",
		Category: core.CategoryInternal,
	}
}
