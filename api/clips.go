package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/queue"
	"github.com/jdziat/clipjobs/pkg/security"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type submitResponse struct {
	JobID string        `json:"jobId"`
	State core.JobState `json:"state"`
}

type cancelResponse struct {
	JobID     string `json:"jobId"`
	Cancelled bool   `json:"cancelled"`
	Abandoned bool   `json:"abandoned"`
}

func (s *Server) submit(c *gin.Context) {
	var req queue.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, core.Validation("request body must be a JSON object with sourceRef or sourceId"))
		return
	}

	id, err := s.queue.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Location", "/api/v1/clips/"+id)
	c.JSON(http.StatusAccepted, submitResponse{JobID: id, State: core.StateQueued})
}

// lookup loads the job named by the :id parameter. Malformed ids are
// reported as not found; store failures as unavailable.
func (s *Server) lookup(c *gin.Context) (*core.Job, bool) {
	id := c.Param("id")
	if err := security.ValidateJobID(id); err != nil {
		s.writeError(c, err)
		return nil, false
	}
	job, err := s.queue.Store().Get(c.Request.Context(), id)
	if err != nil {
		if !errors.Is(err, core.ErrJobNotFound) {
			err = core.QueueUnavailable(err)
		}
		s.writeError(c, err)
		return nil, false
	}
	return job, true
}

func (s *Server) status(c *gin.Context) {
	job, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, core.StatusOf(job))
}

func (s *Server) list(c *gin.Context) {
	state := core.JobState(c.Query("state"))
	switch state {
	case "", core.StateQueued, core.StateActive, core.StateCompleted, core.StateFailed:
	default:
		s.writeError(c, core.Validation("state must be one of: queued, active, completed, failed"))
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(c, core.Validation("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := s.queue.Store().List(c.Request.Context(), state, limit)
	if err != nil {
		s.writeError(c, core.QueueUnavailable(err))
		return
	}
	out := make([]core.Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, core.StatusOf(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) cancel(c *gin.Context) {
	id := c.Param("id")
	if err := security.ValidateJobID(id); err != nil {
		s.writeError(c, err)
		return
	}
	outcome, err := s.queue.Cancel(c.Request.Context(), id)
	if err != nil {
		if !errors.Is(err, core.ErrJobNotFound) && !errors.Is(err, core.ErrJobTerminal) {
			err = core.QueueUnavailable(err)
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelResponse{
		JobID:     id,
		Cancelled: outcome.Cancelled,
		Abandoned: outcome.Abandoned,
	})
}

func (s *Server) validate(c *gin.Context) {
	ref := c.Query("url")
	if ref == "" {
		s.writeError(c, core.Validation("url query parameter is required"))
		return
	}
	c.JSON(http.StatusOK, s.queue.Validate(ref))
}

type statsStore interface {
	CountByState(ctx context.Context) (map[core.JobState]int64, error)
	FailuresByCategory(ctx context.Context) (map[core.Category]int64, error)
}

func (s *Server) stats(c *gin.Context) {
	st, ok := s.queue.Store().(statsStore)
	if !ok {
		c.JSON(http.StatusNotImplemented, errorResponse{Error: "store does not report statistics"})
		return
	}
	ctx := c.Request.Context()
	byState, err := st.CountByState(ctx)
	if err != nil {
		s.writeError(c, core.QueueUnavailable(err))
		return
	}
	failures, err := st.FailuresByCategory(ctx)
	if err != nil {
		s.writeError(c, core.QueueUnavailable(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": byState, "failures": failures})
}
