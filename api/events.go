package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
)

// EventStatus is the name of the snapshot event that opens every stream.
const EventStatus = "status"

// events streams a job's progress as server-sent events. Every event carries
// the same payload as a status read; the event name is its type. The stream opens
// with a status snapshot read from the store and ends after the first
// terminal event. Nothing is replayed: a client that reconnects gets a new
// snapshot.
func (s *Server) events(c *gin.Context) {
	if s.broadcaster == nil {
		c.JSON(http.StatusNotImplemented, errorResponse{Error: "event streaming is disabled"})
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	id := c.Param("id")
	msgs, unsubscribe := s.broadcaster.Subscribe(id)
	defer unsubscribe()

	job, ok := s.lookup(c)
	if !ok {
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	snapshot := core.StatusOf(job)
	s.sendEvent(c, EventStatus, snapshot)
	if job.State.Terminal() {
		s.sendEvent(c, terminalType(job.State), snapshot)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, open := <-msgs:
			if !open {
				return
			}
			s.sendEvent(c, msg.Type, msg.Status)
			if msg.Terminal() {
				return
			}
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		case <-s.closing:
			return
		}
	}
}

func (s *Server) sendEvent(c *gin.Context, name string, status core.Status) {
	c.SSEvent(name, status)
	c.Writer.Flush()
	s.logger.Debug("event sent", zap.String("job_id", status.JobID), zap.String("event", name))
}

func terminalType(state core.JobState) string {
	if state == core.StateCompleted {
		return core.EventCompleted
	}
	return core.EventFailed
}
