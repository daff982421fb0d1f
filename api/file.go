package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/security"
)

// file serves the finished clip with byte-range support. When the local
// copy is gone but the clip was published, the client is redirected.
func (s *Server) file(c *gin.Context) {
	job, ok := s.lookup(c)
	if !ok {
		return
	}
	if job.State != core.StateCompleted {
		c.JSON(http.StatusNotFound, errorResponse{Error: "clip is not ready"})
		return
	}

	path, ok := security.ContainedPath(s.outputDir, job.ID+".mp4")
	if !ok {
		s.writeError(c, core.ErrJobNotFound)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if remote := job.ResultLocator; isRemote(remote) {
			c.Redirect(http.StatusFound, remote)
			return
		}
		if !os.IsNotExist(err) {
			s.logger.Warn("cannot open clip", zap.String("job_id", job.ID), zap.Error(err))
		}
		c.JSON(http.StatusNotFound, errorResponse{Error: "clip file is no longer available"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, errorResponse{Error: "clip file is no longer available"})
		return
	}

	c.Header("Content-Disposition", `inline; filename="`+filepath.Base(path)+`"`)
	c.Header("Cache-Control", "private, max-age=3600")
	c.Header("Content-Type", "video/mp4")
	http.ServeContent(c.Writer, c.Request, filepath.Base(path), info.ModTime(), f)
}

func isRemote(locator string) bool {
	return strings.HasPrefix(locator, "https://") || strings.HasPrefix(locator, "http://")
}
