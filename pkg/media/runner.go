package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// stderrLimit caps how much subprocess stderr is kept for diagnostics.
const stderrLimit = 16 << 10

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability. When onLine is
// set, stdout is streamed to it line by line instead of being captured.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, onLine func(string)) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	var stdout bytes.Buffer
	var pipe io.ReadCloser
	if onLine == nil {
		cmd.Stdout = &stdout
	} else {
		var err error
		pipe, err = cmd.StdoutPipe()
		if err != nil {
			return commandResult{ExitCode: -1}, err
		}
	}

	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1}, err
	}
	if pipe != nil {
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			onLine(strings.TrimSpace(scanner.Text()))
		}
		// Drain so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pipe)
	}

	err := cmd.Wait()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
