// Package audio runs the fetch and transcode processes of a playlist item and
// exposes their combined output as one byte stream.
package audio

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	stderrTailBytes = 4096
	stageWaitDelay  = 2 * time.Second
)

// Stage is one external process of a pipeline.
type Stage struct {
	Name string

	cmd    *exec.Cmd
	stderr *tailBuffer

	startedMutex sync.Mutex
	started      bool

	waitOnce sync.Once
	waitErr  error
}

// NewStage wraps an unstarted command. Stdin and Stdout are assigned by the pipeline.
func NewStage(name string, cmd *exec.Cmd) *Stage {
	return &Stage{
		Name:   name,
		cmd:    cmd,
		stderr: newTailBuffer(stderrTailBytes),
	}
}

// Start launches the process in its own process group.
func (s *Stage) Start() error {
	s.cmd.Stderr = s.stderr
	s.cmd.WaitDelay = stageWaitDelay
	setProcessGroup(s.cmd)

	if startErr := s.cmd.Start(); startErr != nil {
		return fmt.Errorf("failed to start %s (%s): %w", s.Name, s.cmd.Path, startErr)
	}

	s.startedMutex.Lock()
	s.started = true
	s.startedMutex.Unlock()
	return nil
}

// Kill terminates the process and everything it spawned. Safe to call at any time.
func (s *Stage) Kill() {
	s.startedMutex.Lock()
	defer s.startedMutex.Unlock()

	if !s.started || s.cmd.Process == nil {
		return
	}
	killProcessGroup(s.cmd)
}

// Wait reaps the process once and returns its exit error on every call.
func (s *Stage) Wait() error {
	s.startedMutex.Lock()
	started := s.started
	s.startedMutex.Unlock()
	if !started {
		return nil
	}

	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Stderr returns the last bytes the process wrote to stderr.
func (s *Stage) Stderr() string {
	return s.stderr.String()
}

// tailBuffer is an io.Writer keeping only the most recent bytes written.
type tailBuffer struct {
	mutex sync.Mutex
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return strings.TrimSpace(string(b.data))
}
