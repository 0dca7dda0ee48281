package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStallTimeout is how long Read waits for the first byte before the pipeline is killed.
const DefaultStallTimeout = 45 * time.Second

var (
	// ErrStalled means the pipeline produced nothing within the stall timeout.
	ErrStalled = errors.New("pipeline stalled")
	// ErrPipelineClosed is returned by Read after Close.
	ErrPipelineClosed = errors.New("pipeline closed")
)

// TranscodeError reports a pipeline that ended abnormally.
type TranscodeError struct {
	Stage    string
	Produced int64
	Err      error
	Stderr   string
}

func (e *TranscodeError) Error() string {
	msg := fmt.Sprintf("%s stage failed after %d bytes: %v", e.Stage, e.Produced, e.Err)
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Pipeline chains stages through OS pipes: the stdout of stage i is the stdin
// of stage i+1 and the stdout of the last stage is what Read returns.
type Pipeline struct {
	stages       []*Stage
	out          *os.File
	stallTimeout time.Duration

	produced atomic.Int64
	stalled  atomic.Bool
	closed   atomic.Bool

	closeOnce sync.Once

	resultMutex sync.Mutex
	finished    bool
	result      error
}

// StartPipeline wires and starts the stages. On failure every started stage is killed.
// A non-positive stallTimeout disables the watchdog.
func StartPipeline(stages []*Stage, stallTimeout time.Duration) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}

	// Parent copies of the pipe ends handed to children; closed once children have them.
	var childEnds []*os.File
	closeChildEnds := func() {
		for _, f := range childEnds {
			f.Close()
		}
	}

	var out *os.File
	for i, stage := range stages {
		r, w, pipeErr := os.Pipe()
		if pipeErr != nil {
			closeChildEnds()
			if out != nil {
				out.Close()
			}
			return nil, fmt.Errorf("failed to create pipe: %w", pipeErr)
		}
		stage.cmd.Stdout = w
		childEnds = append(childEnds, w)

		if i == len(stages)-1 {
			out = r
		} else {
			stages[i+1].cmd.Stdin = r
			childEnds = append(childEnds, r)
		}
	}

	for i, stage := range stages {
		if startErr := stage.Start(); startErr != nil {
			for _, started := range stages[:i] {
				started.Kill()
			}
			closeChildEnds()
			out.Close()
			for _, started := range stages[:i] {
				_ = started.Wait()
			}
			return nil, &TranscodeError{Stage: stage.Name, Err: startErr}
		}
	}
	closeChildEnds()

	return &Pipeline{
		stages:       stages,
		out:          out,
		stallTimeout: stallTimeout,
	}, nil
}

// Read returns transcoded bytes. At the end of the stream it returns io.EOF when
// every stage exited cleanly, or a *TranscodeError otherwise.
func (p *Pipeline) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrPipelineClosed
	}

	var watchdog *time.Timer
	if p.stallTimeout > 0 {
		watchdog = time.AfterFunc(p.stallTimeout, func() {
			p.stalled.Store(true)
			p.killAll()
		})
	}
	n, readErr := p.out.Read(b)
	if watchdog != nil {
		watchdog.Stop()
	}

	if n > 0 {
		p.produced.Add(int64(n))
	}
	if readErr == nil {
		return n, nil
	}
	if p.closed.Load() {
		return n, ErrPipelineClosed
	}
	if errors.Is(readErr, io.EOF) || p.stalled.Load() {
		return n, p.finish()
	}

	p.killAll()
	if finishErr := p.finish(); finishErr != nil {
		return n, finishErr
	}
	return n, &TranscodeError{Stage: "pipeline", Produced: p.produced.Load(), Err: readErr}
}

// Produced is the number of bytes read so far.
func (p *Pipeline) Produced() int64 {
	return p.produced.Load()
}

// Close kills every stage, releases the output pipe and reaps the processes.
// It is idempotent and safe to call concurrently with Read.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.killAll()
		p.out.Close()
		for _, stage := range p.stages {
			_ = stage.Wait()
		}
	})
	return nil
}

func (p *Pipeline) killAll() {
	for _, stage := range p.stages {
		stage.Kill()
	}
}

// finish reaps the stages from the last one upstream and records the failure
// that ended the stream.
func (p *Pipeline) finish() error {
	p.resultMutex.Lock()
	defer p.resultMutex.Unlock()

	if p.finished {
		return p.result
	}
	p.finished = true

	waitErrs := make([]error, len(p.stages))
	upstreamKilled := false
	var watchdog *time.Timer
	for i := len(p.stages) - 1; i >= 0; i-- {
		waitErrs[i] = p.stages[i].Wait()
		if i == 0 {
			break
		}
		switch {
		case waitErrs[i] != nil && !upstreamKilled:
			// Nothing drains the failed stage's stdin any more, so an upstream
			// stage blocked on network I/O would never see SIGPIPE.
			upstreamKilled = true
			p.killAll()
		case waitErrs[i] == nil && watchdog == nil && p.stallTimeout > 0:
			// Downstream exited cleanly; upstream gets one stall timeout to follow.
			watchdog = time.AfterFunc(p.stallTimeout, func() {
				p.stalled.Store(true)
				p.killAll()
			})
		}
	}
	if watchdog != nil {
		watchdog.Stop()
	}

	switch {
	case p.stalled.Load():
		p.result = &TranscodeError{Stage: "watchdog", Produced: p.produced.Load(), Err: ErrStalled}
	default:
		p.result = io.EOF
		if failed := p.blame(waitErrs, upstreamKilled); failed != nil {
			p.result = failed
		}
	}
	return p.result
}

// blame picks the first stage that failed on its own. Stages killed because a
// downstream stage had already failed are skipped unless nothing else failed.
func (p *Pipeline) blame(waitErrs []error, upstreamKilled bool) *TranscodeError {
	first := -1
	for i, waitErr := range waitErrs {
		if waitErr == nil {
			continue
		}
		if first < 0 {
			first = i
		}
		if upstreamKilled && killedBySignal(waitErr) {
			continue
		}
		return p.stageError(i, waitErr)
	}
	if first < 0 {
		return nil
	}
	return p.stageError(first, waitErrs[first])
}

func (p *Pipeline) stageError(i int, waitErr error) *TranscodeError {
	return &TranscodeError{
		Stage:    p.stages[i].Name,
		Produced: p.produced.Load(),
		Err:      waitErr,
		Stderr:   p.stages[i].Stderr(),
	}
}

func killedBySignal(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && !exitErr.Exited()
}
