// Package workertest provides an in-memory worker.Runtime.
package workertest

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"guardian-bootstrap/internal/worker"
)

// FakeRuntime records lifecycle calls and serves scripted log lines.
type FakeRuntime struct {
	mu sync.Mutex

	running  map[string]worker.RunSpec
	removed  []string
	runs     []worker.RunSpec
	lines    []string
	delay    time.Duration
	hold     bool
	runErr   error
	tailSeen []int
}

// New returns an empty runtime.
func New() *FakeRuntime {
	return &FakeRuntime{running: make(map[string]worker.RunSpec)}
}

// SetLogs scripts the lines Logs emits, each after delay. With hold set the
// stream stays open after the last line until it is closed.
func (f *FakeRuntime) SetLogs(lines []string, delay time.Duration, hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append([]string(nil), lines...)
	f.delay = delay
	f.hold = hold
}

// FailRun makes Run return err.
func (f *FakeRuntime) FailRun(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErr = err
}

// Runs returns every RunSpec received.
func (f *FakeRuntime) Runs() []worker.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.RunSpec(nil), f.runs...)
}

// Removed returns the names passed to Remove.
func (f *FakeRuntime) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Running reports whether an instance with name is live.
func (f *FakeRuntime) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[name]
	return ok
}

// Tails returns the tail sizes requested from Logs.
func (f *FakeRuntime) Tails() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.tailSeen...)
}

// Remove implements worker.Runtime.
func (f *FakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	if _, ok := f.running[name]; !ok {
		return worker.ErrContainerNotFound
	}
	delete(f.running, name)
	return nil
}

// Run implements worker.Runtime.
func (f *FakeRuntime) Run(_ context.Context, spec worker.RunSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	f.runs = append(f.runs, spec)
	f.running[spec.Name] = spec
	return nil
}

// Logs implements worker.Runtime.
func (f *FakeRuntime) Logs(ctx context.Context, _ string, tail int) (io.ReadCloser, error) {
	f.mu.Lock()
	lines := append([]string(nil), f.lines...)
	delay := f.delay
	hold := f.hold
	f.tailSeen = append(f.tailSeen, tail)
	f.mu.Unlock()

	pr, pw := io.Pipe()
	out := &stream{PipeReader: pr, closed: make(chan struct{})}
	go func() {
		for _, line := range lines {
			select {
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
				return
			case <-out.closed:
				return
			case <-time.After(delay):
			}
			if _, err := io.WriteString(pw, strings.TrimRight(line, "\n")+"\n"); err != nil {
				return
			}
		}
		if hold {
			select {
			case <-ctx.Done():
			case <-out.closed:
			}
		}
		pw.Close()
	}()
	return out, nil
}

type stream struct {
	*io.PipeReader
	closed chan struct{}
	once   sync.Once
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.PipeReader.Close()
}

var _ worker.Runtime = (*FakeRuntime)(nil)
