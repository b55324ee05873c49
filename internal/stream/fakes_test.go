package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rtsp-gateway/internal/platform/events"
	"rtsp-gateway/internal/platform/logger"
	"rtsp-gateway/internal/worker"

	"github.com/stretchr/testify/require"
)

const testManifest = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:3\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:3.000000,\nstream0.ts\n"

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool

	mu      sync.Mutex
	err     error
	signals []os.Signal
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	if worker.Exited(p) {
		return os.ErrProcessDone
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == os.Kill || !p.ignoreTerm {
		p.exit(fmt.Errorf("signal: %v", sig))
	}
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) received() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// behavior decides what a fake worker does once launched.
type behavior int

const (
	writesManifest behavior = iota
	staysSilent
	diesEarly
	ignoresTerm
)

type fakeLauncher struct {
	mu       sync.Mutex
	behavior behavior
	err      error
	launches []worker.Spec
	procs    map[string]*fakeProcess
	nextPid  int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(map[string]*fakeProcess), nextPid: 1000}
}

func (l *fakeLauncher) set(b behavior) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.behavior = b
}

func (l *fakeLauncher) Launch(ctx context.Context, spec worker.Spec) (worker.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.launches = append(l.launches, spec)
	if l.err != nil {
		return nil, l.err
	}
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return nil, err
	}
	l.nextPid++
	p := &fakeProcess{pid: l.nextPid, done: make(chan struct{}), ignoreTerm: l.behavior == ignoresTerm}
	switch l.behavior {
	case writesManifest, ignoresTerm:
		if err := os.WriteFile(filepath.Join(spec.OutputDir, worker.ManifestName), []byte(testManifest), 0o644); err != nil {
			return nil, err
		}
	case diesEarly:
		p.exit(errors.New("exit status 1"))
	}
	l.procs[spec.StreamID] = p
	return p, nil
}

func (l *fakeLauncher) proc(id string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) argsFor(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.launches) - 1; i >= 0; i-- {
		if l.launches[i].StreamID == id {
			return l.launches[i].Args
		}
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// waitTypes waits for n events to be delivered and returns their types.
func (p *recordingPublisher) waitTypes(t *testing.T, n int) []events.Type {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.types()) >= n }, time.Second, 5*time.Millisecond)
	return p.types()
}

// blockingPublisher holds every delivery until release is closed.
type blockingPublisher struct {
	recordingPublisher
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, ev events.Event) error {
	<-p.release
	return p.recordingPublisher.Publish(ctx, ev)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		OutputRoot:        t.TempDir(),
		MaxStreams:        10,
		HardTimeout:       time.Minute,
		ReadinessInterval: 5 * time.Millisecond,
		ReadinessTimeout:  time.Second,
		GracePeriod:       50 * time.Millisecond,
		CleanupDelay:      10 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, l worker.Launcher, pub events.Publisher) *Supervisor {
	t.Helper()
	sup := New(cfg, l, logger.Discard(), nil, pub)
	t.Cleanup(func() {
		require.NoError(t, sup.Close(context.Background()))
	})
	return sup
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
