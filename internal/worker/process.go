package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrKillTimeout means the worker was still running after SIGKILL and the kill wait.
var ErrKillTimeout = errors.New("worker did not exit after kill")

// DefaultKillWait bounds how long Terminate and Kill wait after SIGKILL.
const DefaultKillWait = 2 * time.Second

// Process is a handle on a running worker. Done is closed exactly once when the
// worker exits; ExitErr is meaningful only after that.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	ExitErr() error
	Signal(sig os.Signal) error
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) wait(onExit func(error)) {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	if onExit != nil {
		onExit(err)
	}
	close(p.done)
}

// Exited reports whether p has already exited.
func Exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM, waits up to grace, then escalates to SIGKILL.
// A process that is already gone counts as terminated.
func Terminate(p Process, grace time.Duration) error {
	if Exited(p) {
		return nil
	}
	if err := signal(p, syscall.SIGTERM); err != nil {
		return err
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.Done():
		return nil
	case <-t.C:
	}
	return Kill(p, DefaultKillWait)
}

// Kill sends SIGKILL and waits up to wait for the exit notification.
func Kill(p Process, wait time.Duration) error {
	if Exited(p) {
		return nil
	}
	if err := signal(p, os.Kill); err != nil {
		return err
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.Done():
		return nil
	case <-t.C:
		return fmt.Errorf("pid %d: %w", p.Pid(), ErrKillTimeout)
	}
}

func signal(p Process, sig os.Signal) error {
	err := p.Signal(sig)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if Exited(p) {
		return nil
	}
	return fmt.Errorf("signal %v to pid %d: %w", sig, p.Pid(), err)
}

// ExitDescription renders a wait error as "exit code N", "signal: killed", or "clean exit".
func ExitDescription(err error) string {
	if err == nil {
		return "clean exit"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return fmt.Sprintf("exit code %d", code)
		}
	}
	return err.Error()
}
