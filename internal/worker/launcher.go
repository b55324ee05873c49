package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Spec is everything needed to start one worker.
type Spec struct {
	StreamID  string
	Args      []string
	OutputDir string
}

// Launcher starts workers. Launch must not leave a running process behind when
// it returns an error.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs a local binary (ffmpeg) with a direct argument vector.
type ExecLauncher struct {
	Binary string
	Log    *slog.Logger
}

// NewExecLauncher returns a launcher for binary; an empty binary means "ffmpeg".
func NewExecLauncher(binary string, log *slog.Logger) *ExecLauncher {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &ExecLauncher{Binary: binary, Log: log}
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Log == nil {
		return slog.Default()
	}
	return l.Log
}

// Launch implements Launcher. The process outlives ctx: ctx only guards the
// preparation steps, the supervisor owns the lifetime from here on.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.Command(l.Binary, spec.Args...)
	cmd.Stdin = nil
	log := l.logger()
	stdout := newLogWriter(log, spec.StreamID, "stdout", slog.LevelDebug)
	stderr := newLogWriter(log, spec.StreamID, "stderr", slog.LevelWarn)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Binary, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go proc.wait(func(error) {
		stdout.Flush()
		stderr.Flush()
	})
	log.Info("worker started",
		slog.String("stream_id", spec.StreamID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("output_dir", spec.OutputDir))
	return proc, nil
}

// maxLogLine truncates chatty worker output.
const maxLogLine = 200

// logWriter turns a worker's output stream into log records, one per line.
type logWriter struct {
	log   *slog.Logger
	level slog.Level

	mu      sync.Mutex
	pending []byte
}

func newLogWriter(log *slog.Logger, streamID, stream string, level slog.Level) *logWriter {
	return &logWriter{
		log:   log.With(slog.String("stream_id", streamID), slog.String("stream", stream)),
		level: level,
	}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx == -1 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	// a worker that never writes a newline must not grow the buffer forever
	if len(w.pending) > 4*maxLogLine {
		w.emit(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if len(line) > maxLogLine {
		line = line[:maxLogLine]
	}
	w.log.Log(context.Background(), w.level, "worker output", slog.String("line", string(line)))
}
