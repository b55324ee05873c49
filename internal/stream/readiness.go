package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/livepeer/m3u8"
)

// ReadyState is the outcome of waiting for a worker's first manifest.
type ReadyState int

const (
	Waiting ReadyState = iota
	Ready
	TimedOut
	Exited
	Cancelled
)

func (s ReadyState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Exited:
		return "exited"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ReadyState(%d)", int(s))
	}
}

// DefaultPollInterval is used when a Detector has no interval.
const DefaultPollInterval = time.Second

// Detector waits for a manifest to appear. It polls at Interval; filesystem
// notifications on the manifest's directory only wake the poll early.
type Detector struct {
	Interval time.Duration
	Log      *slog.Logger
}

// Await returns Ready the first time manifest exists and is non-empty,
// TimedOut after timeout, Exited once exited is closed, and Cancelled when ctx ends.
func (d *Detector) Await(ctx context.Context, manifest string, timeout time.Duration, exited <-chan struct{}) ReadyState {
	if manifestReady(manifest) {
		return Ready
	}

	interval := d.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w := d.watch(filepath.Dir(manifest)); w != nil {
		defer w.Close()
		events, errs = w.Events, w.Errors
	}
	name := filepath.Base(manifest)

	for {
		select {
		case <-ctx.Done():
			return Cancelled
		case <-exited:
			// the worker may have finished its manifest just before dying
			if manifestReady(manifest) {
				return Ready
			}
			return Exited
		case <-deadline.C:
			if manifestReady(manifest) {
				return Ready
			}
			return TimedOut
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != name || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.logger().Debug("readiness watcher error", slog.String("error", err.Error()))
			continue
		}
		if manifestReady(manifest) {
			return Ready
		}
	}
}

func (d *Detector) watch(dir string) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger().Debug("readiness watcher unavailable, polling only", slog.String("error", err.Error()))
		return nil
	}
	if err := w.Add(dir); err != nil {
		d.logger().Debug("readiness watch failed, polling only",
			slog.String("dir", dir), slog.String("error", err.Error()))
		w.Close()
		return nil
	}
	return w
}

func (d *Detector) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

func manifestReady(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

// Health is what a health poll learns about a manifest.
type Health struct {
	Exists        bool
	Size          int64
	ModTime       time.Time
	Segments      int
	MediaSequence uint64
}

// progressed reports whether h shows newer output than prev.
func (h Health) progressed(prev Health) bool {
	if !h.Exists {
		return false
	}
	return !prev.Exists ||
		h.MediaSequence != prev.MediaSequence ||
		h.ModTime.After(prev.ModTime) ||
		h.Size != prev.Size
}

// ProbeManifest reads the playlist at path. A missing file is not an error; an
// unparseable one returns the file facts together with the decode error.
func ProbeManifest(path string) (Health, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Health{}, nil
	}
	if err != nil {
		return Health{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Health{}, err
	}
	h := Health{Exists: true, Size: st.Size(), ModTime: st.ModTime()}

	p, listType, err := m3u8.DecodeFrom(bufio.NewReader(f), false)
	if err != nil {
		return h, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if listType == m3u8.MEDIA {
		if pl, ok := p.(*m3u8.MediaPlaylist); ok {
			h.Segments = int(pl.Count())
			h.MediaSequence = pl.SeqNo
		}
	}
	return h, nil
}
