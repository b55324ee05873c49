package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rtsp-gateway/internal/platform/events"
	"rtsp-gateway/internal/platform/logger"
	"rtsp-gateway/internal/platform/metrics"
	"rtsp-gateway/internal/worker"

	"golang.org/x/sync/errgroup"
)

// TimeoutPolicy decides what the hard timeout measures.
type TimeoutPolicy string

const (
	// TimeoutFixed bounds the total lifetime of a stream.
	TimeoutFixed TimeoutPolicy = "fixed"
	// TimeoutRenew restarts the hard timeout whenever the health poll sees the
	// manifest advance, so only stalled streams expire.
	TimeoutRenew TimeoutPolicy = "renew"
)

// ParseTimeoutPolicy accepts "fixed" or "renew" in any case.
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch p := TimeoutPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case TimeoutFixed, TimeoutRenew:
		return p, nil
	case "":
		return TimeoutFixed, nil
	default:
		return "", fmt.Errorf("unknown stream timeout policy %q", s)
	}
}

// Teardown reasons, used for logs, metrics and events.
const (
	reasonStopped  = "stopped"
	reasonExited   = "exited"
	reasonTimeout  = "timeout"
	reasonShutdown = "shutdown"
)

// Config holds supervisor tunables. Zero durations fall back to DefaultConfig.
type Config struct {
	// OutputRoot holds one directory per stream.
	OutputRoot string
	// URLPrefix is the public path OutputRoot is served under.
	URLPrefix string

	MaxStreams int
	Pacing     time.Duration

	HardTimeout   time.Duration
	TimeoutPolicy TimeoutPolicy

	ReadinessInterval time.Duration
	ReadinessTimeout  time.Duration
	// HealthInterval of zero or less disables the health poll.
	HealthInterval time.Duration

	GracePeriod  time.Duration
	CleanupDelay time.Duration

	Worker worker.Options
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		OutputRoot:        filepath.Join("public", "streams"),
		URLPrefix:         "/streams",
		MaxStreams:        DefaultMaxStreams,
		Pacing:            2 * time.Second,
		HardTimeout:       5 * time.Minute,
		TimeoutPolicy:     TimeoutFixed,
		ReadinessInterval: time.Second,
		ReadinessTimeout:  30 * time.Second,
		HealthInterval:    15 * time.Second,
		GracePeriod:       5 * time.Second,
		CleanupDelay:      5 * time.Second,
		Worker:            worker.DefaultOptions(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OutputRoot == "" {
		c.OutputRoot = def.OutputRoot
	}
	if c.URLPrefix == "" {
		c.URLPrefix = def.URLPrefix
	}
	c.URLPrefix = strings.TrimRight(c.URLPrefix, "/")
	if c.MaxStreams <= 0 {
		c.MaxStreams = def.MaxStreams
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = def.HardTimeout
	}
	if c.TimeoutPolicy == "" {
		c.TimeoutPolicy = def.TimeoutPolicy
	}
	if c.ReadinessInterval <= 0 {
		c.ReadinessInterval = def.ReadinessInterval
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = def.ReadinessTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.Worker == (worker.Options{}) {
		c.Worker = def.Worker
	}
	return c
}

type cleanupToken struct {
	timer *time.Timer
	dir   string
}

// Supervisor owns every worker process: it admits, launches, watches and tears
// down streams, and deletes their output once they are gone.
type Supervisor struct {
	cfg       Config
	admission Admission
	registry  *Registry
	launcher  worker.Launcher
	detector  *Detector
	log       *slog.Logger
	metrics   *metrics.Metrics
	events    events.Publisher

	// baseCtx is cancelled by Close to abort starts still in flight.
	baseCtx context.Context
	abort   context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	cleanupMu sync.Mutex
	cleanups  map[StreamID]*cleanupToken
	flushed   bool

	// events are delivered in order by sendEvents, off the request path.
	eventc    chan events.Event
	eventStop chan struct{}
	eventDone chan struct{}
}

// eventBuffer bounds queued lifecycle events; publish drops beyond it.
const eventBuffer = 256

// New returns a Supervisor. Metrics may be nil; a nil publisher drops events.
func New(cfg Config, launcher worker.Launcher, log *slog.Logger, m *metrics.Metrics, pub events.Publisher) *Supervisor {
	cfg = cfg.withDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = logger.Discard()
	}
	log = logger.WithComponent(log, "supervisor")
	base, abort := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       cfg,
		admission: Admission{MaxStreams: cfg.MaxStreams, Pacing: cfg.Pacing},
		registry:  NewRegistry(),
		launcher:  launcher,
		detector:  &Detector{Interval: cfg.ReadinessInterval, Log: log},
		log:       log,
		metrics:   m,
		events:    pub,
		baseCtx:   base,
		abort:     abort,
		cleanups:  make(map[StreamID]*cleanupToken),
		eventc:    make(chan events.Event, eventBuffer),
		eventStop: make(chan struct{}),
		eventDone: make(chan struct{}),
	}
	go s.sendEvents()
	return s
}

// Start validates, admits, launches and waits for the first manifest of a new
// stream. The stream is only visible to List and Status once it is ready.
func (s *Supervisor) Start(ctx context.Context, rawID, rawURL string) (Stream, error) {
	id, err := ValidateIdentifier(rawID)
	if err != nil {
		return Stream{}, s.startFailed("", err)
	}
	u, err := ValidateSource(rawURL)
	if err != nil {
		return Stream{}, s.startFailed(id, err)
	}
	if err := s.begin(); err != nil {
		return Stream{}, s.startFailed(id, err)
	}
	defer s.wg.Done()

	st, err := s.start(ctx, id, rawURL, RedactURL(u.String()))
	if err != nil {
		return Stream{}, s.startFailed(id, err)
	}
	return st, nil
}

func (s *Supervisor) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	return nil
}

func (s *Supervisor) start(ctx context.Context, id StreamID, rawURL, redacted string) (Stream, error) {
	others, err := s.registry.Reserve(id, s.admission.TryAdmit)
	if err != nil {
		return Stream{}, err
	}
	reserved := true
	defer func() {
		if reserved {
			s.registry.Release(id)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	log := s.log.With(slog.String("stream_id", string(id)))

	if d := s.admission.PacingDelay(others); d > 0 {
		log.Info("other streams running, pacing start", slog.Int("others", others), slog.Duration("delay", d))
		if err := wait(ctx, d); err != nil {
			return Stream{}, s.interrupted(err)
		}
	}

	outputDir := s.OutputDir(id)
	if err := s.prepareOutputDir(id, outputDir); err != nil {
		return Stream{}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	inv := worker.Invocation{
		Input:     Sanitize(rawURL),
		OutputDir: outputDir,
		Others:    s.registry.Len() - 1,
	}
	proc, err := s.launcher.Launch(ctx, worker.Spec{
		StreamID:  string(id),
		Args:      worker.BuildArgs(inv, s.cfg.Worker),
		OutputDir: outputDir,
	})
	if err != nil {
		s.removeDir(id, outputDir)
		if ctx.Err() != nil {
			return Stream{}, s.interrupted(ctx.Err())
		}
		return Stream{}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	hard := time.NewTimer(s.cfg.HardTimeout)

	readyTimeout := min(s.cfg.ReadinessTimeout, s.cfg.HardTimeout)
	state := s.detector.Await(ctx, inv.ManifestPath(), readyTimeout, proc.Done())
	if state != Ready {
		hard.Stop()
		s.abandon(log, proc, outputDir, id)
		switch state {
		case TimedOut:
			return Stream{}, fmt.Errorf("%w: no manifest after %s", ErrReadinessTimeout, readyTimeout)
		case Exited:
			return Stream{}, fmt.Errorf("%w: %s", ErrWorkerExited, worker.ExitDescription(proc.ExitErr()))
		default:
			return Stream{}, s.interrupted(ctx.Err())
		}
	}

	recCtx, recCancel := context.WithCancel(context.Background())
	rec := &record{
		id:        id,
		source:    inv.Input,
		redacted:  redacted,
		outputDir: outputDir,
		startedAt: time.Now().UTC(),
		proc:      proc,
		ctx:       recCtx,
		cancel:    recCancel,
		hard:      hard,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		recCancel()
		hard.Stop()
		s.abandon(log, proc, outputDir, id)
		return Stream{}, ErrShuttingDown
	}
	if err := s.registry.Activate(id, rec); err != nil {
		s.mu.Unlock()
		recCancel()
		hard.Stop()
		s.abandon(log, proc, outputDir, id)
		return Stream{}, err
	}
	reserved = false
	s.wg.Add(1)
	s.mu.Unlock()
	go s.watch(rec)

	log.Info("stream started",
		slog.String("source", redacted),
		slog.Int("pid", proc.Pid()),
		slog.Int("others", inv.Others),
		slog.String("bitrate", worker.ProfileFor(inv.Others).VideoBitrate))
	if s.metrics != nil {
		s.metrics.IncStreamsStarted()
	}
	s.publish(events.StreamStarted, id, "")
	return rec.snapshot(s.cfg.URLPrefix), nil
}

// abandon kills a worker that never became active and removes its output.
func (s *Supervisor) abandon(log *slog.Logger, proc worker.Process, outputDir string, id StreamID) {
	if err := worker.Kill(proc, worker.DefaultKillWait); err != nil {
		log.Error("failed to kill worker", slog.Int("pid", proc.Pid()), slog.String("error", err.Error()))
	}
	s.removeDir(id, outputDir)
}

// interrupted maps a context error to ErrShuttingDown when Close caused it.
func (s *Supervisor) interrupted(err error) error {
	if s.baseCtx.Err() != nil {
		return ErrShuttingDown
	}
	return err
}

func (s *Supervisor) startFailed(id StreamID, err error) error {
	kind := errorKind(err)
	log := s.log
	if id != "" {
		log = log.With(slog.String("stream_id", string(id)))
	}
	if errors.Is(err, ErrInvalidSource) || errors.Is(err, ErrInvalidIdentifier) || errors.Is(err, ErrAlreadyActive) {
		log.Info("stream start rejected", slog.String("reason", kind), slog.String("error", err.Error()))
	} else {
		log.Warn("stream start failed", slog.String("reason", kind), slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.IncStartFailures(kind)
	}
	if id != "" {
		s.publish(events.StreamStartFailed, id, kind)
	}
	return err
}

// watch is the single consumer of a record's exit channel and timers.
func (s *Supervisor) watch(rec *record) {
	defer s.wg.Done()
	defer rec.hard.Stop()

	var health <-chan time.Time
	if s.cfg.HealthInterval > 0 {
		t := time.NewTicker(s.cfg.HealthInterval)
		defer t.Stop()
		health = t.C
	}

	log := s.log.With(slog.String("stream_id", string(rec.id)))
	var last Health
	for {
		select {
		case <-rec.ctx.Done():
			return
		case <-rec.proc.Done():
			if s.registry.ClaimRecord(rec) {
				log.Warn("worker exited", slog.String("exit", worker.ExitDescription(rec.proc.ExitErr())))
				s.teardown(rec, reasonExited)
			}
			return
		case <-rec.hard.C:
			if s.registry.ClaimRecord(rec) {
				log.Warn("stream reached hard timeout",
					slog.Duration("timeout", s.cfg.HardTimeout),
					slog.String("policy", string(s.cfg.TimeoutPolicy)))
				s.teardown(rec, reasonTimeout)
			}
			return
		case <-health:
			last = s.checkHealth(log, rec, last)
		}
	}
}

// checkHealth logs manifest anomalies. It never stops a stream.
func (s *Supervisor) checkHealth(log *slog.Logger, rec *record, last Health) Health {
	h, err := ProbeManifest(filepath.Join(rec.outputDir, worker.ManifestName))
	switch {
	case !h.Exists:
		log.Warn("manifest missing", slog.Duration("uptime", time.Since(rec.startedAt)))
		s.anomaly("missing")
	case err != nil:
		log.Warn("manifest unreadable", slog.String("error", err.Error()))
		s.anomaly("unreadable")
	case last.Exists && !h.progressed(last):
		log.Warn("manifest stalled",
			slog.Uint64("media_sequence", h.MediaSequence),
			slog.Time("modified", h.ModTime))
		s.anomaly("stalled")
	default:
		log.Debug("stream healthy",
			slog.Int("segments", h.Segments),
			slog.Uint64("media_sequence", h.MediaSequence))
		if s.cfg.TimeoutPolicy == TimeoutRenew {
			rec.hard.Reset(s.cfg.HardTimeout)
		}
	}
	return h
}

func (s *Supervisor) anomaly(kind string) {
	if s.metrics != nil {
		s.metrics.IncHealthAnomalies(kind)
	}
}

// teardown runs once per record, by whoever claimed it: timers first, then the
// process, then the delayed output cleanup, then the slot.
func (s *Supervisor) teardown(rec *record, reason string) {
	rec.cancel()
	rec.hard.Stop()

	log := s.log.With(slog.String("stream_id", string(rec.id)))
	if err := worker.Terminate(rec.proc, s.cfg.GracePeriod); err != nil {
		log.Error("worker termination failed", slog.Int("pid", rec.proc.Pid()), slog.String("error", err.Error()))
	}
	// arm the cleanup before freeing the id; a restart cancels it in prepareOutputDir
	s.scheduleCleanup(rec.id, rec.outputDir)
	s.registry.Release(rec.id)

	log.Info("stream stopped",
		slog.String("reason", reason),
		slog.Duration("uptime", time.Since(rec.startedAt).Round(time.Millisecond)))
	if s.metrics != nil {
		s.metrics.IncStreamsStopped(reason)
	}
	s.publish(events.StreamStopped, rec.id, reason)
}

// Stop tears down the active stream id and returns once its worker has exited.
func (s *Supervisor) Stop(rawID string) error {
	id, err := ValidateIdentifier(rawID)
	if err != nil {
		return err
	}
	rec, ok := s.registry.Claim(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.teardown(rec, reasonStopped)
	return nil
}

// ShutdownAll stops every active stream in parallel and returns how many it stopped.
func (s *Supervisor) ShutdownAll() int {
	recs := s.registry.ClaimAll()
	var g errgroup.Group
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			s.teardown(rec, reasonShutdown)
			return nil
		})
	}
	_ = g.Wait()
	if len(recs) > 0 {
		s.log.Info("stopped all streams", slog.Int("count", len(recs)))
	}
	return len(recs)
}

// Close rejects new starts, aborts starts in flight, stops every stream and
// removes pending output directories without waiting for the cleanup delay.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.abort()
	stopped := s.ShutdownAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		close(s.eventStop)
		return fmt.Errorf("waiting for streams: %w", ctx.Err())
	}
	s.flushCleanups()

	close(s.eventStop)
	select {
	case <-s.eventDone:
	case <-ctx.Done():
		return fmt.Errorf("flushing events: %w", ctx.Err())
	}
	s.log.Info("supervisor closed", slog.Int("stopped", stopped))
	return nil
}

// Status returns the active stream id.
func (s *Supervisor) Status(rawID string) (Stream, error) {
	id, err := ValidateIdentifier(rawID)
	if err != nil {
		return Stream{}, err
	}
	st, ok := s.registry.Get(id, s.cfg.URLPrefix)
	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st, nil
}

// List returns every active stream ordered by start time.
func (s *Supervisor) List() []Stream {
	return s.registry.List(s.cfg.URLPrefix)
}

// IsActive reports whether id is visible as active.
func (s *Supervisor) IsActive(id StreamID) bool {
	_, ok := s.registry.Get(id, s.cfg.URLPrefix)
	return ok
}

// ActiveCount returns the number of active streams.
func (s *Supervisor) ActiveCount() int {
	return s.registry.ActiveCount()
}

// MaxStreams returns the configured capacity.
func (s *Supervisor) MaxStreams() int {
	return s.cfg.MaxStreams
}

// OutputDir returns where the worker for id writes.
func (s *Supervisor) OutputDir(id StreamID) string {
	return filepath.Join(s.cfg.OutputRoot, string(id))
}

// prepareOutputDir drops a pending delayed cleanup for id and clears whatever a
// previous worker left, so stale output can neither satisfy readiness nor be
// deleted from under the new worker.
func (s *Supervisor) prepareOutputDir(id StreamID, dir string) error {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if tok, ok := s.cleanups[id]; ok {
		tok.timer.Stop()
		delete(s.cleanups, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear output dir: %w", err)
	}
	return nil
}

func (s *Supervisor) scheduleCleanup(id StreamID, dir string) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if old, ok := s.cleanups[id]; ok {
		old.timer.Stop()
		delete(s.cleanups, id)
	}
	if s.flushed || s.cfg.CleanupDelay <= 0 {
		s.removeDir(id, dir)
		return
	}
	tok := &cleanupToken{dir: dir}
	tok.timer = time.AfterFunc(s.cfg.CleanupDelay, func() { s.runCleanup(id, tok) })
	s.cleanups[id] = tok
}

func (s *Supervisor) runCleanup(id StreamID, tok *cleanupToken) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.cleanups[id] != tok {
		return
	}
	delete(s.cleanups, id)
	s.removeDir(id, tok.dir)
}

func (s *Supervisor) flushCleanups() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.flushed = true
	for id, tok := range s.cleanups {
		tok.timer.Stop()
		delete(s.cleanups, id)
		s.removeDir(id, tok.dir)
	}
}

func (s *Supervisor) removeDir(id StreamID, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.log.Error("failed to remove stream output",
			slog.String("stream_id", string(id)),
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return
	}
	s.log.Debug("stream output removed", slog.String("stream_id", string(id)), slog.String("dir", dir))
}

// publish queues a lifecycle event without blocking the caller.
func (s *Supervisor) publish(typ events.Type, id StreamID, reason string) {
	ev := events.Event{Type: typ, StreamID: string(id), Reason: reason, At: time.Now().UTC()}
	select {
	case s.eventc <- ev:
	default:
		s.log.Warn("event queue full, dropping stream event",
			slog.String("type", string(typ)),
			slog.String("stream_id", string(id)))
	}
}

// sendEvents delivers queued events until Close, then drains what is left.
func (s *Supervisor) sendEvents() {
	defer close(s.eventDone)
	for {
		select {
		case ev := <-s.eventc:
			s.deliver(ev)
		case <-s.eventStop:
			for {
				select {
				case ev := <-s.eventc:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) deliver(ev events.Event) {
	if err := s.events.Publish(context.Background(), ev); err != nil {
		s.log.Warn("failed to publish stream event",
			slog.String("type", string(ev.Type)),
			slog.String("stream_id", ev.StreamID),
			slog.String("error", err.Error()))
	}
}
