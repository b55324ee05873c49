package stream

import (
	"context"
	"time"

	"rtsp-gateway/internal/worker"
)

// StreamID is a validated identifier; it doubles as the output directory name.
type StreamID string

// Stream is the snapshot of an active stream returned to callers.
// Source is always redacted.
type Stream struct {
	ID        StreamID  `json:"id"`
	Source    string    `json:"rtspUrl"`
	StartTime time.Time `json:"startTime"`
	HLSURL    string    `json:"hlsUrl"`

	OutputDir string `json:"-"`
}

// record is the supervisor's private state for one stream. It is created after
// admission and launch succeed and is owned by whoever claims it from the registry.
type record struct {
	id        StreamID
	source    string // sanitized, handed to the worker
	redacted  string
	outputDir string
	startedAt time.Time

	proc worker.Process

	// ctx is cancelled first during teardown; it stops the watch goroutine and
	// with it the hard-timeout timer and the health poll.
	ctx    context.Context
	cancel context.CancelFunc
	hard   *time.Timer
}

func (r *record) snapshot(urlPrefix string) Stream {
	return Stream{
		ID:        r.id,
		Source:    r.redacted,
		StartTime: r.startedAt,
		HLSURL:    hlsURL(urlPrefix, r.id),
		OutputDir: r.outputDir,
	}
}

func hlsURL(prefix string, id StreamID) string {
	return prefix + "/" + string(id) + "/" + worker.ManifestName
}
