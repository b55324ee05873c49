package stream

import "errors"

var (
	// ErrInvalidSource is returned for a feed URL that is not an acceptable rtsp URL.
	ErrInvalidSource = errors.New("invalid source url")

	// ErrInvalidIdentifier is returned for an identifier outside [A-Za-z0-9_-]{1,50}.
	ErrInvalidIdentifier = errors.New("invalid stream id")

	// ErrAlreadyActive is returned when the identifier is running, starting or stopping.
	ErrAlreadyActive = errors.New("stream already active")

	// ErrCapacityExceeded is returned when the concurrent stream limit is reached.
	ErrCapacityExceeded = errors.New("maximum concurrent streams limit reached")

	// ErrLaunchFailed is returned when the worker could not be spawned.
	ErrLaunchFailed = errors.New("failed to launch worker")

	// ErrReadinessTimeout is returned when no manifest appeared in time.
	ErrReadinessTimeout = errors.New("stream did not become ready")

	// ErrWorkerExited is returned when the worker died before producing a manifest.
	ErrWorkerExited = errors.New("worker exited before becoming ready")

	// ErrNotFound is returned for an identifier with no active stream.
	ErrNotFound = errors.New("stream not found")

	// ErrShuttingDown is returned once the supervisor has started closing.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// errorKind names an error for metrics labels and lifecycle events.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSource):
		return "invalid_source"
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid_identifier"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrLaunchFailed):
		return "launch_failed"
	case errors.Is(err, ErrReadinessTimeout):
		return "readiness_timeout"
	case errors.Is(err, ErrWorkerExited):
		return "worker_exited"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "cancelled"
	}
}
