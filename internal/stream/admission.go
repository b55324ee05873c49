package stream

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxStreams applies when no positive limit is configured.
const DefaultMaxStreams = 10

// Admission decides whether another stream may start and how long it waits first.
type Admission struct {
	MaxStreams int
	// Pacing is waited before launching while other streams are running.
	Pacing time.Duration
}

func (a Admission) limit() int {
	if a.MaxStreams <= 0 {
		return DefaultMaxStreams
	}
	return a.MaxStreams
}

// TryAdmit rejects a start when count streams already hold a slot.
// The registry calls it under its lock so the check and the reservation are one step.
func (a Admission) TryAdmit(count int) error {
	if max := a.limit(); count >= max {
		return fmt.Errorf("%w (%d/%d)", ErrCapacityExceeded, count, max)
	}
	return nil
}

// PacingDelay is the wait before launching while other streams hold a slot.
func (a Admission) PacingDelay(others int) time.Duration {
	if others > 0 && a.Pacing > 0 {
		return a.Pacing
	}
	return 0
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
