package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rtsp-gateway/internal/platform/config"
)

// CameraResult is the outcome of starting one configured camera.
type CameraResult struct {
	Camera config.Camera
	Stream Stream
	Err    error
}

// StartCameras starts cams one after another, waiting gap between them. A
// failed camera is logged and skipped; shutdown or ctx cancellation ends the run.
func (s *Supervisor) StartCameras(ctx context.Context, cams []config.Camera, gap time.Duration) []CameraResult {
	if len(cams) == 0 {
		s.log.Info("no cameras configured")
		return nil
	}
	s.log.Info("starting configured cameras", slog.Int("count", len(cams)))

	results := make([]CameraResult, 0, len(cams))
	for i, cam := range cams {
		if i > 0 {
			if err := wait(ctx, gap); err != nil {
				break
			}
		}
		log := s.log.With(slog.String("camera", cam.Name), slog.String("stream_id", cam.ID))
		st, err := s.Start(ctx, cam.ID, cam.URL)
		results = append(results, CameraResult{Camera: cam, Stream: st, Err: err})
		if err != nil {
			log.Warn("camera failed to start", slog.String("error", err.Error()))
			if errors.Is(err, ErrShuttingDown) || ctx.Err() != nil {
				break
			}
			continue
		}
		log.Info("camera started")
	}
	s.log.Info("camera start complete", slog.Int("active", s.ActiveCount()))
	return results
}
