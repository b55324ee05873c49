package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"rtsp-gateway/internal/platform/config"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	maxBodyBytes = 1 << 20
)

// HandlerConfig carries the camera settings behind the /api/cameras endpoints.
type HandlerConfig struct {
	Cameras     []config.Camera
	AutoLoad    bool
	CameraDelay time.Duration
}

// Handler exposes the supervisor over HTTP using go-chi.
type Handler struct {
	sup     *Supervisor
	log     *slog.Logger
	cfg     HandlerConfig
	started time.Time
}

// NewHandler returns a Handler for sup.
func NewHandler(sup *Supervisor, log *slog.Logger, cfg HandlerConfig) *Handler {
	return &Handler{sup: sup, log: log, cfg: cfg, started: time.Now()}
}

// Routes mounts the API endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/stream/start", h.StartStream)
	r.Post("/stream/stop", h.StopStream)
	r.Get("/streams", h.ListStreams)
	r.Get("/stream/{stream_id}/status", h.StreamStatus)
	r.Post("/cameras/stop-all", h.StopAll)
	r.Post("/cameras/start-all", h.StartAll)
	r.Get("/cameras/auto-load", h.AutoLoad)
	r.Get("/system/status", h.SystemStatus)
	r.Get("/debug/stream/{stream_id}", h.DebugStream)
}

type startRequest struct {
	RTSPURL  string `json:"rtspUrl"`
	StreamID string `json:"streamId"`
}

type startResponse struct {
	Success  bool     `json:"success"`
	StreamID StreamID `json:"streamId"`
	HLSURL   string   `json:"hlsUrl"`
	Message  string   `json:"message"`
}

// StartStream handles POST /api/stream/start.
// Body: { "rtspUrl": "rtsp://...", "streamId": "cam1" }.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RTSPURL == "" || req.StreamID == "" {
		writeError(w, http.StatusBadRequest, "RTSP URL and Stream ID are required")
		return
	}

	// a disconnecting client does not abort the start; Close still does
	st, err := h.sup.Start(context.WithoutCancel(r.Context()), req.StreamID, req.RTSPURL)
	if err != nil {
		h.writeStreamError(w, err, "Failed to start stream")
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		Success:  true,
		StreamID: st.ID,
		HLSURL:   st.HLSURL,
		Message:  "Stream started successfully",
	})
}

type stopRequest struct {
	StreamID string `json:"streamId"`
}

// StopStream handles POST /api/stream/stop. Body: { "streamId": "cam1" }.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.StreamID == "" {
		writeError(w, http.StatusBadRequest, "Stream ID is required")
		return
	}
	if err := h.sup.Stop(req.StreamID); err != nil {
		h.writeStreamError(w, err, "Failed to stop stream")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Stream stopped successfully"})
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": h.sup.List()})
}

type statusResponse struct {
	Stream
	Active bool `json:"active"`
}

// StreamStatus handles GET /api/stream/{stream_id}/status.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.sup.Status(chi.URLParam(r, "stream_id"))
	if err != nil {
		h.writeStreamError(w, err, "Failed to get stream status")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Stream: st, Active: true})
}

// StopAll handles POST /api/cameras/stop-all.
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	n := h.sup.ShutdownAll()
	h.log.Info("stop-all requested", slog.Int("stopped", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Stopped %d cameras", n),
		"stoppedCount": n,
	})
}

type cameraStartResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	HLSURL  string `json:"hlsUrl,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StartAll handles POST /api/cameras/start-all. It returns once every
// configured camera has been tried.
func (h *Handler) StartAll(w http.ResponseWriter, r *http.Request) {
	results := h.sup.StartCameras(context.WithoutCancel(r.Context()), h.cfg.Cameras, h.cfg.CameraDelay)
	out := make([]cameraStartResult, 0, len(results))
	started := 0
	for _, res := range results {
		item := cameraStartResult{ID: res.Camera.ID, Name: res.Camera.Name, Success: res.Err == nil}
		if res.Err != nil {
			item.Error = res.Err.Error()
		} else {
			item.HLSURL = res.Stream.HLSURL
			started++
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Started %d of %d cameras", started, len(h.cfg.Cameras)),
		"results": out,
	})
}

type cameraInfo struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	ID     string `json:"id"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// AutoLoad handles GET /api/cameras/auto-load.
func (h *Handler) AutoLoad(w http.ResponseWriter, r *http.Request) {
	cams := make([]cameraInfo, 0, len(h.cfg.Cameras))
	for _, c := range h.cfg.Cameras {
		cams = append(cams, cameraInfo{
			Index:  c.Index,
			Name:   c.Name,
			ID:     c.ID,
			URL:    RedactURL(c.URL),
			Active: h.sup.IsActive(StreamID(c.ID)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"autoLoadEnabled":   h.cfg.AutoLoad,
		"configuredCameras": len(cams),
		"cameras":           cams,
		"activeStreams":     h.sup.ActiveCount(),
	})
}

// SystemStatus handles GET /api/system/status.
func (h *Handler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	streams := h.sup.List()
	ids := make([]StreamID, 0, len(streams))
	for _, st := range streams {
		ids = append(ids, st.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"system": map[string]any{
			"uptime": int64(time.Since(h.started).Seconds()),
			"memory": map[string]float64{
				"used":  megabytes(mem.HeapAlloc),
				"total": megabytes(mem.HeapSys),
			},
			"goroutines": runtime.NumGoroutine(),
		},
		"streams": map[string]any{
			"active":  len(ids),
			"maximum": h.sup.MaxStreams(),
			"list":    ids,
		},
	})
}

func megabytes(b uint64) float64 {
	return math.Round(float64(b)/1024/1024*100) / 100
}

type fileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// DebugStream handles GET /api/debug/stream/{stream_id}: the files currently in
// the stream's output directory.
func (h *Handler) DebugStream(w http.ResponseWriter, r *http.Request) {
	id, err := ValidateIdentifier(chi.URLParam(r, "stream_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir := h.sup.OutputDir(id)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "Stream directory not found")
		return
	}
	if err != nil {
		h.log.Error("read stream dir failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// segment rotated away between ReadDir and Info
			continue
		}
		files = append(files, fileInfo{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streamId":   id,
		"directory":  dir,
		"files":      files,
		"totalFiles": len(files),
	})
}

// HLSFileServer serves the output root with playlist and segment headers.
func HLSFileServer(root string) http.Handler {
	files := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.ToLower(filepath.Ext(r.URL.Path)) {
		case ".m3u8":
			w.Header().Set("Content-Type", playlistContentType)
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		case ".ts":
			w.Header().Set("Content-Type", segmentContentType)
			w.Header().Set("Cache-Control", "public, max-age=31536000")
		}
		files.ServeHTTP(w, r)
	})
}

// StaticFileServer serves the player page and other assets under root. Missing
// files and bare directories get the JSON 404 instead of a listing.
func StaticFileServer(root string) http.Handler {
	files := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		fi, err := os.Stat(name)
		if err == nil && fi.IsDir() {
			fi, err = os.Stat(filepath.Join(name, "index.html"))
		}
		if err != nil || fi.IsDir() {
			NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Endpoint not found")
}

// MethodNotAllowed answers known routes called with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// Recoverer logs a handler panic and answers with a JSON 500.
func Recoverer(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("panic serving request",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// StatusCode maps supervisor errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSource), errors.Is(err, ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrReadinessTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrWorkerExited):
		return http.StatusBadGateway
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeStreamError(w http.ResponseWriter, err error, fallback string) {
	code := StatusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError && !errors.Is(err, ErrLaunchFailed) {
		h.log.Error(fallback, slog.String("error", err.Error()))
		msg = fallback
	}
	writeError(w, code, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
