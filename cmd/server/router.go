package main

import (
	"log/slog"
	"net/http"

	"rtsp-gateway/internal/platform/logger"
	"rtsp-gateway/internal/platform/metrics"
	"rtsp-gateway/internal/platform/ratelimit"
	"rtsp-gateway/internal/platform/security"
	"rtsp-gateway/internal/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type routerConfig struct {
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	Supervisor  *stream.Supervisor
	Handler     *stream.Handler
	GlobalLimit *ratelimit.Limiter
	APILimit    *ratelimit.Limiter
	CORS        security.CORSConfig

	// StreamsPrefix is where StreamsDir is served; PublicDir is served at the root.
	StreamsPrefix string
	StreamsDir    string
	PublicDir     string
}

func newRouter(cfg routerConfig) (http.Handler, error) {
	cors, err := security.CORS(cfg.CORS, cfg.Log)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logger.RequestID)
	r.Use(logger.RequestLogger(cfg.Log))
	r.Use(stream.Recoverer(cfg.Log))
	r.Use(metrics.RequestMiddleware(cfg.Metrics))
	r.Use(security.Headers(security.Config{}))
	r.Use(cors)
	r.Use(ratelimit.Middleware(cfg.GlobalLimit, "Too many requests from this IP, please try again later."))

	r.NotFound(stream.NotFound)
	r.MethodNotAllowed(stream.MethodNotAllowed)

	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler(func() {
		cfg.Metrics.SetActiveStreams(cfg.Supervisor.ActiveCount())
	}))
	r.Route("/api", func(r chi.Router) {
		r.Use(ratelimit.Middleware(cfg.APILimit, "Too many API requests from this IP, please try again later."))
		cfg.Handler.Routes(r)
	})
	r.Handle(cfg.StreamsPrefix+"/*", http.StripPrefix(cfg.StreamsPrefix, stream.HLSFileServer(cfg.StreamsDir)))
	if cfg.PublicDir != "" {
		r.Handle("/*", stream.StaticFileServer(cfg.PublicDir))
	}
	return r, nil
}
