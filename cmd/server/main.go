package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"rtsp-gateway/internal/platform/config"
	"rtsp-gateway/internal/platform/events"
	"rtsp-gateway/internal/platform/logger"
	"rtsp-gateway/internal/platform/metrics"
	"rtsp-gateway/internal/platform/ratelimit"
	"rtsp-gateway/internal/platform/security"
	"rtsp-gateway/internal/stream"
	"rtsp-gateway/internal/worker"

	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second
	// autoLoadDelay gives the HTTP server a moment before cameras start.
	autoLoadDelay = 2 * time.Second
)

var (
	flagEnvFile string
	flagPort    string
)

func main() {
	rootCmd.Flags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.Flags().StringVar(&flagPort, "port", "", "listen port, overrides PORT")
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("rtsp-gateway failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "rtsp-gateway",
	Short:         "Serve RTSP cameras as HLS by supervising one ffmpeg worker per camera",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "unknown")
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", info.Main.Path, info.Main.Version, info.GoVersion)
	},
}

func run(cmd *cobra.Command, _ []string) error {
	if err := config.Load(flagEnvFile); err != nil && cmd.Flags().Changed("env-file") {
		return fmt.Errorf("load %s: %w", flagEnvFile, err)
	}

	port := config.GetEnv("PORT", "3000")
	if flagPort != "" {
		port = flagPort
	}
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	log := logger.New(logLevel, logFormat)
	slog.SetDefault(log)

	policy, err := stream.ParseTimeoutPolicy(config.GetEnv("STREAM_TIMEOUT_POLICY", string(stream.TimeoutFixed)))
	if err != nil {
		return err
	}
	scfg := stream.Config{
		OutputRoot:        config.GetEnv("STREAMS_DIR", "./public/streams"),
		URLPrefix:         "/streams",
		MaxStreams:        config.GetEnvInt("MAX_CONCURRENT_STREAMS", stream.DefaultMaxStreams),
		Pacing:            config.GetEnvDuration("MULTI_CAMERA_DELAY", 2*time.Second),
		HardTimeout:       config.GetEnvDuration("STREAM_TIMEOUT", 5*time.Minute),
		TimeoutPolicy:     policy,
		ReadinessInterval: config.GetEnvDuration("READINESS_POLL_INTERVAL", time.Second),
		ReadinessTimeout:  config.GetEnvDuration("READINESS_TIMEOUT", 30*time.Second),
		HealthInterval:    config.GetEnvDuration("HEALTH_POLL_INTERVAL", 15*time.Second),
		GracePeriod:       config.GetEnvDuration("STOP_GRACE_PERIOD", 5*time.Second),
		CleanupDelay:      config.GetEnvDuration("CLEANUP_DELAY", 5*time.Second),
		Worker:            worker.DefaultOptions(),
	}
	if err := os.MkdirAll(scfg.OutputRoot, 0o755); err != nil {
		return fmt.Errorf("create streams dir: %w", err)
	}

	var pub events.Publisher = events.Nop{}
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		pub = events.NewRedisPublisher(events.RedisConfig{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			Channel:  config.GetEnv("REDIS_CHANNEL", events.DefaultChannel),
		})
		log.Info("publishing stream events", slog.String("redis_addr", addr))
	}
	defer pub.Close()

	met := metrics.New()
	launcher := worker.NewExecLauncher(config.GetEnv("FFMPEG_PATH", "ffmpeg"), logger.WithComponent(log, "worker"))
	sup := stream.New(scfg, launcher, log, met, pub)

	cameras := config.Cameras()
	autoLoad := config.GetEnvBool("AUTO_LOAD_CAMERAS", false)
	cameraDelay := config.GetEnvDuration("AUTO_START_DELAY", 3*time.Second)
	h := stream.NewHandler(sup, log, stream.HandlerConfig{
		Cameras:     cameras,
		AutoLoad:    autoLoad,
		CameraDelay: cameraDelay,
	})

	globalLimit := ratelimit.New(
		config.GetEnvInt("RATE_LIMIT_MAX", 100),
		config.GetEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute))
	apiLimit := ratelimit.New(
		config.GetEnvInt("API_RATE_LIMIT_MAX", 10),
		config.GetEnvDuration("API_RATE_LIMIT_WINDOW", time.Minute))

	r, err := newRouter(routerConfig{
		Log:           log,
		Metrics:       met,
		Supervisor:    sup,
		Handler:       h,
		GlobalLimit:   globalLimit,
		APILimit:      apiLimit,
		CORS:          security.CORSConfig{AllowedOrigins: config.GetEnvList("CORS_ORIGINS", []string{security.AnyOrigin})},
		StreamsPrefix: scfg.URLPrefix,
		StreamsDir:    scfg.OutputRoot,
		PublicDir:     config.GetEnv("PUBLIC_DIR", "./public"),
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Info("server starting",
		slog.String("port", port),
		slog.String("streams_dir", scfg.OutputRoot),
		slog.Int("max_streams", scfg.MaxStreams),
		slog.Duration("stream_timeout", scfg.HardTimeout),
		slog.String("timeout_policy", string(scfg.TimeoutPolicy)),
		slog.Int("cameras", len(cameras)),
		slog.Bool("auto_load", autoLoad),
		slog.String("log_level", logLevel),
	)

	if autoLoad {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(autoLoadDelay):
			}
			sup.StartCameras(ctx, cameras, cameraDelay)
		}()
	}

	select {
	case err := <-errc:
		if cerr := sup.Close(context.Background()); cerr != nil {
			log.Error("supervisor shutdown error", slog.String("error", cerr.Error()))
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, stopping streams")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sup.Close(shutdownCtx); err != nil {
		log.Error("supervisor shutdown error", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
