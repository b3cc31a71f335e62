package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"daw-engine/internal/engine"
	"daw-engine/internal/platform/config"
	"daw-engine/internal/platform/logger"
	"daw-engine/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"
)

const shutdownTimeout = 10 * time.Second

var _ engine.Recorder = (*metrics.Metrics)(nil)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	exportDir := config.GetEnv("EXPORT_DIR", "")
	exportRetention := config.GetEnvInt("EXPORT_RETENTION", engine.DefaultExportRetention)
	pumpInterval := time.Duration(config.GetEnvInt("PUMP_INTERVAL_MS", int(engine.DefaultPumpInterval/time.Millisecond))) * time.Millisecond

	cfg := engine.Config{
		MixerChannels:     config.GetEnvInt("MIXER_CHANNELS", engine.DefaultMixerChannels),
		Tracks:            config.GetEnvInt("TRACK_COUNT", engine.DefaultTracks),
		LoopEndMicros:     int64(config.GetEnvFloat("LOOP_END_SECONDS", float64(engine.DefaultLoopEndMicros)/engine.SecToMicros) * engine.SecToMicros),
		SampleRate:        config.GetEnvInt("SAMPLE_RATE", engine.DefaultSampleRate),
		Channels:          config.GetEnvInt("OUTPUT_CHANNELS", engine.DefaultOutputChannels),
		RenderBlockFrames: config.GetEnvInt("RENDER_BLOCK_FRAMES", engine.DefaultRenderBlockFrames),
		MeterWindow:       config.GetEnvInt("METER_WINDOW", engine.DefaultMeterWindow),
		PlayheadEventHz:   config.GetEnvInt("PLAYHEAD_EVENT_HZ", engine.DefaultPlayheadEventHz),
	}

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	backend := engine.NewSoftwareBackend(engine.SoftwareBackendConfig{
		SampleRate:  cfg.SampleRate,
		Channels:    cfg.Channels,
		MeterWindow: cfg.MeterWindow,
	})
	eng, err := engine.NewEngine(cfg, backend, engine.WithLogger(log), engine.WithRecorder(met))
	if err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	var exports afero.Fs = afero.NewMemMapFs()
	if exportDir != "" {
		if err := os.MkdirAll(exportDir, 0o755); err != nil {
			log.Error("export dir", "error", err, "dir", exportDir)
			os.Exit(1)
		}
		exports = afero.NewBasePathFs(afero.NewOsFs(), exportDir)
	}
	h := engine.NewHandler(eng, log, exports)
	if exportDir != "" {
		h.SetExportRetention(exportRetention)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go backend.Run(ctx, cfg.RenderBlockFrames, nil)
	go eng.Run(ctx, pumpInterval)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			st := eng.Status()
			met.SetActiveNodes(st.ActiveNodes)
			met.SetBuffers(st.Buffers)
			met.SetSubscribers(eng.Events().Len())
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}
	srv.RegisterOnShutdown(eng.Events().Close)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"sample_rate", cfg.SampleRate,
		"tracks", cfg.Tracks,
		"mixer_channels", cfg.MixerChannels,
		"pump_interval", pumpInterval.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
