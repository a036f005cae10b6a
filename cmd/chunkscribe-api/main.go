package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chunkscribe/internal/audio"
	"chunkscribe/internal/config"
	"chunkscribe/internal/httpapi"
	"chunkscribe/internal/jobs"
	"chunkscribe/internal/observability"
	"chunkscribe/internal/pipeline"
	"chunkscribe/internal/transcription"
	"chunkscribe/internal/upstream/openai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	boundary, err := audio.ParseBoundaryPolicy(cfg.ChunkBoundary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	upstreamHTTPClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}
	upstreamClient := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, upstreamHTTPClient, openai.WithObserver(metrics.ObserveUpstream))

	opts := pipeline.Options{
		WorkDir:                cfg.WorkDir,
		MaxChunkBytes:          cfg.MaxChunkBytes,
		BufferSize:             cfg.ReadBufferBytes,
		Boundary:               boundary,
		SalvagePartialOnCancel: cfg.SalvagePartialOnCancel,
		DecimalSeparator:       cfg.DecimalSeparator,
	}

	factory := func(req jobs.Request, sink pipeline.Sink) (jobs.Runner, error) {
		if strings.TrimSpace(req.Credential) == "" {
			return nil, errors.New("transcription credential is required")
		}
		model := req.Model
		if model == "" {
			model = cfg.TranscriptionModel
		}
		transcriber := transcription.New(upstreamClient, model, cfg.TranscriptionTask, cfg.TranscriptionTimeout).
			WithCredential(req.Credential)
		return pipeline.New(opts, pipeline.Dependencies{
			Prober:      audio.FFprobe{Binary: cfg.FFprobePath},
			Decoder:     audio.FFmpegDecoder{Binary: cfg.FFmpegPath},
			Transcriber: transcriber,
			Sink:        pipeline.MultiSink{sink, pipeline.NewLogSink(logger, 10)},
			Metrics:     metrics,
			Logger:      logger,
		}), nil
	}
	manager := jobs.NewManager(factory, cfg.EventHistory, logger)

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Jobs:           manager,
		Upstream:       upstreamClient,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       35 * time.Second,
		WriteTimeout:      40 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "model", cfg.TranscriptionModel, "boundary", boundary.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	// An in-flight upload keeps running after cancellation, so the active
	// job may need most of the shutdown budget to reach a terminal state.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("job shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
