package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chunkscribe/internal/audio"
	"chunkscribe/internal/pipeline"
	"chunkscribe/internal/subtitle"
	"chunkscribe/internal/transcription"
	"chunkscribe/internal/upstream/openai"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var outputPath string
	var modelName string
	var apiKey string
	var maxChunkBytes int64
	var salvage bool

	cmd := &cobra.Command{
		Use:   "run <media-file>",
		Short: "Transcribe a media file into an SRT subtitle file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("provide the path to a media file. Example: chunkscribe run /path/to/talk.mkv\nRun chunkscribe run --help for more details")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := resolveSource(args[0])
			if err != nil {
				return err
			}
			dest, err := resolveOutput(source, outputPath)
			if err != nil {
				return err
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			credential := strings.TrimSpace(apiKey)
			if credential == "" {
				credential = cfg.UpstreamAPIKey
			}
			if credential == "" {
				return fmt.Errorf("no transcription API key: set UPSTREAM_API_KEY or pass --api-key")
			}
			model := strings.TrimSpace(modelName)
			if model == "" {
				model = cfg.TranscriptionModel
			}
			if cmd.Flags().Changed("max-chunk-bytes") {
				cfg.MaxChunkBytes = maxChunkBytes
			}
			if cmd.Flags().Changed("salvage") {
				cfg.SalvagePartialOnCancel = salvage
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			boundary, err := audio.ParseBoundaryPolicy(cfg.ChunkBoundary)
			if err != nil {
				return err
			}

			stderr := cmd.ErrOrStderr()
			logger := newLogger(cfg.LogLevel, stderr)
			client := openai.New(cfg.UpstreamBaseURL, "", &http.Client{Timeout: cfg.RequestTimeout})
			transcriber := transcription.New(client, model, cfg.TranscriptionTask, cfg.TranscriptionTimeout).
				WithCredential(credential)

			reporter := newReporter(stderr, logger)
			svc := pipeline.New(pipeline.Options{
				WorkDir:                cfg.WorkDir,
				MaxChunkBytes:          cfg.MaxChunkBytes,
				BufferSize:             cfg.ReadBufferBytes,
				Boundary:               boundary,
				SalvagePartialOnCancel: cfg.SalvagePartialOnCancel,
				DecimalSeparator:       cfg.DecimalSeparator,
			}, pipeline.Dependencies{
				Prober:      audio.FFprobe{Binary: cfg.FFprobePath},
				Decoder:     audio.FFmpegDecoder{Binary: cfg.FFmpegPath},
				Transcriber: transcriber,
				Sink:        reporter,
				Logger:      logger,
			})

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan struct{})
			defer close(done)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go cancelOnSignal(sigCh, done, cancel, logger)

			res, err := svc.Run(runCtx, pipeline.Job{Source: source, Destination: dest})
			reporter.finish(res.State)
			if err != nil {
				if res.Partial {
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote partial subtitles for %d of %d chunks to %s\n", res.Transcribed, res.Chunks, res.Destination)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d cues from %d chunk(s) to %s (%s of audio in %s)\n",
				res.Cues, res.Chunks, res.Destination,
				res.AudioDuration.Round(time.Second), res.Elapsed.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "out", "o", "", "Output SRT path (default: source path with .srt extension)")
	cmd.Flags().StringVar(&modelName, "model", "", "Transcription model (default: TRANSCRIPTION_MODEL)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Transcription API key (default: UPSTREAM_API_KEY)")
	cmd.Flags().Int64Var(&maxChunkBytes, "max-chunk-bytes", 0, "Upload ceiling per chunk file in bytes (default: MAX_CHUNK_BYTES)")
	cmd.Flags().BoolVar(&salvage, "salvage", false, "On cancel, write subtitles for the chunks already transcribed")

	return cmd
}

func resolveSource(arg string) (string, error) {
	source := strings.TrimSpace(arg)
	if source == "" {
		return "", fmt.Errorf("source file path is required")
	}
	source, _ = filepath.Abs(source)
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("source file %q not found", source)
		}
		return "", fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source path %q is a directory", source)
	}
	return source, nil
}

func resolveOutput(source, flagValue string) (string, error) {
	out := strings.TrimSpace(flagValue)
	if out == "" {
		out = subtitle.OutputPathFor(source)
	}
	out, _ = filepath.Abs(out)
	if err := pipeline.CheckDestination(source, out); err != nil {
		return "", fmt.Errorf("output path: %w", err)
	}
	return out, nil
}

// cancelOnSignal cancels the job on the first signal and stops listening, so
// a second signal kills the process while an upload is still in flight.
func cancelOnSignal(sigCh chan os.Signal, done <-chan struct{}, cancel context.CancelFunc, logger *slog.Logger) {
	select {
	case <-sigCh:
		signal.Stop(sigCh)
		cancel()
		logger.Warn("cancel requested; waiting for the in-flight upload to finish, interrupt again to quit")
	case <-done:
	}
}
