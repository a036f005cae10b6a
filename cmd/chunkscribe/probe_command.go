package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chunkscribe/internal/audio"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <media-file>",
		Short: "Show what chunkscribe sees in a media file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("provide the path to a media file. Example: chunkscribe probe /path/to/talk.mkv")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := resolveSource(args[0])
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			src, err := audio.FFprobe{Binary: cfg.FFprobePath}.Probe(cmd.Context(), source)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path:      %s\n", src.Path)
			fmt.Fprintf(out, "Container: %s\n", valueOr(src.ContainerFormat, "unknown"))
			if src.Duration > 0 {
				fmt.Fprintf(out, "Duration:  %s\n", src.Duration.Round(time.Millisecond))
				est := audio.DefaultFormat.Bytes(src.Duration)
				fmt.Fprintf(out, "Estimate:  %d chunk(s) of at most %d bytes\n", estimateChunks(est, cfg.MaxChunkBytes), cfg.MaxChunkBytes)
			} else {
				fmt.Fprintln(out, "Duration:  unknown")
			}
			return nil
		},
	}
}

// estimateChunks approximates how many chunk files a payload of the given
// size produces. Every chunk file carries its own header.
func estimateChunks(payloadBytes, maxChunkBytes int64) int64 {
	perChunk := maxChunkBytes - audio.WAVHeaderSize
	if perChunk <= 0 || payloadBytes <= 0 {
		return 1
	}
	return (payloadBytes + perChunk - 1) / perChunk
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
