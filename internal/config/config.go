package config

import (
	"errors"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"

	BoundaryFlush = "flush"
	BoundaryFill  = "fill"
)

type Config struct {
	ListenAddr             string
	UpstreamBaseURL        string
	UpstreamAPIKey         string
	TranscriptionModel     string
	TranscriptionTask      string
	RequestTimeout         time.Duration
	TranscriptionTimeout   time.Duration
	MaxChunkBytes          int64
	ReadBufferBytes        int
	ChunkBoundary          string
	FFmpegPath             string
	FFprobePath            string
	WorkDir                string
	SalvagePartialOnCancel bool
	DecimalSeparator       string
	EventHistory           int
	LogLevel               string
}

type envConfig struct {
	ListenAddr                  string `env:"LISTEN_ADDR" envDefault:":8080"`
	UpstreamBaseURL             string `env:"UPSTREAM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	UpstreamAPIKey              string `env:"UPSTREAM_API_KEY"`
	TranscriptionModel          string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	TranscriptionTask           string `env:"TRANSCRIPTION_TASK" envDefault:"transcribe"`
	RequestTimeoutSeconds       int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"300"`
	TranscriptionTimeoutSeconds int    `env:"TRANSCRIPTION_TIMEOUT_SECONDS" envDefault:"600"`
	MaxChunkBytes               int64  `env:"MAX_CHUNK_BYTES" envDefault:"26214400"`
	ReadBufferBytes             int    `env:"READ_BUFFER_BYTES" envDefault:"4096"`
	ChunkBoundary               string `env:"CHUNK_BOUNDARY" envDefault:"flush"`
	FFmpegPath                  string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath                 string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	WorkDir                     string `env:"WORK_DIR"`
	SalvagePartialOnCancel      bool   `env:"SALVAGE_PARTIAL_ON_CANCEL" envDefault:"false"`
	DecimalSeparator            string `env:"SUBTITLE_DECIMAL_SEPARATOR" envDefault:","`
	EventHistory                int    `env:"EVENT_HISTORY" envDefault:"500"`
	LogLevel                    string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:             strings.TrimSpace(raw.ListenAddr),
		UpstreamBaseURL:        strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:         strings.TrimSpace(raw.UpstreamAPIKey),
		TranscriptionModel:     strings.TrimSpace(raw.TranscriptionModel),
		TranscriptionTask:      strings.ToLower(strings.TrimSpace(raw.TranscriptionTask)),
		RequestTimeout:         time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		TranscriptionTimeout:   time.Duration(raw.TranscriptionTimeoutSeconds) * time.Second,
		MaxChunkBytes:          raw.MaxChunkBytes,
		ReadBufferBytes:        raw.ReadBufferBytes,
		ChunkBoundary:          strings.ToLower(strings.TrimSpace(raw.ChunkBoundary)),
		FFmpegPath:             strings.TrimSpace(raw.FFmpegPath),
		FFprobePath:            strings.TrimSpace(raw.FFprobePath),
		WorkDir:                strings.TrimSpace(raw.WorkDir),
		SalvagePartialOnCancel: raw.SalvagePartialOnCancel,
		DecimalSeparator:       raw.DecimalSeparator,
		EventHistory:           raw.EventHistory,
		LogLevel:               strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.TranscriptionModel == "" {
		return errors.New("TRANSCRIPTION_MODEL must not be empty")
	}
	if c.TranscriptionTask != TaskTranscribe && c.TranscriptionTask != TaskTranslate {
		return errors.New("TRANSCRIPTION_TASK must be transcribe or translate")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.TranscriptionTimeout <= 0 {
		return errors.New("TRANSCRIPTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.ReadBufferBytes <= 0 {
		return errors.New("READ_BUFFER_BYTES must be > 0")
	}
	if c.ReadBufferBytes%2 != 0 {
		return errors.New("READ_BUFFER_BYTES must be a multiple of the 2-byte sample size")
	}
	if c.MaxChunkBytes <= 0 {
		return errors.New("MAX_CHUNK_BYTES must be > 0")
	}
	if c.ChunkBoundary != BoundaryFlush && c.ChunkBoundary != BoundaryFill {
		return errors.New("CHUNK_BOUNDARY must be flush or fill")
	}
	if c.FFmpegPath == "" {
		return errors.New("FFMPEG_PATH must not be empty")
	}
	if c.FFprobePath == "" {
		return errors.New("FFPROBE_PATH must not be empty")
	}
	if c.DecimalSeparator != "," && c.DecimalSeparator != "." {
		return errors.New(`SUBTITLE_DECIMAL_SEPARATOR must be "," or "."`)
	}
	if c.EventHistory <= 0 {
		return errors.New("EVENT_HISTORY must be > 0")
	}
	return nil
}
