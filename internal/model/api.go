package model

import "time"

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type CreateJobRequest struct {
	SourcePath string `json:"source_path"`
	// OutputPath defaults to the source path with an .srt extension.
	OutputPath string `json:"output_path,omitempty"`
	Model      string `json:"model,omitempty"`
}

type JobProgress struct {
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
}

type JobResult struct {
	OutputPath      string `json:"output_path,omitempty"`
	Chunks          int    `json:"chunks"`
	Transcribed     int    `json:"transcribed"`
	Cues            int    `json:"cues"`
	AudioDurationMS int64  `json:"audio_duration_ms"`
	Partial         bool   `json:"partial,omitempty"`
	ElapsedMS       int64  `json:"elapsed_ms"`
}

type JobFailure struct {
	Stage          string `json:"stage,omitempty"`
	Summary        string `json:"summary,omitempty"`
	Message        string `json:"message"`
	ChunkIndex     *int   `json:"chunk_index,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

type JobResponse struct {
	ID         string      `json:"id"`
	State      string      `json:"state"`
	SourcePath string      `json:"source_path"`
	OutputPath string      `json:"output_path"`
	Model      string      `json:"model,omitempty"`
	Progress   JobProgress `json:"progress"`
	LastEvent  int64       `json:"last_event"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Result     *JobResult  `json:"result,omitempty"`
	Error      *JobFailure `json:"error,omitempty"`
}

type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type JobEvent struct {
	Seq       int64     `json:"seq"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Primary   float64   `json:"primary,omitempty"`
	Secondary float64   `json:"secondary,omitempty"`
	Message   string    `json:"message,omitempty"`
	Severity  string    `json:"severity,omitempty"`
}

type JobEventsResponse struct {
	Events []JobEvent `json:"events"`
	// Next is the cursor to pass as since on the following poll.
	Next int64 `json:"next"`
}
