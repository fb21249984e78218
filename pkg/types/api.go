package types

// JobSpec is one job inside a batch submission.
type JobSpec struct {
	// Digest of the normalized image bytes (hex), computed by the image pipeline.
	// example: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
	Digest string `json:"digest"`
	// Base64-encoded normalized image payload.
	Image string `json:"image"`
	// Model id; the server default is used when empty.
	// example: gemma3:4b
	Model string `json:"model,omitempty"`
	// User prompt; the server default is used when empty.
	// example: What do you see in detail?
	Prompt string `json:"prompt,omitempty"`
	// Optional system prompt override.
	System string `json:"system,omitempty"`
	// Sampling temperature.
	// example: 0.5
	Temperature float64 `json:"temperature,omitempty"`
}

// BatchOptions tune how a batch is executed.
type BatchOptions struct {
	// ForceRefresh bypasses the result cache and supersedes stored entries.
	// example: false
	ForceRefresh bool `json:"force_refresh,omitempty"`
	// MaxConcurrency bounds batch workers; the server default is used when 0.
	// example: 5
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// SubmitBatchRequest is the payload for POST /batches.
type SubmitBatchRequest struct {
	Jobs    []JobSpec    `json:"jobs"`
	Options BatchOptions `json:"options"`
}

// SubmitBatchResponse acknowledges an accepted batch.
type SubmitBatchResponse struct {
	// Handle used for status polling and cancellation.
	BatchID string `json:"batch_id"`
	// Number of jobs accepted.
	Jobs int `json:"jobs"`
}

// JobStatus is the per-job view returned by status queries.
type JobStatus struct {
	// ID of the job within its batch.
	JobID string `json:"job_id"`
	// Current lifecycle state.
	// example: completed
	State JobState `json:"state"`
	// Result, present once the job completed.
	Result *Result `json:"result,omitempty"`
	// Error, present once the job terminally failed.
	Error string `json:"error,omitempty"`
	// Attempts made against backends (0 for cache hits).
	Attempts int `json:"attempts"`
}

// BatchStatusResponse is returned by GET /batches/{id}.
type BatchStatusResponse struct {
	BatchID string `json:"batch_id"`
	// Done reports whether every job reached a terminal state.
	Done bool `json:"done"`
	// Canceled reports whether the batch was canceled.
	Canceled  bool        `json:"canceled"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Jobs      []JobStatus `json:"jobs"`
}

// InstanceStatus summarizes one registered backend for GET /status.
type InstanceStatus struct {
	// Stable instance id.
	ID string `json:"id"`
	// Base URL of the backend.
	// example: http://localhost:11434
	URL string `json:"url"`
	// Origin of the instance (local or container).
	Origin InstanceOrigin `json:"origin"`
	// Current health state.
	// example: healthy
	State InstanceState `json:"state"`
	// In-flight requests currently reserved.
	Inflight int `json:"inflight"`
	// Per-instance concurrency limit.
	MaxInflight int `json:"max_inflight"`
	// Consecutive probe/dispatch failures.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// Unix seconds of the last successful request or probe; 0 when none.
	LastSuccessUnix int64 `json:"last_success_unix"`
	// Rolling request counters.
	TotalRequests  uint64 `json:"total_requests"`
	FailedRequests uint64 `json:"failed_requests"`
	// Average inference latency in milliseconds across served requests.
	AvgLatencyMS int64 `json:"avg_latency_ms"`
	// Models known to be present on the backend; empty when unprobed.
	Models []string `json:"models,omitempty"`
}

// CacheStats reports result cache counters for GET /status.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Registered backend instances.
	Instances []InstanceStatus `json:"instances"`
	// Result cache counters.
	Cache CacheStats `json:"cache"`
	// Batches currently tracked (running or awaiting collection).
	Batches int `json:"batches"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
