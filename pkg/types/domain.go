package types

// JobState is the lifecycle state of an analysis job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobDispatched JobState = "dispatched"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool { return s == JobCompleted || s == JobFailed }

// InstanceState is the lifecycle state of a backend instance.
type InstanceState string

const (
	InstanceStarting   InstanceState = "starting"
	InstanceHealthy    InstanceState = "healthy"
	InstanceDegraded   InstanceState = "degraded"
	InstanceUnhealthy  InstanceState = "unhealthy"
	InstanceTerminated InstanceState = "terminated"
)

// InstanceOrigin records how an instance entered the pool.
type InstanceOrigin string

const (
	// OriginLocal is a statically configured endpoint not managed by us.
	OriginLocal InstanceOrigin = "local"
	// OriginContainer is an endpoint provisioned by the lifecycle manager.
	OriginContainer InstanceOrigin = "container"
)

// PromptParams are the analysis parameters that, together with the image
// digest and model id, determine the cache identity of a job.
type PromptParams struct {
	// User prompt sent alongside the image.
	Prompt string `json:"prompt"`
	// Optional system prompt.
	System string `json:"system,omitempty"`
	// Sampling temperature.
	Temperature float64 `json:"temperature,omitempty"`
}

// Job is one unit of analysis work flowing through the dispatcher.
type Job struct {
	// ID assigned at submission time.
	ID string `json:"id"`
	// Fingerprint is the cache key; computed by the facade when empty.
	Fingerprint string `json:"fingerprint,omitempty"`
	// Digest of the normalized image bytes, supplied by the image pipeline.
	Digest string `json:"digest"`
	// ImageB64 is the normalized image payload, base64-encoded.
	ImageB64 string `json:"image"`
	// Model id to run the analysis with.
	Model string `json:"model"`
	// Params that shape the analysis.
	Params PromptParams `json:"params"`
}

// Result is the outcome of a completed analysis.
type Result struct {
	// Extracted keyword text (typically a JSON object produced by the model).
	Text string `json:"text"`
	// Model that produced the text.
	Model string `json:"model"`
	// InstanceID that served the inference; empty for cache hits.
	InstanceID string `json:"instance_id,omitempty"`
	// Cached reports whether the result came from the result cache.
	Cached bool `json:"cached"`
	// DurationMS is the wall time of the serving inference call.
	DurationMS int64 `json:"duration_ms"`
}

// ContainerSpec describes how the lifecycle manager provisions a backend.
type ContainerSpec struct {
	// Container image to run.
	// example: ollama/ollama
	Image string `json:"image" yaml:"image" toml:"image"`
	// NamePrefix for created containers; an index suffix is appended.
	NamePrefix string `json:"name_prefix" yaml:"name_prefix" toml:"name_prefix"`
	// ContainerPort the backend listens on inside the container.
	// example: 11434
	ContainerPort int `json:"container_port" yaml:"container_port" toml:"container_port"`
	// Host port range to map from.
	PortStart int `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd   int `json:"port_end" yaml:"port_end" toml:"port_end"`
	// Volume is a named data volume mounted for model storage.
	Volume string `json:"volume,omitempty" yaml:"volume" toml:"volume"`
	// Network to attach the container to, if any.
	Network string `json:"network,omitempty" yaml:"network" toml:"network"`
	// GPU requests device passthrough (--gpus all).
	GPU bool `json:"gpu,omitempty" yaml:"gpu" toml:"gpu"`
	// MemoryMB caps container memory when > 0.
	MemoryMB int `json:"memory_mb,omitempty" yaml:"memory_mb" toml:"memory_mb"`
	// CPUs caps container CPU when > 0.
	CPUs float64 `json:"cpus,omitempty" yaml:"cpus" toml:"cpus"`
	// MaxInstances bounds how many containers may exist at once.
	MaxInstances int `json:"max_instances,omitempty" yaml:"max_instances" toml:"max_instances"`
}
