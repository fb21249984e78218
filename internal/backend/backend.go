// Package backend talks to vision-capable model servers. A backend is any
// endpoint that answers the probe/infer capability contract; the concrete
// client speaks the Ollama HTTP protocol.
package backend

import "context"

// Request carries one analysis call to a backend.
type Request struct {
	Model       string
	Prompt      string
	System      string
	ImageB64    string
	Temperature float64
}

// Backend is the capability interface the dispatcher and health monitor
// depend on. Tests substitute fakes; production uses *Client.
type Backend interface {
	// Probe checks liveness with a short deadline carried by ctx.
	Probe(ctx context.Context) error
	// Models lists the model inventory of the backend.
	Models(ctx context.Context) ([]string, error)
	// Analyze runs one inference and returns the generated text.
	Analyze(ctx context.Context, req Request) (string, error)
	// Pull preloads a model onto the backend.
	Pull(ctx context.Context, model string) error
}

// Dialer builds a Backend for a base URL. The lifecycle manager and
// orchestrator use it so tests can inject fake backends per endpoint.
type Dialer func(baseURL string) Backend
