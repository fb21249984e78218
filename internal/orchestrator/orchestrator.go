// Package orchestrator is the façade tying the registry, cache, dispatcher,
// lifecycle manager and health monitor together. Callers submit batches of
// analysis jobs and poll or cancel them through batch handles.
package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lightkeyd/internal/backend"
	"lightkeyd/internal/dispatch"
	"lightkeyd/internal/health"
	"lightkeyd/internal/lifecycle"
	"lightkeyd/internal/registry"
	"lightkeyd/pkg/types"
)

const defaultBatchWorkers = 5

// StatsSource exposes result cache counters for status reporting.
type StatsSource interface {
	Stats() types.CacheStats
}

// Config wires the orchestrator's collaborators and batch defaults.
type Config struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	// Lifecycle may be nil when container management is disabled.
	Lifecycle *lifecycle.Manager
	// Monitor may be nil; when set its start/stop lifecycle is owned here.
	Monitor *health.Monitor
	// Cache may be nil; status then reports zero cache counters.
	Cache  StatsSource
	Dialer backend.Dialer
	Logger zerolog.Logger

	DefaultModel  string
	DefaultPrompt string
	SystemPrompt  string
	Temperature   float64
	// BatchWorkers is the default per-batch concurrency.
	BatchWorkers int
	// MaxPerInstance is the slot limit applied to static endpoints.
	MaxPerInstance int
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg   Config
	log   zerolog.Logger
	start time.Time

	mu      sync.Mutex
	batches map[string]*batch
	closed  bool
}

func New(cfg Config) *Orchestrator {
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}
	if cfg.MaxPerInstance <= 0 {
		cfg.MaxPerInstance = registry.DefaultMaxInflight
	}
	if cfg.Dialer == nil {
		cfg.Dialer = backend.Dial
	}
	o := &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger,
		start:   time.Now(),
		batches: make(map[string]*batch),
	}
	if cfg.Monitor != nil {
		cfg.Monitor.Start(context.Background())
	}
	return o
}

// ConfigureInstances registers the static endpoints. Each endpoint is probed
// once to seed its model inventory; unreachable endpoints are registered as
// starting and left to the health monitor.
func (o *Orchestrator) ConfigureInstances(ctx context.Context, endpoints []string) error {
	for _, url := range endpoints {
		id := "local-" + uuid.NewString()[:8]
		state := types.InstanceStarting
		var models []string

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		be := o.cfg.Dialer(url)
		if err := be.Probe(probeCtx); err == nil {
			state = types.InstanceHealthy
			if ms, merr := be.Models(probeCtx); merr == nil {
				models = ms
			}
		} else {
			o.log.Warn().Str("url", url).Err(err).Msg("endpoint unreachable at startup")
		}
		cancel()

		if err := o.cfg.Registry.Register(id, url, types.OriginLocal, state, o.cfg.MaxPerInstance); err != nil {
			return err
		}
		if len(models) > 0 {
			o.cfg.Registry.SetModels(id, models)
		}
		o.log.Info().Str("instance", id).Str("url", url).Str("state", string(state)).Msg("endpoint registered")
	}
	return nil
}

// SubmitBatch accepts a batch of jobs and starts executing it in the
// background. The returned batch id is the handle for Status and Cancel.
func (o *Orchestrator) SubmitBatch(ctx context.Context, jobs []types.JobSpec, opts types.BatchOptions) (types.SubmitBatchResponse, error) {
	if len(jobs) == 0 {
		return types.SubmitBatchResponse{}, invalidBatchError{reason: "batch has no jobs"}
	}
	for i, j := range jobs {
		if j.Digest == "" {
			return types.SubmitBatchResponse{}, invalidBatchError{reason: "job " + strconv.Itoa(i) + " has no digest"}
		}
		if j.Image == "" {
			return types.SubmitBatchResponse{}, invalidBatchError{reason: "job " + strconv.Itoa(i) + " has no image payload"}
		}
	}

	workers := o.cfg.BatchWorkers
	if opts.MaxConcurrency > 0 && opts.MaxConcurrency < workers {
		workers = opts.MaxConcurrency
	}

	b := newBatch(uuid.NewString(), o.resolve(jobs), opts.ForceRefresh)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		b.cancel()
		return types.SubmitBatchResponse{}, errClosed
	}
	o.batches[b.id] = b
	o.mu.Unlock()

	o.log.Info().Str("batch", b.id).Int("jobs", len(jobs)).Int("workers", workers).Msg("batch accepted")
	b.run(o.cfg.Dispatcher, workers, o.log)
	return types.SubmitBatchResponse{BatchID: b.id, Jobs: len(jobs)}, nil
}

// resolve fills server defaults into job specs and builds dispatchable jobs.
func (o *Orchestrator) resolve(specs []types.JobSpec) []types.Job {
	out := make([]types.Job, len(specs))
	for i, s := range specs {
		model := s.Model
		if model == "" {
			model = o.cfg.DefaultModel
		}
		prompt := s.Prompt
		if prompt == "" {
			prompt = o.cfg.DefaultPrompt
		}
		system := s.System
		if system == "" {
			system = o.cfg.SystemPrompt
		}
		temp := s.Temperature
		if temp == 0 {
			temp = o.cfg.Temperature
		}
		out[i] = types.Job{
			ID:       uuid.NewString(),
			Digest:   s.Digest,
			ImageB64: s.Image,
			Model:    model,
			Params:   types.PromptParams{Prompt: prompt, System: system, Temperature: temp},
		}
	}
	return out
}

// Status returns the per-job breakdown of a batch.
func (o *Orchestrator) Status(batchID string) (types.BatchStatusResponse, error) {
	o.mu.Lock()
	b, ok := o.batches[batchID]
	o.mu.Unlock()
	if !ok {
		return types.BatchStatusResponse{}, notFoundError{batchID: batchID}
	}
	return b.snapshot(), nil
}

// Cancel stops a batch: queued jobs are dropped and in-flight inference
// calls are canceled at the network level. Canceling a finished batch is a
// no-op.
func (o *Orchestrator) Cancel(batchID string) error {
	o.mu.Lock()
	b, ok := o.batches[batchID]
	o.mu.Unlock()
	if !ok {
		return notFoundError{batchID: batchID}
	}
	b.cancelBatch()
	o.log.Info().Str("batch", batchID).Msg("batch canceled")
	return nil
}

// ServerStatus is the aggregate view served by the status endpoint.
func (o *Orchestrator) ServerStatus() types.StatusResponse {
	o.mu.Lock()
	nbatches := len(o.batches)
	o.mu.Unlock()

	var cs types.CacheStats
	if o.cfg.Cache != nil {
		cs = o.cfg.Cache.Stats()
	}
	now := time.Now()
	return types.StatusResponse{
		Instances:      o.cfg.Registry.Status(),
		Cache:          cs,
		Batches:        nbatches,
		UptimeSeconds:  int64(now.Sub(o.start).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Ready reports whether the pool can serve work: at least one healthy
// instance, or room to grow one.
func (o *Orchestrator) Ready() bool {
	if len(o.cfg.Registry.List(registry.HealthyOnly)) > 0 {
		return true
	}
	return o.cfg.Lifecycle != nil && o.cfg.Lifecycle.CanGrow()
}

// Close cancels every running batch, stops the health monitor and shuts
// down managed containers.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	running := make([]*batch, 0, len(o.batches))
	for _, b := range o.batches {
		running = append(running, b)
	}
	o.mu.Unlock()

	for _, b := range running {
		b.cancelBatch()
	}
	for _, b := range running {
		b.wait(ctx)
	}
	if o.cfg.Monitor != nil {
		o.cfg.Monitor.Stop()
	}
	if o.cfg.Lifecycle != nil {
		o.cfg.Lifecycle.Shutdown(ctx)
	}
}

