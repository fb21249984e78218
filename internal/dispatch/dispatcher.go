// Package dispatch routes analysis jobs to healthy backend instances,
// consulting the result cache first and coalescing identical in-flight
// requests into a single inference call.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"lightkeyd/internal/backend"
	"lightkeyd/internal/cache"
	"lightkeyd/internal/fingerprint"
	"lightkeyd/internal/registry"
	"lightkeyd/pkg/types"
)

const (
	defaultMaxRetries     = 2
	defaultRequestTimeout = 120 * time.Second
	defaultStartupWait    = 120 * time.Second
	instanceWaitPoll      = 100 * time.Millisecond
)

// ResultCache is the slice of the cache the dispatcher needs; nil disables
// caching entirely (every job runs inference).
type ResultCache interface {
	Lookup(key, model, paramHash string) (*cache.Entry, bool, error)
	Put(e cache.Entry) error
}

// Provisioner grows the pool on demand. The dispatcher requests, never owns.
type Provisioner interface {
	Provision(ctx context.Context, model string) (string, error)
	CanGrow() bool
}

// Config collects Dispatcher tunables. Zero values use package defaults.
type Config struct {
	// MaxRetries bounds additional attempts after the first failure.
	MaxRetries int
	// RequestTimeout applies per inference call.
	RequestTimeout time.Duration
	// StartupWait bounds how long a job waits for an instance to appear.
	StartupWait time.Duration
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	reg    *registry.Registry
	cache  ResultCache
	prov   Provisioner
	dial   backend.Dialer
	policy Policy
	log    zerolog.Logger
	cfg    Config

	// flight coalesces concurrent submissions per fingerprint; provision
	// coalesces concurrent pool-growth requests.
	flight    singleflight.Group
	provision singleflight.Group
}

func New(reg *registry.Registry, rc ResultCache, prov Provisioner, dial backend.Dialer, policy Policy, log zerolog.Logger, cfg Config) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = defaultStartupWait
	}
	if dial == nil {
		dial = backend.Dial
	}
	if policy == nil {
		policy = NewLeastLoaded()
	}
	return &Dispatcher{reg: reg, cache: rc, prov: prov, dial: dial, policy: policy, log: log, cfg: cfg}
}

// Submit runs one job to completion: cache hit, coalesced wait, or a fresh
// dispatch with bounded retries. forceRefresh bypasses the cache and the
// stored entry is superseded by the fresh result.
func (d *Dispatcher) Submit(ctx context.Context, job types.Job, forceRefresh bool) (types.Result, error) {
	paramHash := fingerprint.ParamHash(job.Params)
	if job.Fingerprint == "" {
		job.Fingerprint = fingerprint.Key(job.Digest, job.Model, job.Params)
	}

	if d.cache != nil && !forceRefresh {
		entry, ok, err := d.cache.Lookup(job.Fingerprint, job.Model, paramHash)
		if err != nil {
			// Degrade to a miss; a broken cache must not fail the batch.
			d.log.Warn().Str("job", job.ID).Err(err).Msg("cache lookup failed, treating as miss")
		}
		if ok {
			cacheHitsTotal.Inc()
			return types.Result{Text: entry.Result, Model: entry.Model, Cached: true}, nil
		}
	}
	cacheMissesTotal.Inc()

	// Concurrent submissions of the same fingerprint share one inference.
	v, err, shared := d.flight.Do(job.Fingerprint, func() (any, error) {
		return d.dispatch(ctx, job, paramHash)
	})
	if shared {
		coalescedTotal.Inc()
	}
	if err != nil {
		return types.Result{}, err
	}
	return v.(types.Result), nil
}

// dispatch performs the attempt loop. Each attempt reserves a concurrency
// slot that is released on every exit path.
func (d *Dispatcher) dispatch(ctx context.Context, job types.Job, paramHash string) (types.Result, error) {
	tried := make(map[string]bool)
	var lastErr error
	var lastInstance string

	attempts := 0
	for attempts <= d.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return types.Result{}, err
		}
		inst, err := d.acquire(ctx, job.Model, tried)
		if err != nil {
			jobsFailedTotal.Inc()
			if lastErr != nil {
				return types.Result{}, jobFailedError{jobID: job.ID, attempts: attempts, instanceID: lastInstance, lastErr: lastErr}
			}
			return types.Result{}, err
		}
		attempts++
		tried[inst.ID] = true
		lastInstance = inst.ID

		res, err := d.attempt(ctx, inst, job)
		if err == nil {
			attemptsTotal.WithLabelValues("success").Inc()
			if d.cache != nil {
				put := cache.Entry{Key: job.Fingerprint, Model: job.Model, ParamHash: paramHash, Result: res.Text}
				if perr := d.cache.Put(put); perr != nil {
					d.log.Warn().Str("job", job.ID).Err(perr).Msg("cache store failed")
				}
			}
			return res, nil
		}
		attemptsTotal.WithLabelValues("error").Inc()
		lastErr = err
		d.log.Warn().Str("job", job.ID).Str("instance", inst.ID).Int("attempt", attempts).Err(err).Msg("inference attempt failed")
		if ctx.Err() != nil {
			return types.Result{}, ctx.Err()
		}
	}

	jobsFailedTotal.Inc()
	return types.Result{}, jobFailedError{jobID: job.ID, attempts: attempts, instanceID: lastInstance, lastErr: lastErr}
}

// attempt runs one inference call against one instance. The reserved slot is
// released unconditionally when the call returns.
func (d *Dispatcher) attempt(ctx context.Context, inst registry.Snapshot, job types.Job) (types.Result, error) {
	defer d.reg.ReleaseSlot(inst.ID)

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	text, err := d.dial(inst.URL).Analyze(callCtx, backend.Request{
		Model:       job.Model,
		Prompt:      job.Params.Prompt,
		System:      job.Params.System,
		ImageB64:    job.ImageB64,
		Temperature: job.Params.Temperature,
	})
	latency := time.Since(start)
	if err != nil {
		d.reg.IncrementFailure(inst.ID)
		d.reg.RecordFailure(inst.ID, latency)
		return types.Result{}, err
	}
	d.reg.RecordSuccess(inst.ID, latency)
	inferenceDuration.Observe(latency.Seconds())
	return types.Result{
		Text:       text,
		Model:      job.Model,
		InstanceID: inst.ID,
		DurationMS: latency.Milliseconds(),
	}, nil
}

// acquire picks an instance in policy order and reserves a slot on it,
// waiting for capacity (or pool growth) up to the startup wait budget.
// Instances in tried are avoided until every candidate has been tried.
func (d *Dispatcher) acquire(ctx context.Context, model string, tried map[string]bool) (registry.Snapshot, error) {
	deadline := time.Now().Add(d.cfg.StartupWait)
	provisionRequested := false
	for {
		if err := ctx.Err(); err != nil {
			return registry.Snapshot{}, err
		}

		candidates := d.candidates(model, tried)
		for _, c := range d.policy.Order(candidates) {
			if d.reg.ReserveSlot(c.ID) {
				return c, nil
			}
		}

		// Nothing reservable. Grow the pool when it is empty and policy
		// allows; concurrent growers collapse into a single provision call.
		if len(d.reg.List(registry.HealthyOnly)) == 0 && d.prov != nil && d.prov.CanGrow() && !provisionRequested {
			provisionRequested = true
			_, err, _ := d.provision.Do("grow:"+model, func() (any, error) {
				return d.prov.Provision(ctx, model)
			})
			if err != nil {
				d.log.Error().Err(err).Msg("pool growth failed")
			}
			continue
		}

		if time.Now().After(deadline) {
			return registry.Snapshot{}, noInstanceError{model: model}
		}
		select {
		case <-time.After(instanceWaitPoll):
		case <-ctx.Done():
			return registry.Snapshot{}, ctx.Err()
		}
	}
}

// candidates filters healthy instances down to those serving the model,
// excluding already-tried instances unless that would leave none.
func (d *Dispatcher) candidates(model string, tried map[string]bool) []registry.Snapshot {
	healthy := d.reg.List(registry.HealthyOnly)
	capable := healthy[:0]
	for _, s := range healthy {
		if s.HasModel(model) {
			capable = append(capable, s)
		}
	}
	fresh := make([]registry.Snapshot, 0, len(capable))
	for _, s := range capable {
		if !tried[s.ID] {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) > 0 {
		return fresh
	}
	return capable
}
