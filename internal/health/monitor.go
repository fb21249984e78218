// Package health runs periodic liveness probes against registered instances
// and drives their state transitions, eviction and replacement.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lightkeyd/internal/backend"
	"lightkeyd/internal/registry"
	"lightkeyd/pkg/types"
)

const (
	defaultInterval         = 15 * time.Second
	defaultProbeTimeout     = 3 * time.Second
	defaultFailureThreshold = 3
	defaultEvictGrace       = 2 * time.Minute
	// Unhealthy instances are probed at a slower cadence.
	unhealthyBackoffFactor = 4
)

// Lifecycle is the subset of the container lifecycle manager the monitor
// needs; it never terminates containers itself.
type Lifecycle interface {
	Terminate(ctx context.Context, instanceID string) error
	Provision(ctx context.Context, model string) (string, error)
	CanGrow() bool
}

// Config collects Monitor tunables. Zero values use package defaults.
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	EvictGrace       time.Duration
	// Replace relaunches a container when a managed instance is evicted.
	Replace bool
	// DefaultModel is preloaded onto replacement containers.
	DefaultModel string
}

// Monitor owns no instance state; all mutations go through the registry.
type Monitor struct {
	reg  *registry.Registry
	lc   Lifecycle
	dial backend.Dialer
	log  zerolog.Logger
	cfg  Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(reg *registry.Registry, lc Lifecycle, dial backend.Dialer, log zerolog.Logger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.EvictGrace <= 0 {
		cfg.EvictGrace = defaultEvictGrace
	}
	if dial == nil {
		dial = backend.Dial
	}
	return &Monitor{reg: reg, lc: lc, dial: dial, log: log, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the periodic probe loop. Stop or ctx cancellation ends it.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		// Probe once immediately so a fresh pool settles fast.
		m.Sweep(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the probe loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Sweep probes every registered instance once. Exported so tests can step
// the monitor without waiting on wall-clock ticks.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()
	for _, snap := range m.reg.List(registry.All) {
		if snap.State == types.InstanceTerminated {
			continue
		}
		if snap.State == types.InstanceUnhealthy {
			if !snap.UnhealthySince.IsZero() && now.Sub(snap.UnhealthySince) > m.cfg.EvictGrace {
				m.evict(ctx, snap)
				continue
			}
			// Slower cadence while unhealthy.
			if !snap.LastProbe.IsZero() && now.Sub(snap.LastProbe) < m.cfg.Interval*unhealthyBackoffFactor {
				continue
			}
		}
		m.probe(ctx, snap)
	}
}

func (m *Monitor) probe(ctx context.Context, snap registry.Snapshot) {
	be := m.dial(snap.URL)
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := be.Probe(probeCtx)
	cancel()
	m.reg.MarkProbe(snap.ID, time.Now())

	if err == nil {
		if snap.State != types.InstanceHealthy {
			m.log.Info().Str("instance", snap.ID).Str("url", snap.URL).Str("was", string(snap.State)).Msg("instance healthy")
		}
		m.reg.ResetFailure(snap.ID)
		m.reg.MarkState(snap.ID, types.InstanceHealthy)
		if len(snap.Models) == 0 {
			m.refreshModels(ctx, be, snap.ID)
		}
		return
	}

	n := m.reg.IncrementFailure(snap.ID)
	m.log.Warn().Str("instance", snap.ID).Str("url", snap.URL).Int("consecutive", n).Err(err).Msg("probe failed")
	if n >= m.cfg.FailureThreshold && snap.State != types.InstanceUnhealthy {
		m.reg.MarkState(snap.ID, types.InstanceUnhealthy)
		m.log.Warn().Str("instance", snap.ID).Msg("instance marked unhealthy")
	}
}

func (m *Monitor) refreshModels(ctx context.Context, be backend.Backend, id string) {
	mctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	models, err := be.Models(mctx)
	if err == nil && len(models) > 0 {
		m.reg.SetModels(id, models)
	}
}

// evict removes an instance that stayed unreachable past the grace period.
// Container-managed instances are handed to the lifecycle manager; a
// replacement is launched when policy allows.
func (m *Monitor) evict(ctx context.Context, snap registry.Snapshot) {
	m.log.Warn().Str("instance", snap.ID).Str("url", snap.URL).Msg("evicting unreachable instance")
	if snap.Origin == types.OriginContainer && m.lc != nil {
		if err := m.lc.Terminate(ctx, snap.ID); err != nil {
			m.log.Error().Str("instance", snap.ID).Err(err).Msg("terminate request failed")
			m.reg.Deregister(snap.ID)
		}
		if m.cfg.Replace && m.lc.CanGrow() {
			if _, err := m.lc.Provision(ctx, m.cfg.DefaultModel); err != nil {
				m.log.Error().Err(err).Msg("replacement launch failed")
			}
		}
		return
	}
	m.reg.Deregister(snap.ID)
}
