// Package registry tracks known backend instances and their health state.
// It is the single owner of instance state and slot counters; the dispatcher
// and health monitor mutate instances only through Registry operations.
package registry

import (
	"sync"
	"time"

	"lightkeyd/pkg/types"
)

// DefaultMaxInflight is the per-instance concurrency limit applied when a
// registered instance does not carry one.
const DefaultMaxInflight = 3

// instance is the registry-owned record. Never handed out by pointer.
type instance struct {
	id     string
	url    string
	origin types.InstanceOrigin

	state          types.InstanceState
	consecFails    int
	inflight       int
	maxInflight    int
	lastSuccess    time.Time
	lastProbe      time.Time
	unhealthySince time.Time
	models         []string

	totalRequests  uint64
	failedRequests uint64
	totalLatency   time.Duration
}

// Snapshot is a read-only projection of one instance.
type Snapshot struct {
	ID     string
	URL    string
	Origin types.InstanceOrigin

	State               types.InstanceState
	ConsecutiveFailures int
	Inflight            int
	MaxInflight         int
	LastSuccess         time.Time
	LastProbe           time.Time
	UnhealthySince      time.Time
	Models              []string
}

// HasModel reports whether the backend is known to serve model. An empty
// inventory means "unknown" and is treated as capable.
func (s Snapshot) HasModel(model string) bool {
	if len(s.Models) == 0 || model == "" {
		return true
	}
	for _, m := range s.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Filter selects which instances List returns.
type Filter int

const (
	All Filter = iota
	HealthyOnly
)

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance
}

func New() *Registry {
	return &Registry{instances: make(map[string]*instance)}
}

// Register adds a new instance. The id must be unique within the registry.
func (r *Registry) Register(id, url string, origin types.InstanceOrigin, state types.InstanceState, maxInflight int) error {
	if id == "" {
		return errInvalidID
	}
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[id]; exists {
		return duplicateIDError{id: id}
	}
	r.instances[id] = &instance{
		id:          id,
		url:         url,
		origin:      origin,
		state:       state,
		maxInflight: maxInflight,
	}
	return nil
}

// Deregister removes an instance. Unknown ids are a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
}

// Get returns a snapshot of one instance.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(inst), true
}

// List returns snapshots of registered instances, healthy-only or all.
func (r *Registry) List(f Filter) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.instances))
	for _, inst := range r.instances {
		if f == HealthyOnly && inst.state != types.InstanceHealthy {
			continue
		}
		out = append(out, snapshotOf(inst))
	}
	return out
}

// MarkState transitions an instance's health state.
func (r *Registry) MarkState(id string, state types.InstanceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	if state == types.InstanceUnhealthy && inst.state != types.InstanceUnhealthy {
		inst.unhealthySince = time.Now()
	}
	if state == types.InstanceHealthy {
		inst.unhealthySince = time.Time{}
	}
	inst.state = state
	return true
}

// IncrementFailure bumps the consecutive failure counter and returns the new
// value. Unknown ids return 0.
func (r *Registry) IncrementFailure(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return 0
	}
	inst.consecFails++
	return inst.consecFails
}

// ResetFailure clears the consecutive failure counter.
func (r *Registry) ResetFailure(id string) {
	r.mu.Lock()
	if inst, ok := r.instances[id]; ok {
		inst.consecFails = 0
	}
	r.mu.Unlock()
}

// ReserveSlot atomically claims one unit of concurrency on the instance.
// It fails when the instance is unknown, not dispatchable, or already at its
// limit. Every successful reserve must be paired with ReleaseSlot.
func (r *Registry) ReserveSlot(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	switch inst.state {
	case types.InstanceHealthy, types.InstanceDegraded:
	default:
		return false
	}
	if inst.inflight >= inst.maxInflight {
		return false
	}
	inst.inflight++
	return true
}

// ReleaseSlot returns a previously reserved unit of concurrency.
func (r *Registry) ReleaseSlot(id string) {
	r.mu.Lock()
	if inst, ok := r.instances[id]; ok && inst.inflight > 0 {
		inst.inflight--
	}
	r.mu.Unlock()
}

// RecordSuccess updates rolling stats after a served request and clears the
// failure streak.
func (r *Registry) RecordSuccess(id string, latency time.Duration) {
	r.mu.Lock()
	if inst, ok := r.instances[id]; ok {
		inst.consecFails = 0
		inst.lastSuccess = time.Now()
		inst.totalRequests++
		inst.totalLatency += latency
	}
	r.mu.Unlock()
}

// RecordFailure updates rolling stats after a failed request.
func (r *Registry) RecordFailure(id string, latency time.Duration) {
	r.mu.Lock()
	if inst, ok := r.instances[id]; ok {
		inst.totalRequests++
		inst.failedRequests++
		inst.totalLatency += latency
	}
	r.mu.Unlock()
}

// MarkProbe records the time of the last health probe.
func (r *Registry) MarkProbe(id string, at time.Time) {
	r.mu.Lock()
	if inst, ok := r.instances[id]; ok {
		inst.lastProbe = at
	}
	r.mu.Unlock()
}

// SetModels records the backend's model inventory (from /api/tags).
func (r *Registry) SetModels(id string, models []string) {
	r.mu.Lock()
	if inst, ok := r.instances[id]; ok {
		inst.models = append([]string(nil), models...)
	}
	r.mu.Unlock()
}

// Status projects all instances into the public API shape.
func (r *Registry) Status() []types.InstanceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.InstanceStatus, 0, len(r.instances))
	for _, inst := range r.instances {
		st := types.InstanceStatus{
			ID:                  inst.id,
			URL:                 inst.url,
			Origin:              inst.origin,
			State:               inst.state,
			Inflight:            inst.inflight,
			MaxInflight:         inst.maxInflight,
			ConsecutiveFailures: inst.consecFails,
			TotalRequests:       inst.totalRequests,
			FailedRequests:      inst.failedRequests,
			Models:              append([]string(nil), inst.models...),
		}
		if !inst.lastSuccess.IsZero() {
			st.LastSuccessUnix = inst.lastSuccess.Unix()
		}
		if inst.totalRequests > 0 {
			st.AvgLatencyMS = (inst.totalLatency / time.Duration(inst.totalRequests)).Milliseconds()
		}
		out = append(out, st)
	}
	return out
}

func snapshotOf(inst *instance) Snapshot {
	return Snapshot{
		ID:                  inst.id,
		URL:                 inst.url,
		Origin:              inst.origin,
		State:               inst.state,
		ConsecutiveFailures: inst.consecFails,
		Inflight:            inst.inflight,
		MaxInflight:         inst.maxInflight,
		LastSuccess:         inst.lastSuccess,
		LastProbe:           inst.lastProbe,
		UnhealthySince:      inst.unhealthySince,
		Models:              append([]string(nil), inst.models...),
	}
}
