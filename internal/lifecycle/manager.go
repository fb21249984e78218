// Package lifecycle provisions and terminates container-managed backend
// instances. It is the only component allowed to start or stop containers;
// the dispatcher and health monitor may only request it.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lightkeyd/internal/backend"
	"lightkeyd/internal/registry"
	"lightkeyd/pkg/types"
)

const (
	defaultStartupTimeout = 120 * time.Second
	readinessPollEvery    = 500 * time.Millisecond
	stopGrace             = 10 * time.Second
)

// Managed is the public view of one managed container.
type Managed struct {
	InstanceID        string
	ContainerID       string
	Name              string
	URL               string
	Port              int
	NeedsIntervention bool
}

// Manager owns the containers it creates and registers the backends inside
// them into the registry once they become reachable.
type Manager struct {
	runtime Runtime
	reg     *registry.Registry
	dial    backend.Dialer
	log     zerolog.Logger

	spec           types.ContainerSpec
	startupTimeout time.Duration
	maxInflight    int

	mu      sync.Mutex
	managed map[string]*Managed // instance id -> container
	seq     int
}

// Config collects Manager construction tunables.
type Config struct {
	Runtime        Runtime
	Registry       *registry.Registry
	Dialer         backend.Dialer
	Logger         zerolog.Logger
	Spec           types.ContainerSpec
	StartupTimeout time.Duration
	MaxInflight    int
}

func New(cfg Config) *Manager {
	m := &Manager{
		runtime:        cfg.Runtime,
		reg:            cfg.Registry,
		dial:           cfg.Dialer,
		log:            cfg.Logger,
		spec:           cfg.Spec,
		startupTimeout: cfg.StartupTimeout,
		maxInflight:    cfg.MaxInflight,
		managed:        make(map[string]*Managed),
	}
	if m.dial == nil {
		m.dial = backend.Dial
	}
	if m.startupTimeout <= 0 {
		m.startupTimeout = defaultStartupTimeout
	}
	return m
}

// CanGrow reports whether another container may be provisioned.
func (m *Manager) CanGrow() bool {
	if m.spec.Image == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec.MaxInstances <= 0 || len(m.managed) < m.spec.MaxInstances
}

// Provision starts one container, waits for the backend inside to answer a
// probe, preloads model when non-empty, and registers the instance. On any
// failure the container is cleaned up best-effort and nothing is registered.
func (m *Manager) Provision(ctx context.Context, model string) (string, error) {
	if m.spec.Image == "" {
		return "", ErrProvision("no container spec configured", nil)
	}
	m.mu.Lock()
	if m.spec.MaxInstances > 0 && len(m.managed) >= m.spec.MaxInstances {
		m.mu.Unlock()
		return "", ErrProvision("container pool at capacity", nil)
	}
	m.seq++
	name := fmt.Sprintf("%s%d", m.namePrefix(), m.seq)
	port, err := m.pickPort()
	if err != nil {
		m.mu.Unlock()
		return "", ErrProvision("no free port", err)
	}
	// Hold the slot under a placeholder so racing provisions pick other ports.
	instID := uuid.NewString()
	mc := &Managed{InstanceID: instID, Name: name, Port: port, URL: fmt.Sprintf("http://127.0.0.1:%d", port)}
	m.managed[instID] = mc
	m.mu.Unlock()

	fail := func(reason string, cause error) (string, error) {
		m.mu.Lock()
		delete(m.managed, instID)
		m.mu.Unlock()
		if mc.ContainerID != "" {
			m.cleanupContainer(mc.ContainerID)
		}
		m.log.Error().Str("name", name).Int("port", port).Err(cause).Msg("provision failed: " + reason)
		return "", ErrProvision(reason, cause)
	}

	m.log.Info().Str("name", name).Str("image", m.spec.Image).Int("port", port).Msg("provisioning container")
	containerID, err := m.runtime.Start(ctx, m.spec, name, port)
	if err != nil {
		return fail("container start", err)
	}
	mc.ContainerID = containerID

	// Wait for the backend to come up, checking often with short probes.
	be := m.dial(mc.URL)
	deadline := time.Now().Add(m.startupTimeout)
	for {
		if ctx.Err() != nil {
			return fail("canceled", ctx.Err())
		}
		if time.Now().After(deadline) {
			return fail("startup timeout", fmt.Errorf("backend not reachable at %s within %s", mc.URL, m.startupTimeout))
		}
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := be.Probe(probeCtx)
		cancel()
		if err == nil {
			break
		}
		select {
		case <-time.After(readinessPollEvery):
		case <-ctx.Done():
			return fail("canceled", ctx.Err())
		}
	}

	if model != "" {
		if err := be.Pull(ctx, model); err != nil {
			return fail("model pull", err)
		}
	}

	if err := m.reg.Register(instID, mc.URL, types.OriginContainer, types.InstanceStarting, m.maxInflight); err != nil {
		return fail("register", err)
	}
	m.reg.MarkState(instID, types.InstanceHealthy)
	m.log.Info().Str("instance", instID).Str("container", containerID).Str("url", mc.URL).Msg("container ready")
	return instID, nil
}

// Terminate stops and removes the container behind an instance. Graceful
// stop first; forced removal after the grace period. A container that cannot
// be stopped stays tracked and is flagged for manual intervention.
func (m *Manager) Terminate(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	mc, ok := m.managed[instanceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("not a managed instance: %s", instanceID)
	}

	m.reg.MarkState(instanceID, types.InstanceTerminated)

	err := m.runtime.Stop(ctx, mc.ContainerID, stopGrace)
	if err != nil {
		m.log.Warn().Str("container", mc.ContainerID).Err(err).Msg("graceful stop failed, forcing removal")
		err = m.runtime.Remove(ctx, mc.ContainerID, true)
	} else {
		err = m.runtime.Remove(ctx, mc.ContainerID, false)
		if err != nil {
			err = m.runtime.Remove(ctx, mc.ContainerID, true)
		}
	}
	if err != nil {
		// Keep it tracked so an operator can find it.
		m.mu.Lock()
		mc.NeedsIntervention = true
		m.mu.Unlock()
		m.log.Error().Str("container", mc.ContainerID).Err(err).Msg("container could not be removed, manual intervention required")
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}

	m.mu.Lock()
	delete(m.managed, instanceID)
	m.mu.Unlock()
	m.reg.Deregister(instanceID)
	m.log.Info().Str("instance", instanceID).Str("container", mc.ContainerID).Msg("container terminated")
	return nil
}

// ListManaged returns a snapshot of all managed containers.
func (m *Manager) ListManaged() []Managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Managed, 0, len(m.managed))
	for _, mc := range m.managed {
		out = append(out, *mc)
	}
	return out
}

// Shutdown terminates every managed container. Best effort.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, mc := range m.ListManaged() {
		_ = m.Terminate(ctx, mc.InstanceID)
	}
}

func (m *Manager) namePrefix() string {
	if m.spec.NamePrefix != "" {
		return m.spec.NamePrefix
	}
	return "lightkeyd-backend-"
}

// pickPort finds a free host port in the configured range, skipping ports
// already claimed by managed containers. Caller holds m.mu.
func (m *Manager) pickPort() (int, error) {
	start, end := m.spec.PortStart, m.spec.PortEnd
	if start <= 0 {
		start, end = 11500, 11599
	}
	if end < start {
		end = start
	}
	for p := start; p <= end; p++ {
		if m.portClaimed(p) {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func (m *Manager) portClaimed(p int) bool {
	for _, mc := range m.managed {
		if mc.Port == p {
			return true
		}
	}
	return false
}

func (m *Manager) cleanupContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.runtime.Remove(ctx, containerID, true); err != nil {
		m.log.Warn().Str("container", containerID).Err(err).Msg("cleanup of failed container did not succeed")
	}
}
