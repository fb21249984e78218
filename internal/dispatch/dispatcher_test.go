package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lightkeyd/internal/backend"
	"lightkeyd/internal/cache"
	"lightkeyd/internal/registry"
	"lightkeyd/pkg/types"
)

type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	delay  time.Duration
	err    error
	answer string
}

func (f *fakeBackend) Probe(ctx context.Context) error              { return nil }
func (f *fakeBackend) Models(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeBackend) Pull(ctx context.Context, model string) error { return nil }

func (f *fakeBackend) Analyze(ctx context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	delay, err, answer := f.delay, f.err, f.answer
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	puts    int
}

func newMapCache() *mapCache { return &mapCache{entries: make(map[string]cache.Entry)} }

func (m *mapCache) Lookup(key, model, paramHash string) (*cache.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.Model != model || e.ParamHash != paramHash {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *mapCache) Put(e cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	m.puts++
	return nil
}

type brokenCache struct{}

func (brokenCache) Lookup(key, model, paramHash string) (*cache.Entry, bool, error) {
	return nil, false, errors.New("disk gone")
}
func (brokenCache) Put(e cache.Entry) error { return errors.New("disk gone") }

type fakeProvisioner struct {
	reg  *registry.Registry
	id   string
	url  string
	grow bool

	calls atomic.Int32
	err   error
}

func (p *fakeProvisioner) CanGrow() bool { return p.grow }

func (p *fakeProvisioner) Provision(ctx context.Context, model string) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	if err := p.reg.Register(p.id, p.url, types.OriginContainer, types.InstanceHealthy, 3); err != nil {
		return "", err
	}
	return p.id, nil
}

func testJob(id string) types.Job {
	return types.Job{
		ID:     id,
		Digest: "digest-" + id,
		Model:  "gemma3:4b",
		Params: types.PromptParams{Prompt: "describe"},
	}
}

func newTestDispatcher(reg *registry.Registry, rc ResultCache, prov Provisioner, dial backend.Dialer, cfg Config) *Dispatcher {
	return New(reg, rc, prov, dial, NewLeastLoaded(), zerolog.Nop(), cfg)
}

func TestSubmitCacheHit(t *testing.T) {
	reg := registry.New()
	fb := &fakeBackend{answer: "fresh"}
	mc := newMapCache()
	d := newTestDispatcher(reg, mc, nil, func(string) backend.Backend { return fb }, Config{StartupWait: 50 * time.Millisecond})

	if err := reg.Register("i1", "http://i1", types.OriginLocal, types.InstanceHealthy, 3); err != nil {
		t.Fatalf("register: %v", err)
	}

	job := testJob("j1")
	res, err := d.Submit(context.Background(), job, false)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if res.Cached || res.Text != "fresh" {
		t.Fatalf("unexpected first result: %+v", res)
	}

	res, err = d.Submit(context.Background(), job, false)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !res.Cached {
		t.Fatalf("expected cached result, got %+v", res)
	}
	if got := fb.callCount(); got != 1 {
		t.Fatalf("backend called %d times, want 1", got)
	}
}

func TestSubmitForceRefreshBypassesCache(t *testing.T) {
	reg := registry.New()
	fb := &fakeBackend{answer: "fresh"}
	mc := newMapCache()
	d := newTestDispatcher(reg, mc, nil, func(string) backend.Backend { return fb }, Config{StartupWait: 50 * time.Millisecond})

	if err := reg.Register("i1", "http://i1", types.OriginLocal, types.InstanceHealthy, 3); err != nil {
		t.Fatalf("register: %v", err)
	}

	job := testJob("j1")
	if _, err := d.Submit(context.Background(), job, false); err != nil {
		t.Fatalf("seed submit: %v", err)
	}
	res, err := d.Submit(context.Background(), job, true)
	if err != nil {
		t.Fatalf("refresh submit: %v", err)
	}
	if res.Cached {
		t.Fatalf("force refresh must not serve from cache")
	}
	if got := fb.callCount(); got != 2 {
		t.Fatalf("backend called %d times, want 2", got)
	}
	if mc.puts != 2 {
		t.Fatalf("cache stored %d times, want 2", mc.puts)
	}
}

func TestSubmitBrokenCacheDegradesToMiss(t *testing.T) {
	reg := registry.New()
	fb := &fakeBackend{answer: "ok"}
	d := newTestDispatcher(reg, brokenCache{}, nil, func(string) backend.Backend { return fb }, Config{StartupWait: 50 * time.Millisecond})

	if err := reg.Register("i1", "http://i1", types.OriginLocal, types.InstanceHealthy, 3); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := d.Submit(context.Background(), testJob("j1"), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Text != "ok" || res.Cached {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSubmitCoalescesIdenticalRequests(t *testing.T) {
	reg := registry.New()
	fb := &fakeBackend{answer: "shared", delay: 100 * time.Millisecond}
	d := newTestDispatcher(reg, nil, nil, func(string) backend.Backend { return fb }, Config{StartupWait: time.Second})

	if err := reg.Register("i1", "http://i1", types.OriginLocal, types.InstanceHealthy, 8); err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 8
	job := testJob("same")
	var wg sync.WaitGroup
	results := make([]types.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Submit(context.Background(), job, false)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if results[i].Text != "shared" {
			t.Fatalf("submit %d result %q", i, results[i].Text)
		}
	}
	if got := fb.callCount(); got != 1 {
		t.Fatalf("backend called %d times, want 1", got)
	}
}

func TestSubmitRetryBudgetExact(t *testing.T) {
	reg := registry.New()
	fb := &fakeBackend{err: errors.New("model exploded")}
	d := newTestDispatcher(reg, nil, nil, func(string) backend.Backend { return fb }, Config{
		MaxRetries:  2,
		StartupWait: 50 * time.Millisecond,
	})

	if err := reg.Register("i1", "http://i1", types.OriginLocal, types.InstanceHealthy, 3); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := d.Submit(context.Background(), testJob("j1"), false)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !IsJobFailed(err) {
		t.Fatalf("expected terminal job failure, got %v", err)
	}
	if got := Attempts(err); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if got := fb.callCount(); got != 3 {
		t.Fatalf("backend called %d times, want 3", got)
	}
}

func TestSubmitRetriesOnHealthySibling(t *testing.T) {
	reg := registry.New()
	bad := &fakeBackend{err: errors.New("boom")}
	good := &fakeBackend{answer: "recovered"}
	dial := func(url string) backend.Backend {
		if url == "http://bad" {
			return bad
		}
		return good
	}
	d := newTestDispatcher(reg, nil, nil, dial, Config{MaxRetries: 1, StartupWait: 50 * time.Millisecond})

	if err := reg.Register("bad", "http://bad", types.OriginLocal, types.InstanceHealthy, 3); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("good", "http://good", types.OriginLocal, types.InstanceHealthy, 3); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Make bad the preferred first pick.
	reg.RecordSuccess("bad", 10*time.Millisecond)

	res, err := d.Submit(context.Background(), testJob("j1"), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Text != "recovered" || res.InstanceID != "good" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if bad.callCount() != 1 || good.callCount() != 1 {
		t.Fatalf("calls bad=%d good=%d, want 1 and 1", bad.callCount(), good.callCount())
	}
}

func TestSubmitNoInstance(t *testing.T) {
	reg := registry.New()
	d := newTestDispatcher(reg, nil, nil, func(string) backend.Backend { return &fakeBackend{} }, Config{
		StartupWait: 50 * time.Millisecond,
	})

	_, err := d.Submit(context.Background(), testJob("j1"), false)
	if !IsNoInstance(err) {
		t.Fatalf("expected no-instance error, got %v", err)
	}
}

func TestSubmitProvisionsEmptyPool(t *testing.T) {
	reg := registry.New()
	fb := &fakeBackend{answer: "grown"}
	prov := &fakeProvisioner{reg: reg, id: "c1", url: "http://c1", grow: true}
	d := newTestDispatcher(reg, nil, prov, func(string) backend.Backend { return fb }, Config{
		StartupWait: time.Second,
	})

	res, err := d.Submit(context.Background(), testJob("j1"), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Text != "grown" || res.InstanceID != "c1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := prov.calls.Load(); got != 1 {
		t.Fatalf("provision called %d times, want 1", got)
	}
}

func TestSubmitContextCanceled(t *testing.T) {
	reg := registry.New()
	d := newTestDispatcher(reg, nil, nil, func(string) backend.Backend { return &fakeBackend{} }, Config{
		StartupWait: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Submit(ctx, testJob("j1"), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSubmitReleasesSlots(t *testing.T) {
	reg := registry.New()
	fb := &fakeBackend{err: errors.New("boom")}
	d := newTestDispatcher(reg, nil, nil, func(string) backend.Backend { return fb }, Config{
		MaxRetries:  2,
		StartupWait: 50 * time.Millisecond,
	})

	if err := reg.Register("i1", "http://i1", types.OriginLocal, types.InstanceHealthy, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := d.Submit(context.Background(), testJob("j1"), false); err == nil {
		t.Fatal("expected failure")
	}
	snap, ok := reg.Get("i1")
	if !ok {
		t.Fatal("instance missing")
	}
	if snap.Inflight != 0 {
		t.Fatalf("inflight = %d after failed job, want 0", snap.Inflight)
	}
}
