package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"lightkeyd/internal/dispatch"
	"lightkeyd/pkg/types"
)

// batch tracks one submitted batch. Its context outlives the submitting HTTP
// request; cancellation comes from Cancel or Close, never from the caller's
// request context.
type batch struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	force bool
	jobs  []types.Job

	mu       sync.Mutex
	status   []types.JobStatus
	canceled bool

	done chan struct{}
}

func newBatch(id string, jobs []types.Job, force bool) *batch {
	ctx, cancel := context.WithCancel(context.Background())
	b := &batch{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		force:  force,
		jobs:   jobs,
		status: make([]types.JobStatus, len(jobs)),
		done:   make(chan struct{}),
	}
	for i, j := range jobs {
		b.status[i] = types.JobStatus{JobID: j.ID, State: types.JobQueued}
	}
	return b
}

// run starts the worker pool. Workers pull job indexes off a channel so a
// canceled batch drops its queued tail without dispatching it.
func (b *batch) run(d *dispatch.Dispatcher, workers int, log zerolog.Logger) {
	if workers > len(b.jobs) {
		workers = len(b.jobs)
	}
	queue := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				b.execute(d, idx, log)
			}
		}()
	}

	go func() {
		defer close(queue)
		for i := range b.jobs {
			select {
			case queue <- i:
			case <-b.ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(b.done)
	}()
}

func (b *batch) execute(d *dispatch.Dispatcher, idx int, log zerolog.Logger) {
	if b.ctx.Err() != nil {
		return
	}
	job := b.jobs[idx]
	b.setState(idx, types.JobDispatched)

	res, err := d.Submit(b.ctx, job, b.force)
	if err != nil {
		log.Warn().Str("batch", b.id).Str("job", job.ID).Err(err).Msg("job failed")
		b.finish(idx, nil, err.Error(), dispatch.Attempts(err))
		return
	}
	attempts := 1
	if res.Cached {
		attempts = 0
	}
	b.finish(idx, &res, "", attempts)
}

func (b *batch) setState(idx int, s types.JobState) {
	b.mu.Lock()
	b.status[idx].State = s
	b.mu.Unlock()
}

func (b *batch) finish(idx int, res *types.Result, errMsg string, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res != nil {
		b.status[idx].State = types.JobCompleted
		b.status[idx].Result = res
	} else {
		b.status[idx].State = types.JobFailed
		b.status[idx].Error = errMsg
	}
	b.status[idx].Attempts = attempts
}

func (b *batch) cancelBatch() {
	b.mu.Lock()
	b.canceled = true
	b.mu.Unlock()
	b.cancel()
}

// wait blocks until the batch's workers exit or ctx expires.
func (b *batch) wait(ctx context.Context) {
	select {
	case <-b.done:
	case <-ctx.Done():
	}
}

func (b *batch) snapshot() types.BatchStatusResponse {
	finished := false
	select {
	case <-b.done:
		finished = true
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := types.BatchStatusResponse{
		BatchID:  b.id,
		Canceled: b.canceled,
		Jobs:     append([]types.JobStatus(nil), b.status...),
	}
	terminal := 0
	for _, js := range out.Jobs {
		switch js.State {
		case types.JobCompleted:
			out.Completed++
			terminal++
		case types.JobFailed:
			out.Failed++
			terminal++
		}
	}
	out.Done = finished || terminal == len(out.Jobs)
	return out
}
