// Package worker runs render and discovery tasks on a fixed set of isolated
// execution units. Each unit is initialised once from a serialised payload
// and owns everything it builds from it; results come back by message only.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
)

// Handler executes tasks inside one unit. It is only ever called from the
// unit's own goroutine.
type Handler interface {
	Handle(ctx context.Context, task Task) Result
	Close() error
}

// Factory builds a unit's Handler from its private copy of the payload.
type Factory func(payload *InitPayload) (Handler, error)

// Config configures a Pool.
type Config struct {
	// Size is the number of units. Callers pass min(concurrency, work).
	Size int
	// MinWorkers is the floor the supervisor respawns dead units up to.
	// Defaults to Size.
	MinWorkers int
	Payload    *InitPayload
	Factory    Factory
	Logger     logging.Logger
}

// Pool is the worker pool dispatcher.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	payload []byte
	factory Factory
	logger  logging.Logger
	size    int

	tasks   chan *job
	queueMu sync.RWMutex

	// spawnMu orders spawning against shutdown so no unit starts once
	// closed is set.
	spawnMu    sync.Mutex
	closed     atomic.Bool
	minWorkers atomic.Int32
	live       atomic.Int32
	// starved is set once every unit has died and none could be respawned.
	starved atomic.Pointer[errors.Error]

	units  sync.WaitGroup
	exited chan struct{}
	stop   chan struct{}
	super  sync.WaitGroup

	closeErrs []error
	errMu     sync.Mutex

	destroyOnce sync.Once
	destroyErr  error

	stats poolStats
}

type poolStats struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
	peak      atomic.Int64
	spawned   atomic.Int64
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Size           int
	LiveWorkers    int
	Submitted      int64
	Completed      int64
	Failed         int64
	Active         int64
	PeakConcurrent int64
	Spawned        int64
}

type job struct {
	task   Task
	future *Future
}

// New encodes the payload once and starts Size units. If any unit fails to
// initialise, the units already started are torn down and an error returned.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "worker pool requires a factory")
	}
	if cfg.Payload == nil {
		cfg.Payload = &InitPayload{}
	}
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.MinWorkers <= 0 || cfg.MinWorkers > cfg.Size {
		cfg.MinWorkers = cfg.Size
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	encoded, err := cfg.Payload.Encode()
	if err != nil {
		return nil, errors.NewLifecycleError(errors.ErrCodeWorkerInit, "failed to encode worker payload", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		payload: encoded,
		factory: cfg.Factory,
		logger:  cfg.Logger.WithComponent("worker_pool"),
		size:    cfg.Size,
		tasks:   make(chan *job, cfg.Size),
		exited:  make(chan struct{}, cfg.Size),
		stop:    make(chan struct{}),
	}
	p.minWorkers.Store(int32(cfg.MinWorkers))

	for i := 0; i < cfg.Size; i++ {
		if err := p.spawn(); err != nil {
			_ = p.Destroy()
			return nil, err
		}
	}

	p.super.Add(1)
	go p.supervise()

	p.logger.Debug(ctx, "Worker pool started", "size", cfg.Size, "min_workers", cfg.MinWorkers, "payload_bytes", len(encoded))

	return p, nil
}

// spawn initialises a unit from a fresh decode of the payload and starts it.
func (p *Pool) spawn() error {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()

	if p.closed.Load() {
		return errors.ErrPoolClosed
	}

	payload, err := DecodePayload(p.payload)
	if err != nil {
		return errors.NewLifecycleError(errors.ErrCodeWorkerInit, "failed to decode worker payload", err)
	}
	handler, err := p.factory(payload)
	if err != nil {
		return errors.NewLifecycleError(errors.ErrCodeWorkerInit, "failed to initialise worker", err)
	}

	p.live.Add(1)
	p.stats.spawned.Add(1)
	p.units.Add(1)
	go p.runUnit(handler)

	return nil
}

// runUnit consumes tasks until the queue closes or a task panics.
func (p *Pool) runUnit(h Handler) {
	defer p.units.Done()
	defer func() {
		p.live.Add(-1)
		if err := h.Close(); err != nil {
			p.recordCloseErr(err)
		}
		select {
		case p.exited <- struct{}{}:
		default:
		}
	}()

	for j := range p.tasks {
		if !p.process(h, j) {
			// A panicking unit may be left in a bad state; replace it.
			return
		}
	}
}

// process runs one job and reports whether the unit is still healthy.
func (p *Pool) process(h Handler, j *job) (healthy bool) {
	if err := p.ctx.Err(); err != nil {
		p.stats.failed.Add(1)
		j.future.resolve(Result{Route: j.task.Route}, errors.ErrPoolClosed)
		return true
	}

	active := p.stats.active.Add(1)
	for {
		peak := p.stats.peak.Load()
		if active <= peak || p.stats.peak.CompareAndSwap(peak, active) {
			break
		}
	}
	defer p.stats.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.stats.failed.Add(1)
			err := errors.NewInternalError(errors.ErrCodeWorkerPanic,
				fmt.Sprintf("worker panicked: %v", r), nil).WithRoute(j.task.Route)
			p.logger.Error(p.ctx, err, "Worker unit panicked, replacing it", "route", j.task.Route)
			j.future.resolve(Result{Route: j.task.Route}, err)
			healthy = false
		}
	}()

	result := h.Handle(p.ctx, j.task)
	if result.Route == "" {
		result.Route = j.task.Route
	}
	if len(result.Errors) > 0 {
		p.stats.failed.Add(1)
	} else {
		p.stats.completed.Add(1)
	}
	j.future.resolve(result, nil)

	return true
}

// supervise keeps the live unit count at or above the minimum.
func (p *Pool) supervise() {
	defer p.super.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.exited:
			for int(p.live.Load()) < int(p.minWorkers.Load()) {
				if err := p.spawn(); err != nil {
					if !stderrors.Is(err, errors.ErrPoolClosed) {
						p.logger.Error(p.ctx, err, "Failed to respawn worker unit")
						if p.live.Load() == 0 {
							p.starve(err)
						}
					}
					break
				}
				p.logger.Debug(p.ctx, "Respawned worker unit", "live", p.live.Load())
			}
		}
	}
}

// starve fails every queued and future task with cause once no unit is left
// to run them. The drain counts as a unit so Destroy waits for it.
func (p *Pool) starve(cause error) {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()

	if p.closed.Load() || p.starved.Load() != nil {
		return
	}
	err := errors.NewLifecycleError(errors.ErrCodeWorkerInit, "no worker units left to run tasks", cause)
	p.starved.Store(err)
	p.logger.Error(p.ctx, err, "Worker pool has no live units, failing queued tasks")

	p.units.Add(1)
	go func() {
		defer p.units.Done()
		for j := range p.tasks {
			p.stats.failed.Add(1)
			j.future.resolve(Result{Route: j.task.Route}, err)
		}
	}()
}

// Run submits task and returns its Future. Tasks may complete in any order.
// Submitting to a destroyed pool yields a Future resolved with ErrPoolClosed,
// and to a pool whose units have all died a Future resolved with the
// respawn failure.
func (p *Pool) Run(task Task) *Future {
	f := newFuture(task.Route)

	p.queueMu.RLock()
	defer p.queueMu.RUnlock()

	if p.closed.Load() {
		f.resolve(Result{Route: task.Route}, errors.ErrPoolClosed)
		return f
	}

	p.stats.submitted.Add(1)
	if err := p.starved.Load(); err != nil {
		p.stats.failed.Add(1)
		f.resolve(Result{Route: task.Route}, err)
		return f
	}
	select {
	case p.tasks <- &job{task: task, future: f}:
	case <-p.ctx.Done():
		p.stats.failed.Add(1)
		f.resolve(Result{Route: task.Route}, errors.ErrPoolClosed)
	}
	return f
}

// Destroy tears the pool down. The respawn floor is dropped to zero before
// the queue is closed so exiting units are not replaced mid-shutdown.
// Queued tasks that have not started resolve with ErrPoolClosed. Destroy is
// idempotent; cleanup errors are returned but never affect resolved results.
func (p *Pool) Destroy() error {
	p.destroyOnce.Do(func() {
		p.minWorkers.Store(0)

		p.cancel()

		p.queueMu.Lock()
		p.spawnMu.Lock()
		p.closed.Store(true)
		p.spawnMu.Unlock()
		close(p.tasks)
		p.queueMu.Unlock()

		p.units.Wait()
		close(p.stop)
		p.super.Wait()

		p.errMu.Lock()
		if len(p.closeErrs) > 0 {
			p.destroyErr = errors.NewLifecycleError(errors.ErrCodeCleanupFailed,
				"worker units failed to close", stderrors.Join(p.closeErrs...))
		}
		p.errMu.Unlock()

		p.logger.Debug(context.Background(), "Worker pool destroyed",
			"completed", p.stats.completed.Load(), "failed", p.stats.failed.Load())
	})
	return p.destroyErr
}

func (p *Pool) recordCloseErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.closeErrs = append(p.closeErrs, err)
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:           p.size,
		LiveWorkers:    int(p.live.Load()),
		Submitted:      p.stats.submitted.Load(),
		Completed:      p.stats.completed.Load(),
		Failed:         p.stats.failed.Load(),
		Active:         p.stats.active.Load(),
		PeakConcurrent: p.stats.peak.Load(),
		Spawned:        p.stats.spawned.Load(),
	}
}

// Size returns the configured unit count.
func (p *Pool) Size() int {
	return p.size
}
