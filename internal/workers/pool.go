// Package workers provides a fixed-size worker pool for running independent
// jobs concurrently. It offers a barrier that returns when every submitted
// job has finished or the caller's context is cancelled, and a shutdown path
// that never blocks past its configured timeout.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/naabu2nmap/internal/logging"
)

var (
	// ErrPoolShutdown is returned when submitting to a pool that is shut down.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrShutdownTimeout is returned when workers outlive the shutdown timeout.
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
	// ErrJobPanicked wraps the value recovered from a panicking job.
	ErrJobPanicked = errors.New("job panicked")
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// ShutdownTimeout is the maximum time Shutdown waits for workers to finish.
	ShutdownTimeout time.Duration
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config  Config
	jobs    chan Job
	wg      sync.WaitGroup // workers
	pending sync.WaitGroup // submitted jobs not yet finished or dropped
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger

	mu         sync.RWMutex // guards sends on jobs against close
	startOnce  sync.Once
	shutdown32 int32 // atomic shutdown flag
	active     int32
	peak       int32
	completed  int32

	// OnActiveChange, when set, is called with the in-flight count each time
	// a job starts or finishes.
	OnActiveChange func(active int)
}

// New creates a new worker pool with the given configuration.
// Size and QueueSize default to 1 when not positive.
func New(config Config, logger *logging.Logger) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	if logger == nil {
		logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config: config,
		jobs:   make(chan Job, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithComponent("workers"),
	}
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

// Submit adds a job to the worker pool queue. It blocks while the queue is
// full and returns early if ctx is cancelled or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if atomic.LoadInt32(&p.shutdown32) == 1 {
		return ErrPoolShutdown
	}

	p.pending.Add(1)
	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted to worker pool", "job_id", job.ID())
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	case <-p.ctx.Done():
		p.pending.Done()
		return ErrPoolShutdown
	}
}

// Wait blocks until every submitted job has finished or ctx is done,
// whichever comes first. It returns ctx.Err() in the latter case.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the pool. Queued jobs that have not started are dropped and
// the context handed to running jobs is cancelled. Shutdown waits at most
// ShutdownTimeout for workers to exit; on timeout it returns
// ErrShutdownTimeout and leaves the stragglers to finish on their own.
func (p *Pool) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&p.shutdown32, 0, 1) {
		return nil
	}

	p.logger.Debug("Shutting down worker pool")

	// Cancelling first releases any Submit blocked on a full queue.
	p.cancel()
	p.mu.Lock()
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.config.ShutdownTimeout
	if timeout <= 0 {
		<-done
		return nil
	}

	select {
	case <-done:
		p.logger.Debug("Worker pool shutdown completed")
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool shutdown timeout, abandoning running jobs",
			"active", p.Active())
		return ErrShutdownTimeout
	}
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int {
	return int(atomic.LoadInt32(&p.active))
}

// Peak returns the highest number of jobs that executed at the same time.
func (p *Pool) Peak() int {
	return int(atomic.LoadInt32(&p.peak))
}

// Completed returns the number of jobs that ran to completion, successfully or not.
func (p *Pool) Completed() int {
	return int(atomic.LoadInt32(&p.completed))
}

// run executes the worker loop.
func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drop()
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			// A cancelled pool must not start queued work even if the
			// select above happened to pick the job channel.
			if p.ctx.Err() != nil {
				p.pending.Done()
				p.drop()
				return
			}
			p.execute(id, job)
		}
	}
}

// drop releases the pending count of every job still queued.
func (p *Pool) drop() {
	for range p.jobs {
		p.pending.Done()
	}
}

// execute runs a single job. A panic in the job is logged and counted as a
// failure; it never takes the worker down.
func (p *Pool) execute(workerID int, job Job) {
	defer p.pending.Done()

	active := atomic.AddInt32(&p.active, 1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if active <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, active) {
			break
		}
	}
	p.notifyActive(int(active))

	start := time.Now()
	err := p.safeExecute(job)
	duration := time.Since(start)

	p.notifyActive(int(atomic.AddInt32(&p.active, -1)))
	atomic.AddInt32(&p.completed, 1)

	if err != nil {
		p.logger.Debug("Job failed", "job_id", job.ID(), "worker_id", workerID,
			"duration", duration, "error", err)
	} else {
		p.logger.Debug("Job completed successfully", "job_id", job.ID(),
			"worker_id", workerID, "duration", duration)
	}
}

func (p *Pool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			p.logger.Error("Job panicked", "job_id", job.ID(), "panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	return job.Execute(p.ctx)
}

func (p *Pool) notifyActive(active int) {
	if p.OnActiveChange != nil {
		p.OnActiveChange(active)
	}
}
