package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type TimeoutPolicy string

const (
	// TimeoutAck acknowledges a timed out job like any other failed attempt.
	TimeoutAck TimeoutPolicy = "ack"
	// TimeoutRequeue puts a timed out job back in the queue.
	TimeoutRequeue TimeoutPolicy = "requeue"
)

// Processor carries one input file through the simulator and relocation.
// It is shared by the queue workers and the chunk driver.
type Processor struct {
	sim        Simulator
	reloc      *Relocator
	jobTimeout time.Duration
	recorder   ExecutionRecorder
	runID      string
}

func NewProcessor(sim Simulator, reloc *Relocator, jobTimeout time.Duration, recorder ExecutionRecorder, runID string) *Processor {
	return &Processor{
		sim:        sim,
		reloc:      reloc,
		jobTimeout: jobTimeout,
		recorder:   recorder,
		runID:      runID,
	}
}

// Process never returns an error: whatever goes wrong is logged and
// reported in the Outcome so one bad input cannot stall the pool.
func (p *Processor) Process(ctx context.Context, workerID, path string) (out Outcome) {
	out.Path = path
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out.Simulated = false
			out.Err = &JobError{Path: path, Op: "simulate", Err: fmt.Errorf("panic: %v", r)}
			log.Printf("[%s] Job %s panicked: %v", workerID, path, r)
		}
		out.Duration = time.Since(started)
		p.record(workerID, started, out)
	}()

	if err := p.reloc.ClearStale(path); err != nil {
		log.Printf("[%s] Warning: failed to clear stale artifacts for %s: %v", workerID, path, err)
	}

	jobCtx := ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	res, err := p.sim.Execute(jobCtx, path)
	switch {
	case err == nil:
		out.Simulated = true
	case ctx.Err() != nil:
		out.Cancelled = true
		out.Err = &JobError{Path: path, Op: "simulate", Err: ctx.Err()}
		log.Printf("[%s] Job %s interrupted by shutdown", workerID, path)
		return out
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.Err = &JobError{Path: path, Op: "simulate", Err: fmt.Errorf("%w after %v", ErrJobTimeout, p.jobTimeout)}
		log.Printf("[%s] Job %s timed out after %v", workerID, path, p.jobTimeout)
		return out
	default:
		out.Err = &JobError{Path: path, Op: "simulate", Err: err}
		log.Printf("[%s] Simulation of %s failed (exit status %d): %v", workerID, path, res.ExitStatus, err)
	}

	// A failed run usually still writes a report worth keeping.
	if err := p.reloc.Relocate(path); err != nil {
		out.RelocationFailed = true
		if out.Err == nil {
			out.Err = &JobError{Path: path, Op: "relocate", Err: err}
		}
		log.Printf("[%s] Relocation for %s failed: %v", workerID, path, err)
	}
	return out
}

func (p *Processor) record(workerID string, started time.Time, out Outcome) {
	if p.recorder == nil {
		return
	}
	keys := []string{MetricAttempted}
	if out.Simulated {
		keys = append(keys, MetricSimulated)
	} else if !out.TimedOut && !out.Cancelled {
		keys = append(keys, MetricSimulationFailed)
	}
	if out.TimedOut {
		keys = append(keys, MetricTimeout)
	}
	if out.RelocationFailed {
		keys = append(keys, MetricRelocationFailed)
	}
	for _, k := range keys {
		if err := p.recorder.IncrementMetric(k); err != nil {
			log.Printf("[%s] Error updating metric %s: %v", workerID, k, err)
		}
	}

	e := Execution{
		RunID:            p.runID,
		Path:             out.Path,
		WorkerID:         workerID,
		StartedAt:        started,
		CompletedAt:      started.Add(out.Duration),
		Success:          out.Simulated && !out.RelocationFailed,
		Timeout:          out.TimedOut,
		RelocationFailed: out.RelocationFailed,
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	if err := p.recorder.RecordJobExecution(e); err != nil {
		log.Printf("[%s] Error recording execution of %s: %v", workerID, out.Path, err)
	}
}

type PoolOptions struct {
	Workers       int
	TimeoutPolicy TimeoutPolicy
	// ExitWhenDrained stops the queue, and with it the pool, once no job is
	// pending or leased.
	ExitWhenDrained bool
}

type WorkerPool struct {
	queue *Queue
	proc  *Processor
	opts  PoolOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	summary RunSummary
	started bool
}

func NewWorkerPool(q *Queue, proc *Processor, opts PoolOptions) *WorkerPool {
	if opts.TimeoutPolicy == "" {
		opts.TimeoutPolicy = TimeoutAck
	}
	return &WorkerPool{
		queue: q,
		proc:  proc,
		opts:  opts,
	}
}

// Start launches the workers and returns immediately.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("workers are already running")
	}
	if wp.opts.Workers < 1 {
		return fmt.Errorf("%w: worker count must be at least 1", ErrConfig)
	}
	wp.started = true
	wp.ctx, wp.cancel = context.WithCancel(ctx)

	if wp.opts.ExitWhenDrained {
		wp.wg.Add(1)
		go wp.watchDrain()
	}
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go wp.workerLoop(workerID)
	}
	log.Printf("Started %d workers", wp.opts.Workers)
	return nil
}

// Wait blocks until every worker has exited and returns the run's counts.
func (wp *WorkerPool) Wait() RunSummary {
	wp.wg.Wait()
	if wp.cancel != nil {
		wp.cancel()
	}
	return wp.Summary()
}

// Stop lets in-flight jobs finish, then waits for the workers to exit.
func (wp *WorkerPool) Stop() RunSummary {
	log.Println("Stopping workers...")
	if wp.cancel != nil {
		wp.cancel()
	}
	summary := wp.Wait()
	log.Println("All workers stopped")
	return summary
}

func (wp *WorkerPool) Summary() RunSummary {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.summary
}

func (wp *WorkerPool) workerLoop(workerID string) {
	defer wp.wg.Done()
	log.Printf("[%s] Started", workerID)

	for {
		select {
		case <-wp.ctx.Done():
			log.Printf("[%s] Shutting down...", workerID)
			return
		default:
		}

		lease, err := wp.queue.Dequeue(wp.ctx, workerID)
		if err != nil {
			if errors.Is(err, ErrQueueStopped) || wp.ctx.Err() != nil {
				log.Printf("[%s] Shutting down...", workerID)
				return
			}
			log.Printf("[%s] Error getting job: %v", workerID, err)
			select {
			case <-wp.ctx.Done():
			case <-time.After(1 * time.Second):
			}
			continue
		}
		log.Printf("[%s] Processing job: %s (attempt %d)", workerID, lease.Path, lease.Attempt)
		wp.processJob(workerID, lease)
	}
}

func (wp *WorkerPool) processJob(workerID string, lease *Lease) {
	// Queue bookkeeping must still happen while the pool is shutting down.
	ctx := context.WithoutCancel(wp.ctx)

	stopHeartbeat := wp.startHeartbeat(ctx, workerID, lease)
	out := wp.proc.Process(wp.ctx, workerID, lease.Path)
	stopHeartbeat()

	requeue := out.Cancelled || (out.TimedOut && wp.opts.TimeoutPolicy == TimeoutRequeue)
	wp.mu.Lock()
	wp.summary.Add(out)
	if requeue {
		wp.summary.Requeued++
	}
	wp.mu.Unlock()

	if requeue {
		reason := "interrupted"
		if out.Err != nil {
			reason = out.Err.Error()
		}
		if err := wp.queue.Requeue(ctx, lease, reason); errors.Is(err, ErrLeaseLost) {
			log.Printf("[%s] Job %s not requeued: %v", workerID, lease.Path, err)
		} else if err != nil {
			log.Printf("[%s] Error requeueing job %s: %v", workerID, lease.Path, err)
		} else {
			log.Printf("[%s] Job %s returned to queue", workerID, lease.Path)
		}
		if wp.proc.recorder != nil {
			if err := wp.proc.recorder.IncrementMetric(MetricRequeued); err != nil {
				log.Printf("[%s] Error updating metric %s: %v", workerID, MetricRequeued, err)
			}
		}
		return
	}

	if out.Err != nil {
		if err := wp.queue.SetLastError(ctx, lease, out.Err.Error()); err != nil {
			log.Printf("[%s] Error saving job error: %v", workerID, err)
		}
	}
	if err := wp.queue.Ack(ctx, lease); errors.Is(err, ErrLeaseLost) {
		log.Printf("[%s] Job %s not acknowledged, another worker owns it: %v", workerID, lease.Path, err)
		return
	} else if err != nil {
		log.Printf("[%s] Error acknowledging job %s: %v", workerID, lease.Path, err)
		return
	}
	if out.Err == nil {
		log.Printf("[%s] Job %s completed successfully in %v", workerID, lease.Path, out.Duration.Round(time.Millisecond))
	} else {
		log.Printf("[%s] Job %s acknowledged after failure: %v", workerID, lease.Path, out.Err)
	}
}

// startHeartbeat renews lease every third of the lease timeout until the
// returned func is called.
func (wp *WorkerPool) startHeartbeat(ctx context.Context, workerID string, lease *Lease) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := max(wp.queue.opts.LeaseTimeout/3, time.Millisecond)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wp.queue.Renew(ctx, lease); errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobNotFound) {
					log.Printf("[%s] Lost lease on %s: %v", workerID, lease.Path, err)
					return
				} else if err != nil && ctx.Err() == nil {
					log.Printf("[%s] Error renewing lease on %s: %v", workerID, lease.Path, err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (wp *WorkerPool) watchDrain() {
	defer wp.wg.Done()
	ticker := time.NewTicker(wp.queue.opts.PollInterval)
	defer ticker.Stop()

	for {
		changed := wp.queue.Changed()
		n, err := wp.queue.Outstanding(wp.ctx)
		if err != nil && wp.ctx.Err() == nil {
			log.Printf("Error checking queue: %v", err)
		}
		if err == nil && n == 0 {
			log.Println("Queue drained, stopping workers")
			wp.queue.Stop()
			return
		}
		select {
		case <-wp.ctx.Done():
			return
		case <-wp.queue.Stopped():
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}
