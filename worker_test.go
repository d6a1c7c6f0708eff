package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type batchDirs struct {
	in, out, rpt string
}

func newBatchDirs(t *testing.T) batchDirs {
	base := t.TempDir()
	d := batchDirs{
		in:  filepath.Join(base, "input_files", "ng"),
		out: filepath.Join(base, "output_files", "ng"),
		rpt: filepath.Join(base, "report_files", "ng"),
	}
	mustMkdir(t, d.in, d.out, d.rpt)
	return d
}

func TestProcessorSuccess(t *testing.T) {
	d := newBatchDirs(t)
	input := writeInputs(t, d.in, "a.inp")[0]
	store := openTestStore(t)
	proc := NewProcessor(newArtifactSimulator(), &Relocator{OutputDir: d.out, ReportDir: d.rpt, RemoveInput: true}, time.Minute, store, "run-1")

	out := proc.Process(context.Background(), "worker-1", input)
	if !out.Simulated || out.RelocationFailed || out.Err != nil {
		t.Fatalf("Unexpected outcome: %+v", out)
	}
	if countFiles(t, d.out, "*.out") != 1 || countFiles(t, d.rpt, "*.rpt") != 1 {
		t.Errorf("Artifacts were not relocated")
	}

	if n, _ := store.GetMetric(MetricAttempted); n != 1 {
		t.Errorf("Expected attempted metric 1, got %d", n)
	}
	execs, err := store.GetRecentExecutions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || !execs[0].Success || execs[0].RunID != "run-1" || execs[0].Path != input {
		t.Errorf("Unexpected executions: %+v", execs)
	}
}

func TestProcessorClassifiesFailures(t *testing.T) {
	d := newBatchDirs(t)
	input := writeInputs(t, d.in, "a.inp")[0]
	failing := SimulatorFunc(func(ctx context.Context, path string) (Result, error) {
		return Result{ExitStatus: 1}, ErrSimulatorFailed
	})
	proc := NewProcessor(failing, &Relocator{OutputDir: d.out, ReportDir: d.rpt}, time.Minute, nil, "run-1")

	out := proc.Process(context.Background(), "worker-1", input)
	if out.Simulated {
		t.Error("Failed simulation reported as simulated")
	}
	if !IsTransient(out.Err) || !errors.Is(out.Err, ErrSimulatorFailed) {
		t.Errorf("Expected transient simulator error, got %v", out.Err)
	}
	var jobErr *JobError
	if !errors.As(out.Err, &jobErr) || jobErr.Op != "simulate" || jobErr.Path != input {
		t.Errorf("Expected JobError for simulate, got %#v", out.Err)
	}
	if !out.RelocationFailed {
		t.Error("No artifacts were produced, relocation should have failed")
	}
}

func TestProcessorTimeout(t *testing.T) {
	d := newBatchDirs(t)
	input := writeInputs(t, d.in, "slow.inp")[0]
	hung := SimulatorFunc(func(ctx context.Context, path string) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	proc := NewProcessor(hung, &Relocator{OutputDir: d.out, ReportDir: d.rpt}, 50*time.Millisecond, nil, "run-1")

	out := proc.Process(context.Background(), "worker-1", input)
	if !out.TimedOut {
		t.Fatalf("Expected timeout, got %+v", out)
	}
	if !errors.Is(out.Err, ErrJobTimeout) {
		t.Errorf("Expected ErrJobTimeout, got %v", out.Err)
	}
	if out.RelocationFailed {
		t.Error("Relocation should not be attempted after a timeout")
	}
}

func TestProcessorRecoversPanic(t *testing.T) {
	d := newBatchDirs(t)
	input := writeInputs(t, d.in, "a.inp")[0]
	panicky := SimulatorFunc(func(ctx context.Context, path string) (Result, error) {
		panic("engine exploded")
	})
	proc := NewProcessor(panicky, &Relocator{OutputDir: d.out, ReportDir: d.rpt}, time.Minute, nil, "run-1")

	out := proc.Process(context.Background(), "worker-1", input)
	if out.Simulated || !IsTransient(out.Err) {
		t.Errorf("Expected transient failure after panic, got %+v", out)
	}
}

func TestPoolRunsDirectoryToCompletion(t *testing.T) {
	d := newBatchDirs(t)
	writeInputs(t, d.in, "a.inp", "b.inp", "c.inp", "d.inp", "e.inp")
	store := openTestStore(t)
	q := newTestQueue(t, store)
	sim := newArtifactSimulator()
	proc := NewProcessor(sim, &Relocator{OutputDir: d.out, ReportDir: d.rpt, RemoveInput: true}, time.Minute, store, "run-1")
	pool := NewWorkerPool(q, proc, PoolOptions{Workers: 2, ExitWhenDrained: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := NewDriver(q, pool, d.in, "*.inp").Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, pattern := range []string{"*.inp", "*.out", "*.rpt"} {
		if n := countFiles(t, d.in, pattern); n != 0 {
			t.Errorf("Input directory still has %d %s files", n, pattern)
		}
	}
	if n := countFiles(t, d.out, "*.out"); n != 5 {
		t.Errorf("Expected 5 .out files, got %d", n)
	}
	if n := countFiles(t, d.rpt, "*.rpt"); n != 5 {
		t.Errorf("Expected 5 .rpt files, got %d", n)
	}
	if size, _ := q.Size(ctx); size != 0 {
		t.Errorf("Expected queue size 0, got %d", size)
	}
	counts, _ := q.Counts(ctx)
	if counts[StateCompleted] != 5 {
		t.Errorf("Expected 5 completed jobs, got %v", counts)
	}
	if summary.Attempted != 5 || summary.RelocationFailed != 0 || summary.SimulationFailed != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}

func TestPoolSurvivesRelocationFailures(t *testing.T) {
	d := newBatchDirs(t)
	inputs := writeInputs(t, d.in, "a.inp", "b.inp", "c.inp")
	store := openTestStore(t)
	q := newTestQueue(t, store)
	reloc := &Relocator{OutputDir: filepath.Join(d.out, "missing"), ReportDir: d.rpt, RemoveInput: true}
	proc := NewProcessor(newArtifactSimulator(), reloc, time.Minute, store, "run-1")
	pool := NewWorkerPool(q, proc, PoolOptions{Workers: 1, ExitWhenDrained: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := NewDriver(q, pool, d.in, "*.inp").Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Attempted != 3 || summary.RelocationFailed != 3 {
		t.Errorf("Expected 3 attempted and 3 relocation failures, got %+v", summary)
	}
	for _, in := range inputs {
		job, err := q.Get(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		if job.State != StateCompleted {
			t.Errorf("Job %s should be acknowledged despite relocation failure, state %s", in, job.State)
		}
		if job.LastError == "" {
			t.Errorf("Job %s should record its relocation error", in)
		}
	}
	if n, _ := store.GetMetric(MetricRelocationFailed); n != 3 {
		t.Errorf("Expected relocation failure metric 3, got %d", n)
	}
}

func TestPoolRequeuesTimedOutJobs(t *testing.T) {
	d := newBatchDirs(t)
	input := writeInputs(t, d.in, "a.inp")[0]
	store := openTestStore(t)
	q := newTestQueue(t, store)

	var calls atomic.Int32
	good := newArtifactSimulator()
	sim := SimulatorFunc(func(ctx context.Context, path string) (Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return good.Execute(ctx, path)
	})
	proc := NewProcessor(sim, &Relocator{OutputDir: d.out, ReportDir: d.rpt}, 100*time.Millisecond, nil, "run-1")
	pool := NewWorkerPool(q, proc, PoolOptions{Workers: 1, TimeoutPolicy: TimeoutRequeue, ExitWhenDrained: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	summary, err := NewDriver(q, pool, d.in, "*.inp").Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if calls.Load() != 2 {
		t.Errorf("Expected the timed out job to run twice, ran %d times", calls.Load())
	}
	if summary.TimedOut != 1 || summary.Requeued != 1 || summary.Attempted != 2 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	job, _ := q.Get(ctx, input)
	if job.State != StateCompleted || job.Attempts != 2 {
		t.Errorf("Expected completed job with 2 attempts, got %+v", job)
	}
}

func TestPoolStopReturnsInterruptedJob(t *testing.T) {
	d := newBatchDirs(t)
	input := writeInputs(t, d.in, "a.inp")[0]
	store := openTestStore(t)
	q := newTestQueue(t, store)

	started := make(chan struct{})
	var once sync.Once
	sim := SimulatorFunc(func(ctx context.Context, path string) (Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	proc := NewProcessor(sim, &Relocator{OutputDir: d.out, ReportDir: d.rpt}, time.Minute, nil, "run-1")
	pool := NewWorkerPool(q, proc, PoolOptions{Workers: 2})

	if err := NewDriver(q, pool, d.in, "*.inp").Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Simulator never started")
	}

	done := make(chan RunSummary, 1)
	go func() { done <- pool.Stop() }()
	var summary RunSummary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Pool did not stop")
	}

	if summary.Requeued != 1 {
		t.Errorf("Expected 1 requeued job, got %+v", summary)
	}
	job, err := q.Get(context.Background(), input)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StatePending {
		t.Errorf("Interrupted job should be pending again, got %s", job.State)
	}
}

func TestPoolRejectsZeroWorkers(t *testing.T) {
	q := newTestQueue(t, openTestStore(t))
	pool := NewWorkerPool(q, NewProcessor(newArtifactSimulator(), &Relocator{}, 0, nil, ""), PoolOptions{Workers: 0})
	if err := pool.Start(context.Background()); !IsFatal(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestPoolRenewsLeaseOfLongJob(t *testing.T) {
	d := newBatchDirs(t)
	input := writeInputs(t, d.in, "long.inp")[0]
	store := openTestStore(t)
	q := NewQueue(store, QueueOptions{LeaseTimeout: 300 * time.Millisecond, PollInterval: 20 * time.Millisecond})

	good := newArtifactSimulator()
	sim := SimulatorFunc(func(ctx context.Context, path string) (Result, error) {
		// Runs for several lease periods.
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		return good.Execute(ctx, path)
	})
	// No job timeout: only the heartbeat keeps the lease alive.
	proc := NewProcessor(sim, &Relocator{OutputDir: d.out, ReportDir: d.rpt}, 0, nil, "run-1")
	pool := NewWorkerPool(q, proc, PoolOptions{Workers: 2, ExitWhenDrained: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := NewDriver(q, pool, d.in, "*.inp").Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := good.Calls(input); n != 1 {
		t.Errorf("Expected one execution, got %d", n)
	}
	job, err := q.Get(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateCompleted || job.Attempts != 1 {
		t.Errorf("Expected completed job with 1 attempt, got %+v", job)
	}
}
