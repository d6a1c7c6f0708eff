package main

import (
	"context"
	"fmt"
	"log"
)

// Driver seeds the queue from the input directory and runs the pool over it.
type Driver struct {
	queue    *Queue
	pool     *WorkerPool
	inputDir string
	pattern  string
}

func NewDriver(q *Queue, pool *WorkerPool, inputDir, pattern string) *Driver {
	return &Driver{queue: q, pool: pool, inputDir: inputDir, pattern: pattern}
}

// Bootstrap fills the queue from a directory scan, but only when nothing is
// pending. A queue left over from an earlier run is resumed as is.
func (d *Driver) Bootstrap(ctx context.Context) (int, error) {
	size, err := d.queue.Size(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	if size == 0 {
		files, err := ScanInputs(d.inputDir, d.pattern)
		if err != nil {
			return 0, err
		}
		log.Printf("Queue is empty, adding %d files from %s", len(files), d.inputDir)
		for _, f := range files {
			if err := d.queue.Enqueue(ctx, f); err != nil {
				return added, fmt.Errorf("failed to bootstrap queue: %w", err)
			}
			added++
		}
		if size, err = d.queue.Size(ctx); err != nil {
			return added, err
		}
	}
	log.Printf("Queue size: %d", size)
	return added, nil
}

// Start bootstraps and launches the workers without waiting for them.
func (d *Driver) Start(ctx context.Context) error {
	if _, err := d.Bootstrap(ctx); err != nil {
		return err
	}
	return d.pool.Start(ctx)
}

// Run is Start followed by waiting for the pool to finish.
func (d *Driver) Run(ctx context.Context) (RunSummary, error) {
	if err := d.Start(ctx); err != nil {
		return RunSummary{}, err
	}
	summary := d.pool.Wait()
	logSummary(summary)
	return summary, nil
}

func logSummary(s RunSummary) {
	log.Printf("Run finished: %d attempted, %d simulation failed, %d timed out, %d relocation failed, %d requeued",
		s.Attempted, s.SimulationFailed, s.TimedOut, s.RelocationFailed, s.Requeued)
}
