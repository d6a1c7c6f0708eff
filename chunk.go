package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

const DefaultBatchSize = 32

type ChunkState string

const (
	ChunkNoFile  ChunkState = "no_chunk_file"
	ChunkPending ChunkState = "chunks_pending"
	ChunkAllDone ChunkState = "all_done"
)

// Partition splits paths into consecutive chunks of size, the last one
// possibly shorter.
func Partition(paths []string, size int) [][]string {
	if size < 1 {
		size = DefaultBatchSize
	}
	chunks := make([][]string, 0, (len(paths)+size-1)/size)
	for start := 0; start < len(paths); start += size {
		end := min(start+size, len(paths))
		chunks = append(chunks, slices.Clone(paths[start:end]))
	}
	return chunks
}

// ChunkStore persists the pending and completed chunk lists as two JSON files.
type ChunkStore struct {
	pendingPath   string
	completedPath string
}

func NewChunkStore(dir, prefix string) *ChunkStore {
	return &ChunkStore{
		pendingPath:   filepath.Join(dir, prefix+"_chunks.json"),
		completedPath: filepath.Join(dir, prefix+"_completed_chunks.json"),
	}
}

func (s *ChunkStore) Exists() (bool, error) {
	_, err := os.Stat(s.pendingPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat chunk file: %w", err)
}

// Load reads both lists. A chunk present in both lists means the driver
// died between the two writes of Save; it counts as completed.
func (s *ChunkStore) Load() (pending, completed [][]string, err error) {
	if err := readJSON(s.pendingPath, &pending); err != nil {
		return nil, nil, fmt.Errorf("failed to load pending chunks: %w", err)
	}
	if err := readJSON(s.completedPath, &completed); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load completed chunks: %w", err)
	}
	pending = slices.DeleteFunc(pending, func(c []string) bool {
		return slices.ContainsFunc(completed, func(done []string) bool { return slices.Equal(c, done) })
	})
	return pending, completed, nil
}

// Save writes the completed list before the pending list so a crash in
// between can only duplicate a chunk, never lose one.
func (s *ChunkStore) Save(pending, completed [][]string) error {
	if pending == nil {
		pending = [][]string{}
	}
	if completed == nil {
		completed = [][]string{}
	}
	if err := writeJSONAtomic(s.completedPath, completed); err != nil {
		return fmt.Errorf("failed to save completed chunks: %w", err)
	}
	if err := writeJSONAtomic(s.pendingPath, pending); err != nil {
		return fmt.Errorf("failed to save pending chunks: %w", err)
	}
	return nil
}

func (s *ChunkStore) State() (ChunkState, error) {
	ok, err := s.Exists()
	if err != nil {
		return "", err
	}
	if !ok {
		return ChunkNoFile, nil
	}
	pending, _, err := s.Load()
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return ChunkAllDone, nil
	}
	return ChunkPending, nil
}

func (s *ChunkStore) Reset() error {
	for _, p := range []string{s.pendingPath, s.completedPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ChunkDriver runs a directory of inputs one chunk at a time. Durability is
// per chunk: an interrupted chunk is rerun in full on the next start.
type ChunkDriver struct {
	store     *ChunkStore
	proc      *Processor
	inputDir  string
	pattern   string
	batchSize int
	workers   int
	progress  Progress
}

func NewChunkDriver(store *ChunkStore, proc *Processor, inputDir, pattern string, batchSize, workers int) *ChunkDriver {
	return &ChunkDriver{
		store:     store,
		proc:      proc,
		inputDir:  inputDir,
		pattern:   pattern,
		batchSize: batchSize,
		workers:   workers,
		progress:  noProgress{},
	}
}

func (d *ChunkDriver) SetProgress(p Progress) {
	if p == nil {
		p = noProgress{}
	}
	d.progress = p
}

func (d *ChunkDriver) Run(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	if d.workers < 1 {
		return summary, fmt.Errorf("%w: worker count must be at least 1", ErrConfig)
	}

	pending, completed, err := d.bootstrap()
	if err != nil {
		return summary, err
	}

	total := 0
	for _, c := range pending {
		total += len(c)
	}
	log.Printf("Chunks: %d pending (%d jobs), %d completed", len(pending), total, len(completed))
	d.progress.Start(total)
	defer d.progress.Stop()

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		chunk := pending[0]
		log.Printf("Processing chunk %d/%d (%d jobs)", len(completed)+1, len(completed)+len(pending), len(chunk))

		summary.Merge(d.runChunk(ctx, chunk))
		if err := ctx.Err(); err != nil {
			log.Printf("Chunk interrupted, it will be rerun on the next start")
			return summary, err
		}

		pending = pending[1:]
		completed = append(completed, chunk)
		if err := d.store.Save(pending, completed); err != nil {
			return summary, err
		}
	}
	log.Printf("All %d chunks completed", len(completed))
	return summary, nil
}

func (d *ChunkDriver) bootstrap() (pending, completed [][]string, err error) {
	ok, err := d.store.Exists()
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return d.store.Load()
	}

	files, err := ScanInputs(d.inputDir, d.pattern)
	if err != nil {
		return nil, nil, err
	}
	pending = Partition(files, d.batchSize)
	log.Printf("No chunk file, partitioned %d files from %s into %d chunks", len(files), d.inputDir, len(pending))
	if err := d.store.Save(pending, nil); err != nil {
		return nil, nil, err
	}
	return pending, nil, nil
}

func (d *ChunkDriver) runChunk(ctx context.Context, chunk []string) RunSummary {
	var (
		mu      sync.Mutex
		summary RunSummary
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, d.workers)
	for i, path := range chunk {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return summary
		}
		wg.Add(1)
		go func(workerID, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			out := d.proc.Process(ctx, workerID, path)
			mu.Lock()
			summary.Add(out)
			mu.Unlock()
			d.progress.Incr()
		}(fmt.Sprintf("job-%d", i+1), path)
	}
	wg.Wait()
	return summary
}
