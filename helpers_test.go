package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "queues", "test_queue.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestQueue(t *testing.T, store *Store) *Queue {
	t.Helper()
	return NewQueue(store, QueueOptions{LeaseTimeout: time.Minute, PollInterval: 20 * time.Millisecond})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// writeInputs creates empty input files and returns their paths.
func writeInputs(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("[TITLE]\n"+name+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

// artifactSimulator writes both artifacts next to the input, like the real
// engine does on success, and counts calls per input.
type artifactSimulator struct {
	mu    sync.Mutex
	calls map[string]int
}

func newArtifactSimulator() *artifactSimulator {
	return &artifactSimulator{calls: make(map[string]int)}
}

func (s *artifactSimulator) Execute(ctx context.Context, inputPath string) (Result, error) {
	s.mu.Lock()
	s.calls[inputPath]++
	s.mu.Unlock()

	rpt, out := ArtifactPaths(inputPath)
	if err := os.WriteFile(out, []byte("binary"), 0644); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(rpt, []byte("report"), 0644); err != nil {
		return Result{}, err
	}
	return Result{Produced: []string{out, rpt}}, nil
}

func (s *artifactSimulator) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func countFiles(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		t.Fatal(err)
	}
	return len(matches)
}

func mustMkdir(t *testing.T, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
}
