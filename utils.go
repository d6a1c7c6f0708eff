package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

var (
	ErrConfig          = errors.New("invalid configuration")
	ErrTransient       = errors.New("transient job failure")
	ErrQueueStopped    = errors.New("queue stopped")
	ErrJobNotFound     = errors.New("job not found")
	ErrLeaseLost       = errors.New("lease no longer held")
	ErrSimulatorFailed = errors.New("simulator failed")
	ErrRelocation      = errors.New("artifact relocation failed")
	ErrJobTimeout      = errors.New("job timed out")
)

// JobError ties a per-job failure to the input path and the step that failed.
type JobError struct {
	Path string
	Op   string
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Is reports every JobError as transient: per-job failures never stop the pool.
func (e *JobError) Is(target error) bool { return target == ErrTransient }

func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTransient)
}

func IsFatal(err error) bool {
	return err != nil && errors.Is(err, ErrConfig)
}

func DefaultBaseDir() (string, error) {
	if envDir := os.Getenv("SWMMQ_BASE_DIR"); envDir != "" {
		return envDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}

// ScanInputs lists the files in dir matching pattern as absolute paths,
// sorted by name. A missing directory is a configuration error, not an
// empty batch.
func ScanInputs(dir, pattern string) ([]string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: input directory: %v", ErrConfig, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: input directory %s: %v", ErrConfig, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: input path %s is not a directory", ErrConfig, dir)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q: %v", ErrConfig, pattern, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	files := matches[:0]
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// writePIDFile records this process and its worker count for `stop` and
// `status`. The returned func removes the file.
func writePIDFile(path string, workers int) (func(), error) {
	if pid, _, err := readPIDFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return nil, fmt.Errorf("workers are already running (PID: %d)", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	content := fmt.Sprintf("%d\n%d\n", os.Getpid(), workers)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove PID file: %v\n", err)
		}
	}, nil
}

func readPIDFile(path string) (pid, workers int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if _, err := fmt.Sscanf(lines[0], "%d", &pid); err != nil {
		return 0, 0, fmt.Errorf("invalid PID file format: %w", err)
	}
	workers = 1
	if len(lines) >= 2 {
		if _, err := fmt.Sscanf(lines[1], "%d", &workers); err != nil {
			workers = 1
		}
	}
	return pid, workers, nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
