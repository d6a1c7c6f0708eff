package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	MetricAttempted        = "jobs_attempted"
	MetricSimulated        = "jobs_simulated"
	MetricSimulationFailed = "jobs_simulation_failed"
	MetricTimeout          = "jobs_timeout"
	MetricRelocationFailed = "jobs_relocation_failed"
	MetricRequeued         = "jobs_requeued"
)

// Execution is one row of job_executions.
type Execution struct {
	RunID            string    `json:"run_id"`
	Path             string    `json:"path"`
	WorkerID         string    `json:"worker_id"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationMs       int64     `json:"duration_ms"`
	Success          bool      `json:"success"`
	Timeout          bool      `json:"timeout"`
	RelocationFailed bool      `json:"relocation_failed"`
	Error            string    `json:"error,omitempty"`
}

// ExecutionRecorder is where the worker reports finished attempts.
type ExecutionRecorder interface {
	IncrementMetric(key string) error
	RecordJobExecution(e Execution) error
}

func (s *Store) IncrementMetric(key string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
	INSERT INTO metrics (key, value, updated_at)
	VALUES (?, 1, ?)
	ON CONFLICT(key) DO UPDATE SET value = value + 1, updated_at = ?
	`, key, now, now)
	if err != nil {
		return fmt.Errorf("failed to increment metric: %w", err)
	}
	return nil
}

func (s *Store) GetMetric(key string) (int64, error) {
	var value int64
	err := s.db.QueryRow("SELECT value FROM metrics WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get metric: %w", err)
	}
	return value, nil
}

func (s *Store) GetAllMetrics() (map[string]int64, error) {
	metrics := make(map[string]int64)
	rows, err := s.db.Query("SELECT key, value FROM metrics ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics[key] = value
	}
	return metrics, rows.Err()
}

func (s *Store) RecordJobExecution(e Execution) error {
	_, err := s.db.Exec(`
	INSERT INTO job_executions (run_id, path, worker_id, started_at, completed_at, duration_ms, success, timeout, relocation_failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.RunID, e.Path, e.WorkerID,
		e.StartedAt.UTC().Format(time.RFC3339), e.CompletedAt.UTC().Format(time.RFC3339),
		e.CompletedAt.Sub(e.StartedAt).Milliseconds(),
		boolInt(e.Success), boolInt(e.Timeout), boolInt(e.RelocationFailed), e.Error)
	if err != nil {
		return fmt.Errorf("failed to record job execution: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type ExecutionStats struct {
	Attempted        int64   `json:"total_attempted"`
	Simulated        int64   `json:"total_simulated"`
	SimulationFailed int64   `json:"total_simulation_failed"`
	Timeout          int64   `json:"total_timeout"`
	RelocationFailed int64   `json:"total_relocation_failed"`
	Requeued         int64   `json:"total_requeued"`
	SuccessRate      float64 `json:"success_rate"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	Recent24h        int64   `json:"recent_24h_count"`
}

func (s *Store) GetExecutionStats() (*ExecutionStats, error) {
	all, err := s.GetAllMetrics()
	if err != nil {
		return nil, err
	}
	stats := &ExecutionStats{
		Attempted:        all[MetricAttempted],
		Simulated:        all[MetricSimulated],
		SimulationFailed: all[MetricSimulationFailed],
		Timeout:          all[MetricTimeout],
		RelocationFailed: all[MetricRelocationFailed],
		Requeued:         all[MetricRequeued],
	}
	if stats.Attempted > 0 {
		stats.SuccessRate = float64(stats.Simulated) / float64(stats.Attempted) * 100
	}

	since := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	var avgDuration sql.NullFloat64
	err = s.db.QueryRow(`
		SELECT AVG(duration_ms) FROM job_executions
		WHERE completed_at IS NOT NULL
		AND started_at > ?
	`, since).Scan(&avgDuration)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get avg duration: %w", err)
	}
	if avgDuration.Valid {
		stats.AvgDurationMs = avgDuration.Float64
	}

	err = s.db.QueryRow("SELECT COUNT(*) FROM job_executions WHERE started_at > ?", since).Scan(&stats.Recent24h)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get recent count: %w", err)
	}
	return stats, nil
}

func (s *Store) GetRecentExecutions(limit int) ([]Execution, error) {
	rows, err := s.db.Query(`
		SELECT run_id, path, worker_id, started_at, completed_at, duration_ms, success, timeout, relocation_failed, error
		FROM job_executions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent executions: %w", err)
	}
	defer rows.Close()

	var executions []Execution
	for rows.Next() {
		var e Execution
		var startedAt string
		var completedAt, errMsg sql.NullString
		var durationMs sql.NullInt64
		var success, timeout, relocFailed int
		if err := rows.Scan(&e.RunID, &e.Path, &e.WorkerID, &startedAt, &completedAt, &durationMs,
			&success, &timeout, &relocFailed, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			e.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
		}
		e.DurationMs = durationMs.Int64
		e.Success = success == 1
		e.Timeout = timeout == 1
		e.RelocationFailed = relocFailed == 1
		e.Error = errMsg.String
		executions = append(executions, e)
	}
	return executions, rows.Err()
}
