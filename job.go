package main

import "time"

type JobState string

const (
	StatePending   JobState = "pending"
	StateLeased    JobState = "leased"
	StateCompleted JobState = "completed"
)

var validStates = []JobState{StatePending, StateLeased, StateCompleted}

func ParseJobState(s string) (JobState, bool) {
	for _, st := range validStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Job is one simulator run over a single input file. The input path is the
// job's identity.
type Job struct {
	Path           string     `json:"path"`
	State          JobState   `json:"state"`
	Attempts       int        `json:"attempts"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LeaseToken     string     `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Lease is a claim on a pending job handed to exactly one worker.
type Lease struct {
	Path      string
	Token     string
	WorkerID  string
	Attempt   int
	ExpiresAt time.Time
}

// Outcome is what happened to one job attempt.
type Outcome struct {
	Path             string
	Simulated        bool
	TimedOut         bool
	Cancelled        bool
	RelocationFailed bool
	Err              error
	Duration         time.Duration
}

type RunSummary struct {
	Attempted        int64 `json:"attempted"`
	SimulationFailed int64 `json:"simulation_failed"`
	TimedOut         int64 `json:"timed_out"`
	RelocationFailed int64 `json:"relocation_failed"`
	Requeued         int64 `json:"requeued"`
}

func (s *RunSummary) Add(o Outcome) {
	s.Attempted++
	if !o.Simulated && !o.TimedOut && !o.Cancelled {
		s.SimulationFailed++
	}
	if o.TimedOut {
		s.TimedOut++
	}
	if o.RelocationFailed {
		s.RelocationFailed++
	}
}

func (s *RunSummary) Merge(other RunSummary) {
	s.Attempted += other.Attempted
	s.SimulationFailed += other.SimulationFailed
	s.TimedOut += other.TimedOut
	s.RelocationFailed += other.RelocationFailed
	s.Requeued += other.Requeued
}
