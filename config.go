package main

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// Simulation types and the scenario each one models.
var simTypes = map[string]string{
	"ng": "no_green_infrastructure",
	"rb": "rain_barrel",
	"rg": "rain_garden",
}

// Config is everything a run needs. Defaults are overridden by values saved
// with `config set`, and those by command line flags.
type Config struct {
	BaseDir       string
	SimType       string
	InputDir      string
	OutputDir     string
	ReportDir     string
	StateDir      string
	Pattern       string
	Workers       int
	BatchSize     int
	JobTimeout    time.Duration
	LeaseTimeout  time.Duration
	PollInterval  time.Duration
	TimeoutPolicy string
	RemoveInput   bool
	Simulator     string
	SimulatorArgs []string
}

func DefaultConfig() *Config {
	q := DefaultQueueOptions()
	return &Config{
		SimType:       "ng",
		Pattern:       "*.inp",
		Workers:       8,
		BatchSize:     DefaultBatchSize,
		JobTimeout:    2 * time.Hour,
		LeaseTimeout:  q.LeaseTimeout,
		PollInterval:  q.PollInterval,
		TimeoutPolicy: string(TimeoutAck),
		RemoveInput:   true,
		Simulator:     "runswmm",
	}
}

// storableKeys are the flags `config set` accepts. Paths and the simulation
// type pick the store itself, so they cannot live in it.
var storableKeys = []string{
	"workers", "batch-size", "job-timeout", "lease-timeout", "poll-interval",
	"timeout-policy", "pattern", "remove-input", "simulator", "simulator-arg",
}

func IsStorableKey(key string) bool {
	for _, k := range storableKeys {
		if k == key {
			return true
		}
	}
	return false
}

// CheckStoredValue parses value the way the matching flag would and checks
// the result, so bad values are refused by `config set` rather than at the
// next run.
func CheckStoredValue(key, value string) error {
	if !IsStorableKey(key) {
		return fmt.Errorf("%w: %q cannot be stored (valid keys: %v)", ErrConfig, key, storableKeys)
	}
	cfg := DefaultConfig()
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Set(key, value); err != nil {
		return fmt.Errorf("%w: invalid value for %s: %v", ErrConfig, key, err)
	}
	// The two timeouts are checked against each other at run time.
	switch key {
	case "lease-timeout":
		cfg.JobTimeout = 0
	case "job-timeout":
		cfg.LeaseTimeout = max(cfg.LeaseTimeout, cfg.JobTimeout+time.Second)
	}
	return cfg.Validate()
}

func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.BaseDir, "base-dir", c.BaseDir, "base directory holding input_files/, output_files/, report_files/ and queues/ (env SWMMQ_BASE_DIR)")
	fs.StringVarP(&c.SimType, "sim-type", "s", c.SimType, "simulation type: ng (no green infrastructure), rb (rain barrel), rg (rain garden)")
	fs.StringVar(&c.InputDir, "input-dir", c.InputDir, "directory of input files (default <base-dir>/input_files/<sim-type>)")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "destination for binary results (default <base-dir>/output_files/<sim-type>)")
	fs.StringVar(&c.ReportDir, "report-dir", c.ReportDir, "destination for reports (default <base-dir>/report_files/<sim-type>)")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "directory for the queue database and chunk files (default <base-dir>/queues)")
	fs.StringVar(&c.Pattern, "pattern", c.Pattern, "glob selecting input files")
	fs.IntVarP(&c.Workers, "workers", "w", c.Workers, "number of concurrent simulations")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "jobs per chunk in chunk mode")
	fs.DurationVar(&c.JobTimeout, "job-timeout", c.JobTimeout, "maximum run time of one simulation (0 disables)")
	fs.DurationVar(&c.LeaseTimeout, "lease-timeout", c.LeaseTimeout, "time before a job whose worker stopped renewing its lease is redelivered")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "how often idle workers recheck the queue")
	fs.StringVar(&c.TimeoutPolicy, "timeout-policy", c.TimeoutPolicy, "what to do with a timed out job: ack or requeue")
	fs.BoolVar(&c.RemoveInput, "remove-input", c.RemoveInput, "delete the input file once its artifacts are relocated")
	fs.StringVar(&c.Simulator, "simulator", c.Simulator, "simulator executable, called as <simulator> [args] <inp> <rpt> <out>")
	fs.StringSliceVar(&c.SimulatorArgs, "simulator-arg", c.SimulatorArgs, "extra leading simulator argument (repeatable)")
}

// ApplyStored sets every stored key whose flag was not given explicitly.
func (c *Config) ApplyStored(fs *pflag.FlagSet, stored map[string]string) error {
	for key, value := range stored {
		if !IsStorableKey(key) {
			continue
		}
		f := fs.Lookup(key)
		if f == nil || f.Changed {
			continue
		}
		if err := fs.Set(key, value); err != nil {
			return fmt.Errorf("%w: stored %s=%q: %v", ErrConfig, key, value, err)
		}
	}
	return nil
}

// Resolve fills the directories that were not set explicitly from BaseDir
// and SimType.
func (c *Config) Resolve() error {
	if c.BaseDir == "" {
		dir, err := DefaultBaseDir()
		if err != nil {
			return err
		}
		c.BaseDir = dir
	}
	if _, ok := simTypes[c.SimType]; !ok {
		return fmt.Errorf("%w: unknown simulation type %q (want ng, rb or rg)", ErrConfig, c.SimType)
	}
	if c.InputDir == "" {
		c.InputDir = filepath.Join(c.BaseDir, "input_files", c.SimType)
	}
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(c.BaseDir, "output_files", c.SimType)
	}
	if c.ReportDir == "" {
		c.ReportDir = filepath.Join(c.BaseDir, "report_files", c.SimType)
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.BaseDir, "queues")
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, ok := simTypes[c.SimType]; !ok {
		errs = append(errs, fmt.Errorf("unknown simulation type %q", c.SimType))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch-size must be at least 1, got %d", c.BatchSize))
	}
	if c.JobTimeout < 0 {
		errs = append(errs, fmt.Errorf("job-timeout must not be negative"))
	}
	if c.LeaseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lease-timeout must be positive"))
	} else if c.JobTimeout > 0 && c.LeaseTimeout <= c.JobTimeout {
		errs = append(errs, fmt.Errorf("lease-timeout (%v) must exceed job-timeout (%v)", c.LeaseTimeout, c.JobTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll-interval must be positive"))
	}
	switch TimeoutPolicy(c.TimeoutPolicy) {
	case TimeoutAck, TimeoutRequeue:
	default:
		errs = append(errs, fmt.Errorf("timeout-policy must be ack or requeue, got %q", c.TimeoutPolicy))
	}
	if c.Pattern == "" {
		errs = append(errs, fmt.Errorf("pattern must not be empty"))
	} else if _, err := filepath.Match(c.Pattern, ""); err != nil {
		errs = append(errs, fmt.Errorf("bad pattern %q: %v", c.Pattern, err))
	}
	if c.Simulator == "" {
		errs = append(errs, fmt.Errorf("simulator must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) QueuePath() string {
	return filepath.Join(c.StateDir, c.SimType+"_queue.db")
}

func (c *Config) PIDFile() string {
	return filepath.Join(c.StateDir, c.SimType+".pid")
}

func (c *Config) QueueOptions() QueueOptions {
	return QueueOptions{LeaseTimeout: c.LeaseTimeout, PollInterval: c.PollInterval}
}

func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config key not found: %s", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}
	return nil
}

func (s *Store) GetAllConfig() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		config[key] = value
	}
	return config, rows.Err()
}
