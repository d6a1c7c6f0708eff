package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type app struct {
	cfg   *Config
	store *Store
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: DefaultConfig()}

	rootCmd := &cobra.Command{
		Use:   "swmmq",
		Short: "Run batches of SWMM simulations from a durable work queue",
		Long: `swmmq runs the SWMM engine over every input file of a directory with a
fixed number of concurrent simulations. Progress survives crashes: either a
SQLite-backed work queue with leases (run) or persisted chunk lists (chunks run).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			if err := a.cfg.Resolve(); err != nil {
				return err
			}
			store, err := OpenStore(a.cfg.QueuePath())
			if err != nil {
				return fmt.Errorf("failed to open queue store: %w", err)
			}
			a.store = store
			stored, err := store.GetAllConfig()
			if err != nil {
				return err
			}
			return a.cfg.ApplyStored(cmd.Flags(), stored)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.store.Close()
		},
	}
	a.cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		a.runCmd(),
		a.stopCmd(),
		a.enqueueCmd(),
		a.statusCmd(),
		a.listCmd(),
		a.showCmd(),
		a.queueCmd(),
		a.chunksCmd(),
		a.configCmd(),
		a.dashboardCmd(),
	)
	return rootCmd
}

func (a *app) newQueue() *Queue {
	return NewQueue(a.store, a.cfg.QueueOptions())
}

func (a *app) newProcessor() *Processor {
	sim := &ExecSimulator{Command: a.cfg.Simulator, Args: a.cfg.SimulatorArgs}
	reloc := &Relocator{OutputDir: a.cfg.OutputDir, ReportDir: a.cfg.ReportDir, RemoveInput: a.cfg.RemoveInput}
	return NewProcessor(sim, reloc, a.cfg.JobTimeout, a.store, uuid.NewString())
}

// prepareRun is the fail-fast check before any worker starts.
func (a *app) prepareRun() error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	for _, dir := range []string{a.cfg.OutputDir, a.cfg.ReportDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: cannot create %s: %v", ErrConfig, dir, err)
		}
	}
	return nil
}

func (a *app) runCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fill the queue from the input directory if it is empty and run the workers",
		Long: `Fill the queue from the input directory when no job is pending, then run
the workers until the queue is drained. With --follow the workers keep waiting
for new jobs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.prepareRun(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			release, err := writePIDFile(a.cfg.PIDFile(), a.cfg.Workers)
			if err != nil {
				return err
			}
			defer release()

			q := a.newQueue()
			pool := NewWorkerPool(q, a.newProcessor(), PoolOptions{
				Workers:         a.cfg.Workers,
				TimeoutPolicy:   TimeoutPolicy(a.cfg.TimeoutPolicy),
				ExitWhenDrained: !follow,
			})
			summary, err := NewDriver(q, pool, a.cfg.InputDir, a.cfg.Pattern).Run(ctx)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep workers alive after the queue drains")
	return cmd
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running `run` of this simulation type to finish its jobs and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			pidFile := a.cfg.PIDFile()
			pid, _, err := readPIDFile(pidFile)
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No workers are running")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read PID file: %w", err)
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				fmt.Fprintln(out, "No workers are running (process not found)")
				os.Remove(pidFile)
				return nil
			}
			if err := process.Signal(os.Interrupt); err != nil {
				fmt.Fprintln(out, "No workers are running (process already exited)")
				os.Remove(pidFile)
				return nil
			}
			fmt.Fprintf(out, "Sent stop signal to worker process (PID: %d). Running simulations will finish first.\n", pid)

			time.Sleep(2 * time.Second)
			if !processAlive(pid) {
				fmt.Fprintln(out, "Workers stopped successfully")
				return nil
			}
			fmt.Fprintf(out, "Workers are shutting down (PID: %d)\n", pid)
			return nil
		},
	}
}

func (a *app) enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue input-file...",
		Short: "Add input files to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := a.newQueue()
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				if _, err := os.Stat(path); err != nil {
					return fmt.Errorf("%w: %v", ErrConfig, err)
				}
				if err := q.Enqueue(cmd.Context(), path); err != nil {
					return err
				}
			}
			size, err := q.Size(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d file(s), %d pending\n", len(args), size)
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts by state and active workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := a.newQueue().Counts(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.store.GetExecutionStats()
			if err != nil {
				return err
			}

			activeWorkers := 0
			if pid, workers, err := readPIDFile(a.cfg.PIDFile()); err == nil && processAlive(pid) {
				activeWorkers = workers
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queue Status (%s: %s)\n", a.cfg.SimType, simTypes[a.cfg.SimType])
			fmt.Fprintln(out, strings.Repeat("=", 40))
			fmt.Fprintf(out, "Pending:    %d\n", counts[StatePending])
			fmt.Fprintf(out, "Leased:     %d\n", counts[StateLeased])
			fmt.Fprintf(out, "Completed:  %d\n", counts[StateCompleted])
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Attempted:          %d\n", stats.Attempted)
			fmt.Fprintf(out, "Simulation failed:  %d\n", stats.SimulationFailed)
			fmt.Fprintf(out, "Relocation failed:  %d\n", stats.RelocationFailed)
			fmt.Fprintf(out, "Timed out:          %d\n", stats.Timeout)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Active Workers: %d\n", activeWorkers)
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var stateFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var state JobState
			if stateFlag != "" {
				var ok bool
				if state, ok = ParseJobState(stateFlag); !ok {
					return fmt.Errorf("invalid state: %s. Valid states are: pending, leased, completed", stateFlag)
				}
			}
			jobs, err := a.newQueue().List(cmd.Context(), state)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			fmt.Fprintf(out, "%-50s %-10s %-8s %-25s\n", "PATH", "STATE", "ATTEMPTS", "UPDATED_AT")
			fmt.Fprintln(out, strings.Repeat("-", 96))
			for _, job := range jobs {
				fmt.Fprintf(out, "%-50s %-10s %-8d %-25s\n",
					job.Path, string(job.State), job.Attempts, job.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFlag, "state", "", "filter by state (pending, leased, completed)")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show input-file",
		Short: "Show the queue record of one input file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			job, err := a.newQueue().Get(cmd.Context(), path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Job Details")
			fmt.Fprintln(out, strings.Repeat("=", 80))
			fmt.Fprintf(out, "%-20s %s\n", "Path:", job.Path)
			fmt.Fprintf(out, "%-20s %s\n", "State:", string(job.State))
			fmt.Fprintf(out, "%-20s %d\n", "Attempts:", job.Attempts)
			if job.State == StateLeased {
				fmt.Fprintf(out, "%-20s %s\n", "Leased By:", job.LeasedBy)
				if job.LeaseExpiresAt != nil {
					fmt.Fprintf(out, "%-20s %s\n", "Lease Expires:", job.LeaseExpiresAt.Format(time.RFC3339))
				}
			}
			fmt.Fprintf(out, "%-20s %s\n", "Created At:", job.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "%-20s %s\n", "Updated At:", job.UpdatedAt.Format(time.RFC3339))
			if job.LastError != "" {
				fmt.Fprintf(out, "%-20s %s\n", "Last Error:", job.LastError)
			}
			return nil
		},
	}
}

func (a *app) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Maintain the queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Return every leased job to pending (only when no run is active)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid, _, err := readPIDFile(a.cfg.PIDFile()); err == nil && processAlive(pid) {
				return fmt.Errorf("workers are running (PID: %d), stop them first", pid)
			}
			n, err := a.newQueue().RecoverLeased(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Returned %d leased job(s) to pending\n", n)
			return nil
		},
	}, &cobra.Command{
		Use:   "purge",
		Short: "Forget completed jobs so their paths can be enqueued again",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.newQueue().PurgeCompleted(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d completed job(s)\n", n)
			return nil
		},
	})
	return cmd
}

func (a *app) chunkStore() *ChunkStore {
	return NewChunkStore(a.cfg.StateDir, a.cfg.SimType)
}

func (a *app) chunksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Run the input directory in fixed-size chunks instead of a queue",
	}

	var progress bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Partition the inputs on first start, then process chunk after chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.prepareRun(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := NewChunkDriver(a.chunkStore(), a.newProcessor(), a.cfg.InputDir, a.cfg.Pattern, a.cfg.BatchSize, a.cfg.Workers)
			if progress {
				d.SetProgress(newBarProgress())
			}
			summary, err := d.Run(ctx)
			printSummary(cmd.OutOrStdout(), summary)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	runCmd.Flags().BoolVar(&progress, "progress", false, "show a progress bar")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the chunk partition state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.chunkStore()
			state, err := store.State()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State: %s\n", state)
			if state == ChunkNoFile {
				return nil
			}
			pending, completed, err := store.Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pending chunks:   %d\n", len(pending))
			fmt.Fprintf(out, "Completed chunks: %d\n", len(completed))
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the chunk lists so the next run partitions the inputs again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.chunkStore().Reset(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Chunk lists removed")
			return nil
		},
	}

	cmd.AddCommand(runCmd, statusCmd, resetCmd)
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stored defaults for this simulation type",
		Long:  `Stored values replace built-in defaults; flags still win. Keys are flag names: ` + strings.Join(storableKeys, ", "),
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set key value",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := CheckStoredValue(key, value); err != nil {
				return err
			}
			if err := a.store.SetConfig(key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration '%s' set to '%s'\n", key, value)
			return nil
		},
	}, &cobra.Command{
		Use:   "get key",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := a.store.GetConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List all stored configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := a.store.GetAllConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(config) == 0 {
				fmt.Fprintln(out, "No configuration set")
				return nil
			}
			keys := make([]string, 0, len(config))
			for k := range config {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(out, "%-20s %s\n", "KEY", "VALUE")
			fmt.Fprintln(out, strings.Repeat("-", 50))
			for _, k := range keys {
				fmt.Fprintf(out, "%-20s %s\n", k, config[k])
			}
			return nil
		},
	})
	return cmd
}

func (a *app) dashboardCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve queue and execution statistics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port < 1 || port > 65535 {
				return fmt.Errorf("%w: invalid port %d", ErrConfig, port)
			}
			return NewServer(port, a.store, a.newQueue(), a.cfg.SimType).Start()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to run the dashboard server on")
	return cmd
}

func printSummary(out io.Writer, s RunSummary) {
	fmt.Fprintln(out, "Run Summary")
	fmt.Fprintln(out, strings.Repeat("=", 30))
	fmt.Fprintf(out, "Attempted:          %d\n", s.Attempted)
	fmt.Fprintf(out, "Simulation failed:  %d\n", s.SimulationFailed)
	fmt.Fprintf(out, "Timed out:          %d\n", s.TimedOut)
	fmt.Fprintf(out, "Relocation failed:  %d\n", s.RelocationFailed)
	fmt.Fprintf(out, "Requeued:           %d\n", s.Requeued)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
