package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result describes what one simulator invocation left behind.
type Result struct {
	Produced   []string
	ExitStatus int
	Output     string
}

// Simulator runs the hydrology engine over one input file. Implementations
// are expected to write the binary results and the text report next to the
// input, named by ArtifactPaths.
type Simulator interface {
	Execute(ctx context.Context, inputPath string) (Result, error)
}

// SimulatorFunc adapts a function to the Simulator interface.
type SimulatorFunc func(ctx context.Context, inputPath string) (Result, error)

func (f SimulatorFunc) Execute(ctx context.Context, inputPath string) (Result, error) {
	return f(ctx, inputPath)
}

// ExecSimulator runs the engine as a child process:
//
//	<Command> [Args...] <input.inp> <input.rpt> <input.out>
//
// which is the argument order of the stock SWMM command line runner. Each
// call gets its own process, so the engine's global state is never shared
// between jobs.
type ExecSimulator struct {
	Command string
	Args    []string
}

func (s *ExecSimulator) Execute(ctx context.Context, inputPath string) (Result, error) {
	reportPath, outputPath := ArtifactPaths(inputPath)

	args := make([]string, 0, len(s.Args)+3)
	args = append(args, s.Args...)
	args = append(args, inputPath, reportPath, outputPath)

	cmd := exec.CommandContext(ctx, s.Command, args...)
	// Stop waiting on output pipes held open by orphaned grandchildren.
	cmd.WaitDelay = 10 * time.Second
	output, err := cmd.CombinedOutput()
	res := Result{Output: strings.TrimSpace(string(output)), ExitStatus: -1}
	if cmd.ProcessState != nil {
		res.ExitStatus = cmd.ProcessState.ExitCode()
	}
	for _, p := range []string{outputPath, reportPath} {
		if _, statErr := os.Stat(p); statErr == nil {
			res.Produced = append(res.Produced, p)
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %v", ErrSimulatorFailed, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("%w: exited with code %d: %s", ErrSimulatorFailed, exitErr.ExitCode(), res.Output)
		}
		return res, fmt.Errorf("%w: %v", ErrSimulatorFailed, err)
	}
	return res, nil
}
