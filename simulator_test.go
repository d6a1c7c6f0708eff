package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func shSimulator(t *testing.T, script string) *ExecSimulator {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// sh -c script sh <inp> <rpt> <out> puts the paths in $1 $2 $3.
	return &ExecSimulator{Command: "sh", Args: []string{"-c", script, "sh"}}
}

func TestExecSimulatorPassesSWMMArguments(t *testing.T) {
	sim := shSimulator(t, `test -f "$1" && echo done > "$2" && echo bin > "$3"`)
	input := writeInputs(t, t.TempDir(), "a.inp")[0]

	res, err := sim.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ExitStatus != 0 {
		t.Errorf("Expected exit status 0, got %d", res.ExitStatus)
	}
	if len(res.Produced) != 2 {
		t.Errorf("Expected 2 produced files, got %v", res.Produced)
	}
	rpt, _ := ArtifactPaths(input)
	if data, _ := os.ReadFile(rpt); string(data) != "done\n" {
		t.Errorf("Unexpected report content %q", data)
	}
}

func TestExecSimulatorExitCode(t *testing.T) {
	sim := shSimulator(t, `echo "ERROR 200: one or more errors in input file" >&2; exit 3`)
	input := writeInputs(t, t.TempDir(), "bad.inp")[0]

	res, err := sim.Execute(context.Background(), input)
	if !errors.Is(err, ErrSimulatorFailed) {
		t.Fatalf("Expected ErrSimulatorFailed, got %v", err)
	}
	if res.ExitStatus != 3 {
		t.Errorf("Expected exit status 3, got %d", res.ExitStatus)
	}
	if res.Output != "ERROR 200: one or more errors in input file" {
		t.Errorf("Unexpected output %q", res.Output)
	}
}

func TestExecSimulatorMissingBinary(t *testing.T) {
	sim := &ExecSimulator{Command: filepath.Join(t.TempDir(), "no-such-swmm")}
	_, err := sim.Execute(context.Background(), "/tmp/a.inp")
	if !errors.Is(err, ErrSimulatorFailed) {
		t.Errorf("Expected ErrSimulatorFailed, got %v", err)
	}
}

func TestExecSimulatorKilledOnDeadline(t *testing.T) {
	sim := shSimulator(t, `exec sleep 10`)
	input := writeInputs(t, t.TempDir(), "slow.inp")[0]
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sim.Execute(ctx, input)
	if !errors.Is(err, ErrSimulatorFailed) {
		t.Errorf("Expected ErrSimulatorFailed, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Simulator was not killed at the deadline")
	}
}
