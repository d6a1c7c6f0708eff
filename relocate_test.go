package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestArtifactPaths(t *testing.T) {
	rpt, out := ArtifactPaths("/data/input_files/ng/060014001001_ng.inp")
	if rpt != "/data/input_files/ng/060014001001_ng.rpt" {
		t.Errorf("Unexpected report path %s", rpt)
	}
	if out != "/data/input_files/ng/060014001001_ng.out" {
		t.Errorf("Unexpected output path %s", out)
	}

	rpt, out = ArtifactPaths("/data/noext")
	if rpt != "/data/noext.rpt" || out != "/data/noext.out" {
		t.Errorf("Unexpected paths for input without extension: %s %s", rpt, out)
	}
}

func TestRelocateMovesArtifactsAndRemovesInput(t *testing.T) {
	base := t.TempDir()
	inDir, outDir, rptDir := filepath.Join(base, "in"), filepath.Join(base, "out"), filepath.Join(base, "rpt")
	mustMkdir(t, outDir, rptDir)
	input := writeInputs(t, inDir, "a.inp")[0]
	if _, err := newArtifactSimulator().Execute(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	r := &Relocator{OutputDir: outDir, ReportDir: rptDir, RemoveInput: true}
	if err := r.Relocate(input); err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(outDir, "a.out")); err != nil {
		t.Errorf("Output not moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rptDir, "a.rpt")); err != nil {
		t.Errorf("Report not moved: %v", err)
	}
	if n := countFiles(t, inDir, "*"); n != 0 {
		t.Errorf("Expected empty input directory, found %d files", n)
	}
}

func TestRelocateMissingArtifactKeepsInput(t *testing.T) {
	base := t.TempDir()
	inDir, outDir, rptDir := filepath.Join(base, "in"), filepath.Join(base, "out"), filepath.Join(base, "rpt")
	mustMkdir(t, outDir, rptDir)
	input := writeInputs(t, inDir, "a.inp")[0]
	_, out := ArtifactPaths(input)
	if err := os.WriteFile(out, []byte("binary"), 0644); err != nil {
		t.Fatal(err)
	}

	r := &Relocator{OutputDir: outDir, ReportDir: rptDir, RemoveInput: true}
	err := r.Relocate(input)
	if !errors.Is(err, ErrRelocation) {
		t.Fatalf("Expected ErrRelocation, got %v", err)
	}
	if _, err := os.Stat(input); err != nil {
		t.Errorf("Input should be kept when relocation fails: %v", err)
	}
	// The artifact that did exist is still moved.
	if _, err := os.Stat(filepath.Join(outDir, "a.out")); err != nil {
		t.Errorf("Existing output should still be moved: %v", err)
	}
}

func TestRelocateMissingDestination(t *testing.T) {
	base := t.TempDir()
	input := writeInputs(t, filepath.Join(base, "in"), "a.inp")[0]
	if _, err := newArtifactSimulator().Execute(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	r := &Relocator{OutputDir: filepath.Join(base, "missing-out"), ReportDir: filepath.Join(base, "missing-rpt")}
	if err := r.Relocate(input); !errors.Is(err, ErrRelocation) {
		t.Errorf("Expected ErrRelocation for missing destinations, got %v", err)
	}
}

func TestClearStale(t *testing.T) {
	input := writeInputs(t, t.TempDir(), "a.inp")[0]
	if _, err := newArtifactSimulator().Execute(context.Background(), input); err != nil {
		t.Fatal(err)
	}

	r := &Relocator{}
	if err := r.ClearStale(input); err != nil {
		t.Fatalf("ClearStale failed: %v", err)
	}
	rpt, out := ArtifactPaths(input)
	for _, p := range []string{rpt, out} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed", p)
		}
	}
	if _, err := os.Stat(input); err != nil {
		t.Errorf("ClearStale must not touch the input: %v", err)
	}
	if err := r.ClearStale(input); err != nil {
		t.Errorf("ClearStale with nothing to clear failed: %v", err)
	}
}

func TestCopyAcross(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(src, []byte("binary results"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "a.out")

	if err := copyAcross(src, dst); err != nil {
		t.Fatalf("copyAcross failed: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "binary results" {
		t.Errorf("Unexpected destination content %q, %v", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("Source should be removed after copy")
	}
}
