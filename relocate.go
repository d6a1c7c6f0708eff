package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	ReportExt = ".rpt"
	OutputExt = ".out"
)

// ArtifactPaths names the report and binary output the simulator writes for
// inputPath: same directory, same base name.
func ArtifactPaths(inputPath string) (reportPath, outputPath string) {
	stem := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))
	return stem + ReportExt, stem + OutputExt
}

// Relocator moves a finished job's artifacts out of the input directory.
type Relocator struct {
	OutputDir   string
	ReportDir   string
	RemoveInput bool
}

// Relocate moves the .out file to OutputDir and the .rpt file to ReportDir.
// Both moves are attempted even if the first fails. The input file is
// removed only when both artifacts landed, so a failed job can be rerun.
func (r *Relocator) Relocate(inputPath string) error {
	reportPath, outputPath := ArtifactPaths(inputPath)

	var errs []error
	if err := moveFile(outputPath, r.OutputDir); err != nil {
		errs = append(errs, err)
	}
	if err := moveFile(reportPath, r.ReportDir); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrRelocation, errors.Join(errs...))
	}

	if r.RemoveInput {
		if err := os.Remove(inputPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove input: %v", ErrRelocation, err)
		}
	}
	return nil
}

// ClearStale deletes artifacts a previous, interrupted attempt may have left
// next to the input so they are never mistaken for this attempt's output.
func (r *Relocator) ClearStale(inputPath string) error {
	reportPath, outputPath := ArtifactPaths(inputPath)
	var errs []error
	for _, p := range []string{outputPath, reportPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func moveFile(src, dstDir string) error {
	dst := filepath.Join(dstDir, filepath.Base(src))
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	return copyAcross(src, dst)
}

// copyAcross handles moves between filesystems. The copy lands under a
// temporary name first so dst is either absent or complete.
func copyAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Remove(src)
}
