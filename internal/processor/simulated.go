package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Simulated stands in for a model backend during development. It walks
// through a fixed number of stages, pausing between them, then copies
// the source upload into the outputs directory as the artifact. That is
// the same observable lifecycle a real separation run produces.
type Simulated struct {
	OutputRoot string
	// StepDelay is the pause per simulated stage. Tests set it near
	// zero; the default mimics a short model run.
	StepDelay time.Duration
	Steps     int
	// OnProgress, when set, receives fraction-complete callbacks after
	// each stage.
	OnProgress func(jobID string, fraction float64, message string)
}

// NewSimulated creates a simulated processor writing under outputRoot.
func NewSimulated(outputRoot string) *Simulated {
	return &Simulated{
		OutputRoot: outputRoot,
		StepDelay:  time.Second,
		Steps:      5,
	}
}

// Process implements Processor.
func (s *Simulated) Process(ctx context.Context, in Inputs) (*Artifact, error) {
	steps := s.Steps
	if steps <= 0 {
		steps = 5
	}
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.StepDelay):
		}
		if s.OnProgress != nil {
			s.OnProgress(in.JobID, float64(i)/float64(steps), fmt.Sprintf("stage %d", i))
		}
	}

	outDir := filepath.Join(s.OutputRoot, in.FileID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	artifact := &Artifact{OutputDir: outDir}
	if in.SourcePath != "" {
		name := "instrumental" + filepath.Ext(in.SourcePath)
		if err := copyFile(in.SourcePath, filepath.Join(outDir, name)); err == nil {
			artifact.Files = append(artifact.Files, name)
		}
		// A missing source is not fatal: the job still completes with
		// an empty artifact, matching the reference behavior.
	}
	return artifact, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
