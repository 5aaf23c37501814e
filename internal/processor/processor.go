// Package processor defines the opaque unit of work executed on behalf
// of a job. Real model backends (separation, transcription, generation)
// plug in behind the Processor interface; the orchestrator treats them
// as slow, possibly failing black boxes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownModel is returned when no processor is registered for the
// requested model name.
var ErrUnknownModel = errors.New("no processor registered for model")

// Inputs carries everything a processor needs to run one job.
type Inputs struct {
	JobID      string
	FileID     string
	Model      string
	SourcePath string
	// Duration is the audio duration in seconds, 0 when unknown.
	Duration float64
}

// Artifact describes where a processor left its results.
type Artifact struct {
	OutputDir string
	Files     []string
}

// Processor performs the actual transformation for one job.
type Processor interface {
	Process(ctx context.Context, in Inputs) (*Artifact, error)
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, in Inputs) (*Artifact, error)

// Process implements Processor.
func (f Func) Process(ctx context.Context, in Inputs) (*Artifact, error) {
	return f(ctx, in)
}

// Registry maps model names to processors. It is constructed and passed
// by reference so tests can run isolated instances side by side.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Processor)}
}

// Register binds a processor to a model name, replacing any previous
// binding.
func (r *Registry) Register(name string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = p
}

// Get returns the processor for a model name.
func (r *Registry) Get(name string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return p, nil
}

// Models returns the registered model names.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	return names
}
