// Package producer defines the contract with external content-producing
// models and a registry for resolving producer IDs.
//
// A producer is an opaque external collaborator: it receives a normalized
// request and returns a terminal result or an error. Everything around the
// call (status transitions, output persistence, failure capture) belongs
// to the lifecycle manager.
package producer

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUnknownProducer is returned when a producer ID does not resolve.
var ErrUnknownProducer = errors.New("producer: unknown producer")

// Request is the normalized generation request passed to any producer.
type Request struct {
	JobID          string
	Prompt         string
	NegativePrompt string
	Params         map[string]any
}

// Output is one artifact reported by a producer.
type Output struct {
	URL        string `json:"url"`
	Kind       string `json:"kind"`
	Width      *int   `json:"width,omitempty"`
	Height     *int   `json:"height,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// Result is a producer's terminal result. A producer that returns a nil
// error must report at least one output.
type Result struct {
	Outputs []Output
}

// Heartbeat lets a producer report progress while generating. Implementations
// must be non-blocking and must never fail the generation.
type Heartbeat func(step, logLine string)

// Producer generates outputs for a request. Generate blocks until the
// producer reaches a terminal result or ctx is done; it must honor ctx
// cancellation. beat may be nil.
type Producer interface {
	Name() string
	Generate(ctx context.Context, req Request, beat Heartbeat) (Result, error)
}

// Registry resolves producer IDs to producers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	producers map[string]Producer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{producers: make(map[string]Producer)}
}

// Register adds a producer under its name, replacing any previous entry.
func (r *Registry) Register(p Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.Name()] = p
}

// Resolve returns the producer registered under id, or ErrUnknownProducer.
func (r *Registry) Resolve(id string) (Producer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	if !ok {
		return nil, ErrUnknownProducer
	}
	return p, nil
}

// Names returns the registered producer IDs in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.producers))
	for name := range r.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
