// Package provider defines the adapter boundary to external generation
// engines. One provider per job type; the dispatcher calls Generate with a
// bounded timeout and classifies failures via Transient/Fatal.
package provider

import (
	"context"
	"errors"
	"sync"

	"genbot/internal/model"
)

// Request carries everything a provider needs to produce a result.
type Request struct {
	JobID   string
	UserID  int64
	Type    model.JobType
	Payload string
}

// Result is the provider's output: a stable handle for later retrieval plus
// an optional inline output (small text results).
type Result struct {
	Handle string
	Output string
}

type Provider interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// ErrUnsupported is returned when no provider is registered for a job type.
var ErrUnsupported = errors.New("no provider for job type")

// Registry routes job types to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[model.JobType]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[model.JobType]Provider{}}
}

func (r *Registry) Register(t model.JobType, p Provider) {
	r.mu.Lock()
	r.providers[t] = p
	r.mu.Unlock()
}

func (r *Registry) Lookup(t model.JobType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	if !ok {
		return nil, ErrUnsupported
	}
	return p, nil
}
