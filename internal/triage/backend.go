package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"FeedTriage/internal/domain"
)

// Capabilities describes what the router can expect from a backend.
type Capabilities struct {
	StructuredJSON bool
	StdinDelivery  bool
	RateLimited    bool
}

// Request is one batch handed to a backend.
type Request struct {
	Prompt string
	Items  []domain.Item
}

// Backend scores a rendered prompt. Implementations return errors that wrap
// the domain taxonomy so the router can tell fatal from retryable failures.
type Backend interface {
	ID() string
	Model() string
	Capabilities() Capabilities
	// Available reports a missing credential or executable as
	// domain.ErrBackendUnavailable, naming what to configure.
	Available() error
	Triage(ctx context.Context, req Request) (Response, error)
}

// Registry keeps a mapping from backend ids to their implementations.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend) {
	if r.backends == nil {
		r.backends = map[string]Backend{}
	}
	r.backends[b.ID()] = b
}

// Resolve returns a backend by id or an error if it is absent.
func (r *Registry) Resolve(id string) (Backend, error) {
	if b, ok := r.backends[id]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: backend %s is not registered (known: %v)", domain.ErrBackendUnavailable, id, r.IDs())
}

// IDs lists registered backend ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Select picks the backend for a run. A concrete choice must be available.
// "auto" walks priority and takes the first available backend.
func (r *Registry) Select(choice string, priority []string) (Backend, error) {
	if choice != "" && choice != "auto" {
		b, err := r.Resolve(choice)
		if err != nil {
			return nil, err
		}
		if err := b.Available(); err != nil {
			return nil, err
		}
		return b, nil
	}

	var reasons []error
	for _, id := range priority {
		b, ok := r.backends[id]
		if !ok {
			continue
		}
		err := b.Available()
		if err == nil {
			return b, nil
		}
		reasons = append(reasons, err)
	}
	if len(reasons) == 0 {
		return nil, fmt.Errorf("%w: no backend in priority list %v is registered", domain.ErrBackendUnavailable, priority)
	}
	return nil, fmt.Errorf("no backend is available: %w", errors.Join(reasons...))
}
