package generate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the named generation clients a deployment knows about and
// tracks which one is active. It implements Client by delegating to the
// active entry, so callers hold one Client for the life of the process while
// operators switch providers underneath at runtime.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	active  string
}

// ErrUnknownProvider is returned when a provider name is not registered.
var ErrUnknownProvider = errors.New("generate: unknown provider")

// NewRegistry returns an empty Registry. The first registered client becomes
// the active one.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a named client. Registering an existing name replaces its
// client and keeps the activation state.
func (r *Registry) Register(name string, client Client) error {
	if name == "" {
		return errors.New("generate: provider name is required")
	}
	if client == nil {
		return errors.New("generate: client is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	if r.active == "" {
		r.active = name
	}
	return nil
}

// Use switches the active provider. The change applies to subsequent calls;
// calls already in flight finish on the provider they started with.
func (r *Registry) Use(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	r.active = name
	return nil
}

// Active returns the active provider name, empty before any registration.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Client returns the named client.
func (r *Registry) Client(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Providers returns the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetrieveAndGenerate delegates to the active client.
func (r *Registry) RetrieveAndGenerate(ctx context.Context, req *Request) (*Result, error) {
	r.mu.RLock()
	client, ok := r.clients[r.active]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New("generate: no provider registered")
	}
	return client.RetrieveAndGenerate(ctx, req)
}
