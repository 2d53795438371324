package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the adapter clients keyed by strategy identifier. Adapters
// are registered once at startup; lookups afterwards are read-only.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Client
	cache *SnapshotCache
}

// NewRegistry constructs an empty registry backed by a shared snapshot
// cache.
func NewRegistry(cache *SnapshotCache) *Registry {
	if cache == nil {
		cache = NewSnapshotCache()
	}
	return &Registry{byID: make(map[string]*Client), cache: cache}
}

// Cache exposes the shared snapshot cache.
func (r *Registry) Cache() *SnapshotCache { return r.cache }

// Register wires an adapter under the given strategy identifier. Duplicate
// registration is rejected.
func (r *Registry) Register(id string, adapter Adapter, opts ...ClientOption) (*Client, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, fmt.Errorf("strategy: identifier required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("strategy: adapter required for %s", trimmed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[trimmed]; exists {
		return nil, fmt.Errorf("strategy: %s already registered", trimmed)
	}
	client := NewClient(trimmed, adapter, r.cache, opts...)
	r.byID[trimmed] = client
	return client, nil
}

// Get resolves the client for a strategy identifier.
func (r *Registry) Get(id string) (*Client, error) {
	r.mu.RLock()
	client, ok := r.byID[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return client, nil
}

// IDs returns the registered strategy identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clients returns all registered clients in stable identifier order.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	clients := make([]*Client, 0, len(ids))
	for _, id := range ids {
		clients = append(clients, r.byID[id])
	}
	return clients
}
