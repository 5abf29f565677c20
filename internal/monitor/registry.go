// Package monitor exposes a read-only HTTP and WebSocket surface over a
// set of live endpoints: a liveness check and a periodic stats stream,
// for whatever dashboard or health-checker wants to watch a rudpd
// process from outside.
package monitor

import (
	"sort"
	"sync"

	"github.com/rcarmo/go-rudp/internal/endpoint"
)

// StatsSource is the subset of *endpoint.Endpoint the monitor needs.
// Kept narrow so tests can register a fake without opening a socket.
type StatsSource interface {
	Stats() endpoint.Stats
}

// Registry tracks the endpoints currently being served, keyed by a
// caller-chosen name (typically the listen address). It is safe for
// concurrent use: Register/Unregister happen from whatever goroutine
// opens or closes an endpoint, Snapshot happens from HTTP handlers.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]StatsSource
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]StatsSource)}
}

// Register adds or replaces the endpoint tracked under name.
func (r *Registry) Register(name string, ep StatsSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = ep
}

// Unregister removes the endpoint tracked under name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
}

// EndpointSnapshot is one entry of a Snapshot.
type EndpointSnapshot struct {
	Name  string         `json:"name"`
	Stats endpoint.Stats `json:"stats"`
}

// Snapshot returns the current stats for every registered endpoint,
// sorted by name for stable output.
func (r *Registry) Snapshot() []EndpointSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EndpointSnapshot, 0, len(r.endpoints))
	for name, ep := range r.endpoints {
		out = append(out, EndpointSnapshot{Name: name, Stats: ep.Stats()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
