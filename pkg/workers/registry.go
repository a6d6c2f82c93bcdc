// Package workers tracks live worker processes: identity, capabilities,
// load, and heartbeat freshness. The registry is process-local and
// advisory; durable assignment travels on the session.assign stream.
package workers

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultHeartbeatTTL evicts workers that stay silent for a minute.
const DefaultHeartbeatTTL = 60 * time.Second

// WorkerInfo is the registry's view of one worker process.
type WorkerInfo struct {
	ID             string         `json:"worker_id"`
	Capabilities   []string       `json:"capabilities"`
	Segment        string         `json:"network_segment,omitempty"`
	Environment    string         `json:"environment,omitempty"`
	MaxConcurrency int            `json:"max_concurrency"`
	CurrentLoad    int            `json:"current_load"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AvailableSlots reports remaining concurrency, never negative.
func (w WorkerInfo) AvailableSlots() int {
	slots := w.MaxConcurrency - w.CurrentLoad
	if slots < 0 {
		return 0
	}
	return slots
}

// Filter narrows List results. Capabilities is a subset requirement:
// a worker matches when it advertises every requested capability.
type Filter struct {
	Capabilities []string
	Environment  string
	Segment      string
}

// Registry is the in-memory worker map. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerInfo
	ttl     time.Duration
	logger  *slog.Logger

	now func() time.Time // injectable for tests
}

// NewRegistry creates an empty registry. ttl <= 0 selects the default.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &Registry{
		workers: make(map[string]*WorkerInfo),
		ttl:     ttl,
		logger:  slog.With("component", "worker-registry"),
		now:     time.Now,
	}
}

// Register adds or replaces a worker entry and stamps its heartbeat.
func (r *Registry) Register(info WorkerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info.LastHeartbeat = r.now()
	copied := info
	copied.Capabilities = append([]string(nil), info.Capabilities...)
	r.workers[info.ID] = &copied
	r.logger.Debug("Worker registered",
		"worker_id", info.ID,
		"capabilities", info.Capabilities,
		"environment", info.Environment)
}

// Heartbeat refreshes a worker's liveness. currentLoad nil leaves the
// stored load untouched. Returns false for unknown workers, which must
// re-register.
func (r *Registry) Heartbeat(id string, currentLoad *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = r.now()
	if currentLoad != nil {
		w.CurrentLoad = *currentLoad
	}
	return true
}

// Get returns a copy of one worker entry.
func (r *Registry) Get(id string) (WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return WorkerInfo{}, false
	}
	return snapshot(w), true
}

// List evicts stale entries, then returns copies of the workers that
// satisfy the filter, ordered by id.
func (r *Registry) List(f Filter) []WorkerInfo {
	r.CleanupStale()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []WorkerInfo
	for _, w := range r.workers {
		if !matches(w, f) {
			continue
		}
		out = append(out, snapshot(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupStale removes workers whose heartbeat exceeded the TTL and
// returns how many were evicted.
func (r *Registry) CleanupStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	evicted := 0
	for id, w := range r.workers {
		if w.LastHeartbeat.Before(cutoff) {
			delete(r.workers, id)
			evicted++
			r.logger.Info("Evicted stale worker",
				"worker_id", id,
				"last_heartbeat", w.LastHeartbeat)
		}
	}
	return evicted
}

// Remove deletes a worker outright (clean shutdown notification).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Len reports the current entry count without evicting.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func matches(w *WorkerInfo, f Filter) bool {
	if f.Environment != "" && w.Environment != f.Environment {
		return false
	}
	if f.Segment != "" && w.Segment != f.Segment {
		return false
	}
	for _, need := range f.Capabilities {
		found := false
		for _, have := range w.Capabilities {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func snapshot(w *WorkerInfo) WorkerInfo {
	copied := *w
	copied.Capabilities = append([]string(nil), w.Capabilities...)
	return copied
}
