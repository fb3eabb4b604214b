package memory

import (
	"sort"
	"sync"

	"sarswarm.ai/internal/sim/ontology"
)

// Projector is anything with an identity and a slice; agents satisfy it.
type Projector interface {
	ID() string
	Slice() *ontology.Slice
}

type Write struct {
	Tick   int    `json:"tick"`
	Origin string `json:"origin"`
}

// GlobalStore is the canonical last-write-wins state plus, per agent, the
// canonical state projected onto that agent's slice after every tick.
type GlobalStore struct {
	mu        sync.RWMutex
	canonical map[string]string
	writers   map[string]Write
	history   map[string][]map[string]string
	ticks     []int
}

func NewGlobalStore() *GlobalStore {
	return &GlobalStore{
		canonical: map[string]string{},
		writers:   map[string]Write{},
		history:   map[string][]map[string]string{},
	}
}

// Add overwrites key unconditionally. Callers only pass updates their own
// LocalStore already accepted, so nothing is re-validated here.
func (g *GlobalStore) Add(key, value string, tick int, origin string) {
	g.mu.Lock()
	g.canonical[key] = value
	g.writers[key] = Write{Tick: tick, Origin: origin}
	g.mu.Unlock()
}

// Project restricts canonical to the prefixes of slice.
func Project(canonical map[string]string, slice *ontology.Slice) map[string]string {
	out := map[string]string{}
	for k, v := range canonical {
		if slice.IsInScope(k) {
			out[k] = v
		}
	}
	return out
}

// Project returns the current projection for slice without recording it.
func (g *GlobalStore) Project(slice *ontology.Slice) map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Project(g.canonical, slice)
}

// Snapshot appends one projection per agent for tick.
func (g *GlobalStore) Snapshot(agents []Projector, tick int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range agents {
		g.history[a.ID()] = append(g.history[a.ID()], Project(g.canonical, a.Slice()))
	}
	g.ticks = append(g.ticks, tick)
}

func (g *GlobalStore) Get(key string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.canonical[key]
	return v, ok
}

func (g *GlobalStore) LastWrite(key string) (Write, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.writers[key]
	return w, ok
}

func (g *GlobalStore) Canonical() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.canonical))
	for k, v := range g.canonical {
		out[k] = v
	}
	return out
}

// History returns the per-tick projections recorded for agentID. Recorded
// projections are never mutated, so the maps are shared with the store.
func (g *GlobalStore) History(agentID string) []map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]map[string]string(nil), g.history[agentID]...)
}

func (g *GlobalStore) Histories() map[string][]map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]map[string]string, len(g.history))
	for id, h := range g.history {
		out[id] = append([]map[string]string(nil), h...)
	}
	return out
}

// Ticks returns the tick label of every snapshot, in order.
func (g *GlobalStore) Ticks() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]int(nil), g.ticks...)
}

// Keys returns the canonical keys, sorted.
func (g *GlobalStore) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]string, 0, len(g.canonical))
	for k := range g.canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
