package watch

import (
	"encoding/json"
	"sort"
	"sync"

	"citypulse/internal/schema"
)

type entry struct {
	payload map[string]any
	marker  string
	misses  int
}

// SnapshotCache holds the last transformed observation per entity,
// one map per entity type. Each type's map has a single writer (its
// poll cycle); reads are served concurrently.
type SnapshotCache struct {
	mu     sync.RWMutex
	store  *schema.Store
	byType map[string]map[string]entry
}

// NewSnapshotCache constructs an empty cache.
func NewSnapshotCache(store *schema.Store) *SnapshotCache {
	return &SnapshotCache{
		store:  store,
		byType: make(map[string]map[string]entry),
	}
}

// Marker returns the cached modification marker for an entity.
func (c *SnapshotCache) Marker(entityType, id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byType[entityType][id]
	if !ok {
		return "", false
	}
	return e.marker, true
}

// Put stores the latest observation, resetting the absence counter.
func (c *SnapshotCache) Put(entityType, id string, payload map[string]any, marker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.byType[entityType]
	if !ok {
		byID = make(map[string]entry)
		c.byType[entityType] = byID
	}
	byID[id] = entry{payload: payload, marker: marker}
}

// SweepMissing increments the absence counter of every cached entity not
// in the observed set and evicts entries absent for threshold consecutive
// polls. With threshold <= 0 nothing is ever evicted, matching the
// upstream-as-source-of-truth posture where disappearance is ambiguous.
func (c *SnapshotCache) SweepMissing(entityType string, observed map[string]struct{}, threshold int) []string {
	if threshold <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.byType[entityType]
	var evicted []string
	for id, e := range byID {
		if _, seen := observed[id]; seen {
			continue
		}
		e.misses++
		if e.misses >= threshold {
			delete(byID, id)
			evicted = append(evicted, id)
			continue
		}
		byID[id] = e
	}
	sort.Strings(evicted)
	return evicted
}

// Get returns the cached payload for one entity.
func (c *SnapshotCache) Get(entityType, id string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byType[entityType][id]
	if !ok {
		return nil, false
	}
	return e.payload, true
}

// Entities returns all cached payloads for a type, ordered by identifier.
func (c *SnapshotCache) Entities(entityType string) []map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID := c.byType[entityType]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id].payload)
	}
	return out
}

// Size returns the number of cached entities for a type.
func (c *SnapshotCache) Size(entityType string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byType[entityType])
}

// Snapshot returns the full current state for every declared type. It
// satisfies the hub's snapshot provider contract.
func (c *SnapshotCache) Snapshot() (map[string][]map[string]any, error) {
	out := make(map[string][]map[string]any)
	for _, entityType := range c.store.Types() {
		out[entityType] = c.Entities(entityType)
	}
	return out, nil
}

// Lookup satisfies the transformer's join resolver: identifier joins hit
// the type's map directly, anything else scans the cached payloads.
func (c *SnapshotCache) Lookup(entityType, foreignField, value string) (map[string]any, bool) {
	cfg, err := c.store.Get(entityType)
	if err != nil {
		return nil, false
	}
	if foreignField == cfg.IDField {
		return c.Get(entityType, value)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.byType[entityType] {
		if fieldString(e.payload[foreignField]) == value {
			return e.payload, true
		}
	}
	return nil, false
}

// fingerprint derives a marker for entities without a usable
// modification marker field. Map keys marshal in sorted order, so the
// digest is stable for equal payloads.
func fingerprint(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}
