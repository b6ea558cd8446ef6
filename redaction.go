package crudkit

import (
	"sync"
)

// RedactionPolicy computes the extra fields to hide from one caller for one
// entity type. callerID is "" for anonymous requests. Policies are additive
// only: returning nothing never reveals baseline- or descriptor-hidden
// fields.
type RedactionPolicy func(callerID string) []string

// anonymousCacheKey keys "no caller" as its own identity. The NUL prefix
// cannot collide with a real caller ID.
const anonymousCacheKey = "\x00anonymous"

type redactionKey struct {
	entityType string
	callerID   string
}

// Redactor computes and memoizes the hidden-field set per (entity type,
// caller) pair. The hidden set is the union of three additive layers: a
// fixed baseline, the descriptor's static hidden set, and a per-type caller
// policy.
//
// The cache is correctness-sensitive, not just a speedup: one caller's
// entry must never serve a response rendered for a different caller, so
// entries key on caller identity and invalidation is explicit. Entries
// never expire on their own.
type Redactor struct {
	registry *ResourceRegistry
	baseline []string

	mu       sync.Mutex
	policies map[string]RedactionPolicy
	cache    map[redactionKey]map[string]struct{}
}

// NewRedactor creates a Redactor. baseline fields are hidden on every
// entity type for every caller.
//
// Example:
//
//	redactor := crudkit.NewRedactor(registry, "password", "remember_token")
func NewRedactor(registry *ResourceRegistry, baseline ...string) *Redactor {
	return &Redactor{
		registry: registry,
		baseline: baseline,
		policies: make(map[string]RedactionPolicy),
		cache:    make(map[redactionKey]map[string]struct{}),
	}
}

// SetPolicy installs the caller-dependent policy for an entity type and
// drops any cached entries for that type, since they were computed without
// it.
func (r *Redactor) SetPolicy(entityType string, policy RedactionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.policies[entityType] = policy
	for key := range r.cache {
		if key.entityType == entityType {
			delete(r.cache, key)
		}
	}
}

// HiddenFields returns the set of fields to hide for a caller on an entity
// type. The per-caller policy runs at most once per distinct (entity type,
// caller) pair; every later call for the pair is served from cache.
func (r *Redactor) HiddenFields(entityType, callerID string) map[string]struct{} {
	key := redactionKey{entityType: entityType, callerID: cacheIdentity(callerID)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[key]; ok {
		return cached
	}

	hidden := make(map[string]struct{})
	for _, f := range r.baseline {
		hidden[f] = struct{}{}
	}
	if desc, ok := r.registry.ByEntityType(entityType); ok {
		for _, f := range desc.HiddenFields() {
			hidden[f] = struct{}{}
		}
	}
	if policy, ok := r.policies[entityType]; ok {
		for _, f := range policy(callerID) {
			hidden[f] = struct{}{}
		}
	}

	r.cache[key] = hidden
	return hidden
}

// Apply returns copies of rows with hidden fields removed. The hidden set
// is resolved once for the whole collection.
func (r *Redactor) Apply(entityType, callerID string, rows []Row) []Row {
	hidden := r.HiddenFields(entityType, callerID)
	if len(hidden) == 0 {
		return rows
	}

	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = redactRow(row, hidden)
	}
	return out
}

// ApplyOne returns a copy of one row with hidden fields removed.
func (r *Redactor) ApplyOne(entityType, callerID string, row Row) Row {
	hidden := r.HiddenFields(entityType, callerID)
	if len(hidden) == 0 {
		return row
	}
	return redactRow(row, hidden)
}

// Invalidate drops the cached entry for one (entity type, caller) pair.
// Call it when a caller's visibility changes mid-process.
func (r *Redactor) Invalidate(entityType, callerID string) {
	key := redactionKey{entityType: entityType, callerID: cacheIdentity(callerID)}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}

// InvalidateAll drops every cached entry.
func (r *Redactor) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[redactionKey]map[string]struct{})
}

func cacheIdentity(callerID string) string {
	if callerID == "" {
		return anonymousCacheKey
	}
	return callerID
}

func redactRow(row Row, hidden map[string]struct{}) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if _, drop := hidden[k]; drop {
			continue
		}
		out[k] = v
	}
	return out
}
