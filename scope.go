package crudkit

import (
	"strings"
)

// MaxOwnershipDepth bounds ownership-path traversal. Declared paths may
// chain through other entities' declared paths, so the graph can be deeper
// than one hop; eight hops is far beyond any sane registry and keeps a
// misdeclared graph from walking forever even before the cycle guard fires.
const MaxOwnershipDepth = 8

// PredicateKind classifies a scope predicate.
type PredicateKind int

const (
	// ScopeNone applies no tenant filtering: the entity is global.
	ScopeNone PredicateKind = iota

	// ScopePrimaryKey restricts the tenant root to the single row whose
	// primary key equals the tenant identity.
	ScopePrimaryKey

	// ScopeTenantColumn restricts by equality on a direct tenant column.
	ScopeTenantColumn

	// ScopeRelationPath restricts through an EXISTS chain along
	// relationship edges toward a tenant-bearing terminal.
	ScopeRelationPath
)

// ScopePredicate is the declarative tenant restriction a store applies to a
// query or load. It is data, not SQL; each store translates it.
type ScopePredicate struct {
	Kind     PredicateKind
	TenantID string

	// Column is the compared column on the scoped entity itself: the
	// primary key for ScopePrimaryKey, the tenant column for
	// ScopeTenantColumn.
	Column string

	// Path is the ordered edge chain for ScopeRelationPath, walking from
	// the scoped entity toward the terminal type.
	Path []RelationshipEdge

	// TerminalColumn is the compared column on the last type of Path: its
	// tenant column, or its primary key when the terminal is the tenant
	// root itself.
	TerminalColumn string
}

// Unscoped returns the no-filtering predicate.
func Unscoped() ScopePredicate {
	return ScopePredicate{Kind: ScopeNone}
}

// IsScoped reports whether the predicate restricts anything.
func (p ScopePredicate) IsScoped() bool {
	return p.Kind != ScopeNone
}

// ScopeResolver walks entity relationship metadata to find the path from an
// entity type to the tenant root and emits the matching scope predicate.
// Registry and edge set are read-only after startup, so the resolver is
// safe for concurrent use.
type ScopeResolver struct {
	registry *ResourceRegistry
	edges    *EdgeSet
}

// NewScopeResolver creates a resolver over a registry and its relationship
// graph.
func NewScopeResolver(registry *ResourceRegistry, edges *EdgeSet) *ScopeResolver {
	return &ScopeResolver{
		registry: registry,
		edges:    edges,
	}
}

// ScopeFor resolves the tenant restriction for an entity type. Decision
// order, first match wins:
//
//  1. The tenant root itself: equality on its primary key. A lookup for a
//     different tenant's root row therefore resolves to not-found, never
//     forbidden, so other tenants' existence stays hidden.
//  2. A direct tenant column: equality on that column.
//  3. A declared ownership path: an EXISTS chain along the path. When a
//     type reached mid-path declares its own ownership path, that declared
//     path takes over from the remaining segments.
//  4. Otherwise the entity is global and no filtering applies. Failure to
//     resolve a declared path also reads as global, which is distinct from
//     "resolved but wrong tenant" (that case always yields empty results).
func (sr *ScopeResolver) ScopeFor(entityType, tenantID string) ScopePredicate {
	if entityType == sr.registry.TenantRootType() {
		return ScopePredicate{
			Kind:     ScopePrimaryKey,
			TenantID: tenantID,
			Column:   sr.primaryKeyOf(entityType),
		}
	}

	desc, ok := sr.registry.ByEntityType(entityType)
	if !ok {
		return Unscoped()
	}

	if col := desc.TenantScopeColumn(); col != "" {
		return ScopePredicate{
			Kind:     ScopeTenantColumn,
			TenantID: tenantID,
			Column:   col,
		}
	}

	if path := desc.OwnershipPath(); path != "" {
		return sr.resolvePath(entityType, path, tenantID)
	}

	return Unscoped()
}

// resolvePath walks declared relation segments from entityType toward a
// tenant-bearing terminal. A visited set aborts on cycles and traversal
// stops at MaxOwnershipDepth; both abort cases degrade to unscoped.
func (sr *ScopeResolver) resolvePath(entityType, declaredPath, tenantID string) ScopePredicate {
	var (
		chain   []RelationshipEdge
		visited = make(map[string]bool)
		current = entityType
		pending = strings.Split(declaredPath, ".")
	)

	for len(pending) > 0 {
		if len(chain) >= MaxOwnershipDepth {
			return Unscoped()
		}

		segment := pending[0]
		pending = pending[1:]

		key := current + ":" + segment
		if visited[key] {
			// Cycle in the declared paths. Not expected in a well-formed
			// registry; bail out instead of looping.
			return Unscoped()
		}
		visited[key] = true

		edge, ok := sr.edges.Lookup(current, segment)
		if !ok {
			return Unscoped()
		}
		chain = append(chain, edge)
		current = edge.Target

		if current == sr.registry.TenantRootType() {
			return ScopePredicate{
				Kind:           ScopeRelationPath,
				TenantID:       tenantID,
				Path:           chain,
				TerminalColumn: sr.primaryKeyOf(current),
			}
		}

		next, ok := sr.registry.ByEntityType(current)
		if !ok {
			return Unscoped()
		}

		if col := next.TenantScopeColumn(); col != "" {
			return ScopePredicate{
				Kind:           ScopeRelationPath,
				TenantID:       tenantID,
				Path:           chain,
				TerminalColumn: col,
			}
		}

		// Explicit paths take precedence over whatever segments remain.
		if nextPath := next.OwnershipPath(); nextPath != "" {
			pending = strings.Split(nextPath, ".")
		}
	}

	return Unscoped()
}

// StampTenant injects the tenant identity into a write payload when the
// entity is directly tenant-scoped and the payload does not already carry
// it. Path-scoped entities acquire tenancy transitively through their
// parent reference and are left alone; so is the tenant root.
func (sr *ScopeResolver) StampTenant(data Row, entityType, tenantID string) Row {
	if tenantID == "" || entityType == sr.registry.TenantRootType() {
		return data
	}

	desc, ok := sr.registry.ByEntityType(entityType)
	if !ok {
		return data
	}

	col := desc.TenantScopeColumn()
	if col == "" {
		return data
	}

	if _, present := data[col]; present {
		return data
	}

	out := data.Clone()
	out[col] = tenantID
	return out
}

func (sr *ScopeResolver) primaryKeyOf(entityType string) string {
	if desc, ok := sr.registry.ByEntityType(entityType); ok {
		return desc.PrimaryKeyColumn()
	}
	return "id"
}
