package crudkit

import (
	"context"
)

// Evaluator resolves whether a caller may perform an action on a resource
// slug, using the role assignments an AssignmentSource supplies.
//
// Authorize is side-effect-free and safe to call concurrently from multiple
// in-flight requests sharing the same assignment snapshot. Every failure
// mode reads as deny, never as an error.
type Evaluator struct {
	source AssignmentSource
}

// NewEvaluator creates an Evaluator backed by an assignment source.
func NewEvaluator(source AssignmentSource) *Evaluator {
	return &Evaluator{source: source}
}

// Authorize reports whether the caller may perform action on the resource
// registered under slug, inside tenantID. An empty tenantID gathers
// assignments across all tenants; use that only for non-tenant-scoped
// checks. An empty callerID always denies: no assignment means deny, not
// error.
//
// Example:
//
//	if evaluator.Authorize(ctx, userID, orgID, "posts", crudkit.ActionUpdate) {
//	    // caller may update posts in this organization
//	}
func (e *Evaluator) Authorize(ctx context.Context, callerID, tenantID, slug, action string) bool {
	if callerID == "" {
		return false
	}

	snapshot, err := e.Snapshot(ctx, callerID)
	if err != nil {
		return false
	}

	return snapshot.Grants(tenantID, slug, action)
}

// Snapshot loads the caller's assignments into an immutable, tenant-indexed
// snapshot. Hold it for the duration of a request to avoid re-reading the
// source per check.
func (e *Evaluator) Snapshot(ctx context.Context, callerID string) (*CallerAssignments, error) {
	assignments, err := e.source.AssignmentsFor(ctx, callerID)
	if err != nil {
		return nil, err
	}
	return NewCallerAssignments(callerID, assignments), nil
}

// ResourcePolicy is a policy-like wrapper around the evaluator that answers
// for entity types instead of slugs. It either binds to a fixed slug or
// auto-discovers the slug by reverse lookup against the registry.
type ResourcePolicy struct {
	evaluator *Evaluator
	registry  *ResourceRegistry
	slug      string // "" means auto-discover per call
}

// NewResourcePolicy creates an auto-discovering policy: each call reverse-
// looks-up the entity type in the registry's slug index.
func NewResourcePolicy(evaluator *Evaluator, registry *ResourceRegistry) *ResourcePolicy {
	return &ResourcePolicy{
		evaluator: evaluator,
		registry:  registry,
	}
}

// ForSlug returns a copy of the policy bound to a fixed slug, skipping
// auto-discovery.
func (p *ResourcePolicy) ForSlug(slug string) *ResourcePolicy {
	bound := *p
	bound.slug = slug
	return &bound
}

// Allows reports whether the caller may perform action on rows of the given
// entity type. When auto-discovery cannot map the entity type to a slug the
// answer is deny, never an error.
func (p *ResourcePolicy) Allows(ctx context.Context, callerID, tenantID, entityType, action string) bool {
	slug := p.slug
	if slug == "" {
		desc, ok := p.registry.ByEntityType(entityType)
		if !ok {
			return false
		}
		slug = desc.Slug()
	}

	return p.evaluator.Authorize(ctx, callerID, tenantID, slug, action)
}
