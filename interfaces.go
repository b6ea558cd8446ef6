package crudkit

import (
	"context"
)

// Row is a generic entity representation: column name to value. The engine
// never defines per-type structs; descriptors say which keys matter.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DataStore is the persistence collaborator. Implementations must apply the
// declarative Query (filters, scope predicate, sort, pagination) and honor
// context cancellation inside transactions. CrudKit ships two: Store (bun/
// PostgreSQL) and MemStore (in-memory).
type DataStore interface {
	// Find returns the rows matching the query plus pagination metadata.
	Find(ctx context.Context, entityType string, q Query) ([]Row, PageInfo, error)

	// FindOne returns the single row matching the query, or ErrNotFound.
	FindOne(ctx context.Context, entityType string, q Query) (Row, error)

	// Insert stores a new row and returns it with generated columns filled.
	Insert(ctx context.Context, entityType string, data Row) (Row, error)

	// Update applies data to a previously loaded row and returns the result.
	Update(ctx context.Context, entityType string, row Row, data Row) (Row, error)

	// Delete removes a row. When the descriptor soft-deletes and force is
	// false, the row is marked instead of removed.
	Delete(ctx context.Context, entityType string, row Row, force bool) error

	// Restore clears the soft-delete marker on a row.
	Restore(ctx context.Context, entityType string, row Row) error

	// WithTransaction runs fn atomically. fn receives a DataStore bound to
	// the transaction; an error from fn rolls everything back.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error

	// RelationshipMetadata returns the edges declared on an entity type.
	RelationshipMetadata(entityType string) []RelationshipEdge
}

// Validator maps raw input to the accepted field set for a resource/action,
// or to a field-level error map. A non-empty error map fails the write.
type Validator interface {
	Validate(ctx context.Context, desc *ResourceDescriptor, action string, input Row) (Row, map[string]string)
}

// IdentityProvider supplies the caller and tenant an operation runs as.
// The zero-configuration implementation is ContextIdentity.
type IdentityProvider interface {
	// CurrentCaller returns the caller identity, or "" for anonymous.
	CurrentCaller(ctx context.Context) string

	// CurrentTenant returns the current tenant, or "".
	CurrentTenant(ctx context.Context) string
}

// AuditHook records successful writes. Invoked after each insert/update/
// delete; a failing hook never rolls back the write it describes.
type AuditHook interface {
	Record(ctx context.Context, entityType, action string, before, after Row, callerID, tenantID string) error
}

// AssignmentSource loads the role assignments held by a caller. The
// evaluator treats the returned slice as an immutable snapshot; a load
// failure or an unknown caller both read as "no assignments" (deny).
type AssignmentSource interface {
	AssignmentsFor(ctx context.Context, callerID string) ([]RoleAssignment, error)
}

// FillableValidator is the default Validator: it accepts exactly the
// descriptor's fillable fields and reports everything else as unknown.
type FillableValidator struct{}

// Validate filters input down to fillable fields. Non-fillable keys produce
// field errors rather than being silently dropped, so a client typo never
// half-applies.
func (FillableValidator) Validate(_ context.Context, desc *ResourceDescriptor, _ string, input Row) (Row, map[string]string) {
	accepted := make(Row, len(input))
	var fieldErrors map[string]string

	for field, value := range input {
		if desc.IsFillable(field) {
			accepted[field] = value
			continue
		}
		if fieldErrors == nil {
			fieldErrors = make(map[string]string)
		}
		fieldErrors[field] = "field is not fillable"
	}

	return accepted, fieldErrors
}
