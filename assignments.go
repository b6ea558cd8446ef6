package crudkit

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/dbkit"
)

// AssignmentStore is the PostgreSQL-backed AssignmentSource. It persists
// RoleAssignment rows and offers the management operations an application
// needs to grant and revoke permissions.
type AssignmentStore struct {
	db dbkit.IDB
}

// NewAssignmentStore creates an AssignmentStore over a dbkit connection.
func NewAssignmentStore(db dbkit.IDB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

// AssignmentsFor implements AssignmentSource. An unknown caller returns an
// empty slice, which the evaluator reads as deny-everything.
func (as *AssignmentStore) AssignmentsFor(ctx context.Context, callerID string) ([]RoleAssignment, error) {
	var assignments []RoleAssignment
	err := dbkit.WithErr1(as.db.NewSelect().Model(&assignments).Where("user_id = ?", callerID).Scan(ctx), "AssignmentsFor").Err()
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

// Grant gives a user permissions in a tenant. Permission strings are
// validated for shape first; all of them are rejected if any is malformed.
// An existing (user, tenant) assignment is extended rather than duplicated.
//
// Example:
//
//	err := assignments.Grant(ctx, userID, orgID, "posts.*", "comments.show")
func (as *AssignmentStore) Grant(ctx context.Context, userID, tenantID string, permissions ...string) error {
	if len(permissions) == 0 {
		return NewError(ErrValidation, "at least one permission is required")
	}
	for _, p := range permissions {
		if err := DefaultMatcher.Validate(p); err != nil {
			return err
		}
	}

	var existing RoleAssignment
	err := as.db.NewSelect().Model(&existing).
		Where("user_id = ? AND tenant_id = ?", userID, tenantID).
		Scan(ctx)

	if err != nil {
		if !dbkit.IsNotFound(err) {
			return dbkit.WithErr1(err, "Grant").Err()
		}

		assignment := &RoleAssignment{
			UserID:      userID,
			TenantID:    tenantID,
			Permissions: permissions,
		}
		result, err := as.db.NewInsert().Model(assignment).Exec(ctx)
		return dbkit.WithErr(result, err, "CreateAssignment").Err()
	}

	merged := mergePermissions(existing.Permissions, permissions)
	result, err := as.db.NewUpdate().Model(&existing).
		Set("permissions = ?", merged).
		Set("updated_at = current_timestamp").
		Where("id = ?", existing.ID).
		Exec(ctx)
	return dbkit.WithErr(result, err, "ExtendAssignment").Err()
}

// Revoke removes specific permissions from a user's assignment in a tenant.
// Revoking the last permission removes the assignment row entirely.
func (as *AssignmentStore) Revoke(ctx context.Context, userID, tenantID string, permissions ...string) error {
	var existing RoleAssignment
	err := as.db.NewSelect().Model(&existing).
		Where("user_id = ? AND tenant_id = ?", userID, tenantID).
		Scan(ctx)
	if err != nil {
		if dbkit.IsNotFound(err) {
			return NewError(ErrNotFound, "user has no assignment in tenant").
				WithCaller(userID).
				WithTenant(tenantID)
		}
		return dbkit.WithErr1(err, "Revoke").Err()
	}

	drop := make(map[string]bool, len(permissions))
	for _, p := range permissions {
		drop[p] = true
	}

	remaining := make([]string, 0, len(existing.Permissions))
	for _, p := range existing.Permissions {
		if !drop[p] {
			remaining = append(remaining, p)
		}
	}

	if len(remaining) == 0 {
		return as.RevokeAll(ctx, userID, tenantID)
	}

	result, err := as.db.NewUpdate().Model(&existing).
		Set("permissions = ?", remaining).
		Set("updated_at = current_timestamp").
		Where("id = ?", existing.ID).
		Exec(ctx)
	return dbkit.WithErr(result, err, "RevokePermissions").Err()
}

// RevokeAll removes a user's assignment in a tenant.
func (as *AssignmentStore) RevokeAll(ctx context.Context, userID, tenantID string) error {
	result, err := as.db.NewDelete().Table("role_assignments").
		Where("user_id = ? AND tenant_id = ?", userID, tenantID).
		Exec(ctx)
	if err := dbkit.WithErr(result, err, "RevokeAll").Err(); err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return NewError(ErrNotFound, "user has no assignment in tenant").
			WithCaller(userID).
			WithTenant(tenantID)
	}
	return nil
}

// GrantMultiple inserts many assignments in one transaction, using a batch
// insert. Intended for provisioning flows; no per-row merge is attempted.
func (as *AssignmentStore) GrantMultiple(ctx context.Context, assignments []RoleAssignment) error {
	for _, a := range assignments {
		for _, p := range a.Permissions {
			if err := DefaultMatcher.Validate(p); err != nil {
				return err
			}
		}
	}

	db, ok := as.db.(*dbkit.DBKit)
	if !ok {
		_, err := dbkit.BatchInsert(ctx, as.db, toModels(assignments), dbkit.BatchSize)
		return dbkit.WithErr1(err, "GrantMultiple").Err()
	}

	return db.Transaction(ctx, func(tx *dbkit.Tx) error {
		_, err := dbkit.BatchInsert(ctx, tx, toModels(assignments), dbkit.BatchSize)
		return dbkit.WithErr1(err, "GrantMultiple").Err()
	})
}

// HasAssignment checks whether a user holds any assignment in a tenant.
// More efficient than AssignmentsFor when only existence matters.
func (as *AssignmentStore) HasAssignment(ctx context.Context, userID, tenantID string) bool {
	exists, err := dbkit.Exists[RoleAssignment](ctx, as.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ? AND tenant_id = ?", userID, tenantID)
	})
	if err != nil {
		return false
	}
	return exists
}

// CountAssignments returns the number of assignments a user holds across
// all tenants.
func (as *AssignmentStore) CountAssignments(ctx context.Context, userID string) (int, error) {
	return dbkit.Count[RoleAssignment](ctx, as.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ?", userID)
	})
}

func mergePermissions(current, added []string) []string {
	seen := make(map[string]bool, len(current))
	merged := make([]string, 0, len(current)+len(added))
	for _, p := range current {
		if !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	for _, p := range added {
		if !seen[p] {
			seen[p] = true
			merged = append(merged, p)
		}
	}
	return merged
}

func toModels(assignments []RoleAssignment) []*RoleAssignment {
	models := make([]*RoleAssignment, len(assignments))
	for i := range assignments {
		models[i] = &assignments[i]
	}
	return models
}
