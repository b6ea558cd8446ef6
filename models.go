package crudkit

import (
	"time"

	"github.com/uptrace/bun"
)

// RoleAssignment grants a user a set of permission strings inside one
// tenant. A user may hold different assignments in different tenants;
// uniqueness per (user, tenant) is the only ordering guarantee.
type RoleAssignment struct {
	bun.BaseModel `bun:"table:role_assignments,alias:ra"`

	ID          string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	UserID      string    `bun:"user_id,notnull"`
	TenantID    string    `bun:"tenant_id,notnull"`
	Permissions []string  `bun:"permissions,type:text[]"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// CallerAssignments holds a caller's assignment snapshot, indexed by tenant
// for fast evaluation. Snapshots are immutable once built and safe to share
// across in-flight requests.
type CallerAssignments struct {
	UserID      string
	Assignments []RoleAssignment

	byTenant map[string][]string // tenant id -> permission strings
}

// NewCallerAssignments builds a snapshot from a list of assignments.
func NewCallerAssignments(userID string, assignments []RoleAssignment) *CallerAssignments {
	ca := &CallerAssignments{
		UserID:      userID,
		Assignments: assignments,
		byTenant:    make(map[string][]string),
	}

	for _, a := range assignments {
		ca.byTenant[a.TenantID] = append(ca.byTenant[a.TenantID], a.Permissions...)
	}

	return ca
}

// PermissionsIn returns the permission strings held in one tenant. Passing
// an empty tenant gathers permissions across every tenant; that form is
// only meant for non-tenant-scoped checks.
func (ca *CallerAssignments) PermissionsIn(tenantID string) []string {
	if tenantID != "" {
		return ca.byTenant[tenantID]
	}

	var all []string
	for _, perms := range ca.byTenant {
		all = append(all, perms...)
	}
	return all
}

// Grants reports whether the snapshot allows an action on a slug inside a
// tenant. Pure set membership: the answer does not depend on assignment or
// permission iteration order.
func (ca *CallerAssignments) Grants(tenantID, slug, action string) bool {
	return MatchAnyPermission(ca.PermissionsIn(tenantID), slug, action)
}

// IsEmpty returns true if the caller holds no assignments.
func (ca *CallerAssignments) IsEmpty() bool {
	return len(ca.Assignments) == 0
}

// EntityAuditLog records a successful write for compliance and debugging.
type EntityAuditLog struct {
	bun.BaseModel `bun:"table:entity_audit_log,alias:eal"`

	ID        string    `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	Timestamp time.Time `bun:"timestamp,notnull,default:current_timestamp"`

	CallerID   string `bun:"caller_id"`
	TenantID   string `bun:"tenant_id"`
	EntityType string `bun:"entity_type,notnull"`
	Action     string `bun:"action,notnull"`

	Before map[string]any `bun:"before,type:jsonb"`
	After  map[string]any `bun:"after,type:jsonb"`

	// Request metadata for forensics
	IPAddress string `bun:"ip_address"`
	UserAgent string `bun:"user_agent"`
	RequestID string `bun:"request_id"`
}
