package crudkit

import (
	"github.com/fernandezvara/dbkit"
)

// Migrations returns the database migrations CrudKit's own tables require:
// role assignments and the entity audit log. Application entity tables are
// the application's responsibility.
// Use db.Migrate(ctx, crudkit.Migrations()) to run them.
func Migrations() []dbkit.Migration {
	return []dbkit.Migration{
		{
			ID:          "crudkit-001",
			Description: "Create role_assignments table",
			SQL: `
                CREATE TABLE IF NOT EXISTS role_assignments (
                    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
                    user_id TEXT NOT NULL,
                    tenant_id TEXT NOT NULL,
                    permissions TEXT[] NOT NULL DEFAULT '{}',
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    UNIQUE (user_id, tenant_id)
                )`,
		},
		{
			ID:          "crudkit-002",
			Description: "Index role_assignments by user",
			SQL: `
                CREATE INDEX IF NOT EXISTS idx_role_assignments_user
                    ON role_assignments (user_id)`,
		},
		{
			ID:          "crudkit-003",
			Description: "Create entity_audit_log table",
			SQL: `
                CREATE TABLE IF NOT EXISTS entity_audit_log (
                    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
                    timestamp TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    caller_id TEXT,
                    tenant_id TEXT,
                    entity_type TEXT NOT NULL,
                    action TEXT NOT NULL,
                    before JSONB,
                    after JSONB,
                    ip_address TEXT,
                    user_agent TEXT,
                    request_id TEXT
                )`,
		},
		{
			ID:          "crudkit-004",
			Description: "Index entity_audit_log by tenant and entity type",
			SQL: `
                CREATE INDEX IF NOT EXISTS idx_entity_audit_log_tenant
                    ON entity_audit_log (tenant_id, entity_type, timestamp DESC)`,
		},
	}
}
