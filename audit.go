package crudkit

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/dbkit"
)

// DBAuditHook is the PostgreSQL-backed AuditHook. Every successful write is
// recorded as an EntityAuditLog row together with the request metadata
// placed in context by the middleware.
type DBAuditHook struct {
	db dbkit.IDB
}

// NewDBAuditHook creates a DBAuditHook over a dbkit connection.
func NewDBAuditHook(db dbkit.IDB) *DBAuditHook {
	return &DBAuditHook{db: db}
}

// Record implements AuditHook.
func (h *DBAuditHook) Record(ctx context.Context, entityType, action string, before, after Row, callerID, tenantID string) error {
	meta := AuditMetadataFrom(ctx)

	entry := &EntityAuditLog{
		CallerID:   callerID,
		TenantID:   tenantID,
		EntityType: entityType,
		Action:     action,
		Before:     before,
		After:      after,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		RequestID:  meta.RequestID,
	}

	result, err := h.db.NewInsert().Model(entry).Exec(ctx)
	return dbkit.WithErr(result, err, "RecordAudit").Err()
}

// History returns the audit trail for one entity, newest first.
func (h *DBAuditHook) History(ctx context.Context, entityType string, entityID any, limit int) ([]EntityAuditLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []EntityAuditLog
	err := dbkit.WithErr1(h.db.NewSelect().Model(&entries).
		Where("entity_type = ?", entityType).
		Where("after->>? = ?", "id", fmt.Sprint(entityID)).
		Order("timestamp DESC").
		Limit(limit).
		Scan(ctx), "AuditHistory").Err()
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CallerActivity returns a caller's recent writes across entity types,
// newest first.
func (h *DBAuditHook) CallerActivity(ctx context.Context, callerID string, limit int) ([]EntityAuditLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []EntityAuditLog
	err := dbkit.WithErr1(h.db.NewSelect().Model(&entries).
		Where("caller_id = ?", callerID).
		Order("timestamp DESC").
		Limit(limit).
		Scan(ctx), "CallerActivity").Err()
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CountEntries returns the number of audit entries recorded for a tenant.
func (h *DBAuditHook) CountEntries(ctx context.Context, tenantID string) (int, error) {
	return dbkit.Count[EntityAuditLog](ctx, h.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("tenant_id = ?", tenantID)
	})
}
