package crudkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditEntry struct {
	entityType string
	action     string
	before     Row
	after      Row
	callerID   string
	tenantID   string
}

// recordingAudit captures audit calls for assertions.
type recordingAudit struct {
	entries []auditEntry
}

func (r *recordingAudit) Record(_ context.Context, entityType, action string, before, after Row, callerID, tenantID string) error {
	r.entries = append(r.entries, auditEntry{entityType, action, before, after, callerID, tenantID})
	return nil
}

// TestServiceListScopesToTenant tests that List only returns the caller's
// tenant's rows, reached through the ownership path.
func TestServiceListScopesToTenant(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	ctx := engine.callerCtx("user-1", "org-1", "posts.index")
	rows, page, err := engine.svc.List(ctx, "posts", ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Default sort is title ascending.
	assert.Equal(t, "Alpha", rows[0]["title"])
	assert.Equal(t, "Beta", rows[1]["title"])
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.CurrentPage)

	other := engine.callerCtx("user-2", "org-2", "posts.index")
	rows, _, err = engine.svc.List(other, "posts", ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Gamma", rows[0]["title"])
}

// TestServiceListRedactsHiddenFields tests that hidden fields never reach
// the result set.
func TestServiceListRedactsHiddenFields(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	ctx := engine.callerCtx("user-1", "org-1", "blogs.index")
	rows, _, err := engine.svc.List(ctx, "blogs", ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0], "api_secret")
	assert.Contains(t, rows[0], "title")
}

// TestServiceListValidatesOptions tests that disallowed filter, sort,
// include and search options fail validation instead of being dropped.
func TestServiceListValidatesOptions(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	ctx := engine.callerCtx("user-1", "org-1", "posts.index", "comments.index")

	tests := []struct {
		name  string
		slug  string
		opts  ListOptions
		field string
	}{
		{"Filter not allowed", "posts", NewListOptions().WithFilter("body", "x"), "filter.body"},
		{"Sort not allowed", "posts", NewListOptions().WithSort("body"), "sort.body"},
		{"Include not allowed", "posts", NewListOptions().WithInclude("organization"), "include.organization"},
		{"Resource not searchable", "comments", NewListOptions().WithSearch("x"), "search"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := engine.svc.List(ctx, tt.slug, tt.opts)
			require.Error(t, err)
			assert.True(t, IsValidation(err))

			fields := FieldErrors(err)
			assert.Contains(t, fields, tt.field)
		})
	}
}

// TestServiceListPagination tests page clamping and metadata
func TestServiceListPagination(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	for i := 0; i < 30; i++ {
		engine.store.Seed("comments", Row{"post_id": "post-1", "body": "filler"})
	}

	ctx := engine.callerCtx("user-1", "org-1", "comments.index")

	rows, page, err := engine.svc.List(ctx, "comments", NewListOptions().WithPage(2).WithPerPage(10))
	require.NoError(t, err)
	assert.Len(t, rows, 10)
	assert.Equal(t, 2, page.CurrentPage)
	assert.Equal(t, 10, page.PerPage)
	assert.Equal(t, 31, page.Total)
	assert.Equal(t, 4, page.LastPage)

	// An oversized per_page clamps to the maximum instead of erroring.
	_, page, err = engine.svc.List(ctx, "comments", NewListOptions().WithPerPage(10_000))
	require.NoError(t, err)
	assert.Equal(t, MaxPerPage, page.PerPage)

	// No per_page falls back to the descriptor default.
	_, page, err = engine.svc.List(ctx, "comments", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPerPage, page.PerPage)
}

// TestServiceListIncludesRelations tests relation side-loading
func TestServiceListIncludesRelations(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	ctx := engine.callerCtx("user-1", "org-1", "posts.index")

	rows, _, err := engine.svc.List(ctx, "posts", NewListOptions().WithInclude("blog").WithInclude("comments"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		blog, ok := row["blog"].(Row)
		require.True(t, ok, "blog relation should be attached")
		assert.Equal(t, "blog-1", blog["id"])
	}

	byID := map[any]Row{}
	for _, row := range rows {
		byID[row["id"]] = row
	}
	assert.Len(t, byID["post-1"]["comments"], 1)
	assert.Empty(t, byID["post-2"]["comments"])
}

// TestServiceListEmptyTenantOnScopedResource tests that a scoped resource
// with no tenant context yields an empty page, never another tenant's rows.
func TestServiceListEmptyTenantOnScopedResource(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	ctx := engine.callerCtx("user-1", "", "posts.index", "settings.index", "settings.store")
	engine.store.Seed("settings", Row{"id": "s-1", "key": "theme", "value": "dark"})

	rows, page, err := engine.svc.List(ctx, "posts", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, page.CurrentPage)

	// Global resources are unaffected by the missing tenant.
	rows, _, err = engine.svc.List(ctx, "settings", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// TestServiceShow tests single-row reads under scope
func TestServiceShow(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	ctx := engine.callerCtx("user-1", "org-1", "posts.show", "organizations.show")

	row, err := engine.svc.Show(ctx, "posts", "post-1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", row["title"])

	// Another tenant's row reads as not-found, never forbidden.
	_, err = engine.svc.Show(ctx, "posts", "post-3")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsUnauthorized(err))

	// Same for the tenant root itself: org-2 does not exist as far as
	// org-1's callers can tell.
	org, err := engine.svc.Show(ctx, "organizations", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", org["name"])
	assert.NotContains(t, org, "billing_email")

	_, err = engine.svc.Show(ctx, "organizations", "org-2")
	assert.True(t, IsNotFound(err))
}

// TestServiceUnauthorized tests the permission gate on every operation
func TestServiceUnauthorized(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	// The caller holds only read permissions.
	ctx := engine.callerCtx("user-1", "org-1", "posts.index", "posts.show")

	_, err := engine.svc.Store(ctx, "posts", Row{"title": "x"})
	assert.True(t, IsUnauthorized(err))

	_, err = engine.svc.Update(ctx, "posts", "post-1", Row{"title": "x"})
	assert.True(t, IsUnauthorized(err))

	err = engine.svc.Destroy(ctx, "posts", "post-1")
	assert.True(t, IsUnauthorized(err))

	// Anonymous callers are denied outright.
	anon := WithTenant(context.Background(), "org-1")
	_, _, err = engine.svc.List(anon, "posts", ListOptions{})
	assert.True(t, IsUnauthorized(err))
}

// TestServiceUnknownResource tests slug resolution failures
func TestServiceUnknownResource(t *testing.T) {
	engine := newTestEngine()
	ctx := engine.callerCtx("user-1", "org-1", "*")

	_, _, err := engine.svc.List(ctx, "widgets", ListOptions{})
	assert.True(t, IsUnknownResource(err))

	// Soft-delete entry points on a non-soft-deleting resource read as an
	// unknown resource, as if the route were never registered.
	_, _, err = engine.svc.Trashed(ctx, "comments", ListOptions{})
	assert.True(t, IsUnknownResource(err))

	_, err = engine.svc.Restore(ctx, "comments", "comment-1")
	assert.True(t, IsUnknownResource(err))

	err = engine.svc.ForceDelete(ctx, "comments", "comment-1")
	assert.True(t, IsUnknownResource(err))
}

// TestServiceStore tests insertion with validation and tenant stamping
func TestServiceStore(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	ctx := engine.callerCtx("user-1", "org-1", "blogs.store", "posts.store")

	// Directly scoped entities get the tenant stamped server-side.
	blog, err := engine.svc.Store(ctx, "blogs", Row{"title": "Second Blog"})
	require.NoError(t, err)
	assert.Equal(t, "org-1", blog["organization_id"])
	assert.NotEmpty(t, blog["id"])
	assert.NotContains(t, blog, "api_secret")

	// Path-scoped entities are not stamped; ownership flows through the
	// parent reference.
	post, err := engine.svc.Store(ctx, "posts", Row{"blog_id": "blog-1", "title": "Delta", "body": "new"})
	require.NoError(t, err)
	assert.NotContains(t, post, "organization_id")

	// Non-fillable input is rejected field-by-field, not silently dropped.
	_, err = engine.svc.Store(ctx, "posts", Row{"title": "x", "id": "forged", "deleted_at": "now"})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	fields := FieldErrors(err)
	assert.Contains(t, fields, "id")
	assert.Contains(t, fields, "deleted_at")
	assert.NotContains(t, fields, "title")
}

// TestServiceUpdate tests scoped updates
func TestServiceUpdate(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	ctx := engine.callerCtx("user-1", "org-1", "posts.update")

	row, err := engine.svc.Update(ctx, "posts", "post-1", Row{"title": "Alpha v2"})
	require.NoError(t, err)
	assert.Equal(t, "Alpha v2", row["title"])
	assert.Equal(t, "first", row["body"])

	// Out-of-scope target reads as not-found before validation runs.
	_, err = engine.svc.Update(ctx, "posts", "post-3", Row{"title": "hijack"})
	assert.True(t, IsNotFound(err))

	_, err = engine.svc.Update(ctx, "posts", "post-1", Row{"id": "forged"})
	assert.True(t, IsValidation(err))
}

// TestServiceSoftDeleteLifecycle tests destroy, trashed, restore and force
// delete on a soft-deleting resource.
func TestServiceSoftDeleteLifecycle(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	ctx := engine.callerCtx("user-1", "org-1",
		"posts.show", "posts.destroy", "posts.trashed", "posts.restore", "posts.forceDelete")

	require.NoError(t, engine.svc.Destroy(ctx, "posts", "post-1"))

	// The row is gone from normal reads but present in the trashed view.
	_, err := engine.svc.Show(ctx, "posts", "post-1")
	assert.True(t, IsNotFound(err))

	trashed, _, err := engine.svc.Trashed(ctx, "posts", ListOptions{})
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, "post-1", trashed[0]["id"])

	// Restore brings it back without the marker.
	restored, err := engine.svc.Restore(ctx, "posts", "post-1")
	require.NoError(t, err)
	assert.NotContains(t, restored, "deleted_at")

	row, err := engine.svc.Show(ctx, "posts", "post-1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", row["title"])

	// Restore on a live row reads as not-found; only trashed rows qualify.
	_, err = engine.svc.Restore(ctx, "posts", "post-1")
	assert.True(t, IsNotFound(err))

	// Force delete removes the row for good, trashed or not.
	require.NoError(t, engine.svc.Destroy(ctx, "posts", "post-1"))
	require.NoError(t, engine.svc.ForceDelete(ctx, "posts", "post-1"))

	trashed, _, err = engine.svc.Trashed(ctx, "posts", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, trashed)
}

// TestServiceHardDelete tests destroy on a resource without soft deletes
func TestServiceHardDelete(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	ctx := engine.callerCtx("user-1", "org-1", "comments.destroy", "comments.show")

	require.NoError(t, engine.svc.Destroy(ctx, "comments", "comment-1"))
	assert.Equal(t, 1, engine.store.Count("comments"))

	_, err := engine.svc.Show(ctx, "comments", "comment-1")
	assert.True(t, IsNotFound(err))
}

// TestServiceAuditHook tests that successful writes reach the audit hook
// with before/after images and that reads never do.
func TestServiceAuditHook(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	audit := &recordingAudit{}
	svc := NewResourceService(engine.registry, engine.edges, engine.assignments, engine.store,
		WithAuditHook(audit),
	)

	ctx := engine.callerCtx("user-1", "org-1", "posts.*")

	created, err := svc.Store(ctx, "posts", Row{"blog_id": "blog-1", "title": "Audited", "body": "b"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, "posts", created["id"].(string), Row{"title": "Audited v2"})
	require.NoError(t, err)

	require.NoError(t, svc.Destroy(ctx, "posts", created["id"].(string)))

	_, _, err = svc.List(ctx, "posts", ListOptions{})
	require.NoError(t, err)

	require.Len(t, audit.entries, 3)

	assert.Equal(t, ActionStore, audit.entries[0].action)
	assert.Nil(t, audit.entries[0].before)
	assert.Equal(t, "Audited", audit.entries[0].after["title"])

	assert.Equal(t, ActionUpdate, audit.entries[1].action)
	assert.Equal(t, "Audited", audit.entries[1].before["title"])
	assert.Equal(t, "Audited v2", audit.entries[1].after["title"])

	assert.Equal(t, ActionDestroy, audit.entries[2].action)
	assert.Nil(t, audit.entries[2].after)

	for _, entry := range audit.entries {
		assert.Equal(t, "user-1", entry.callerID)
		assert.Equal(t, "org-1", entry.tenantID)
		assert.Equal(t, "posts", entry.entityType)
	}
}

// TestServiceSearch tests free-text search over declared columns
func TestServiceSearch(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()
	ctx := engine.callerCtx("user-1", "org-1", "posts.index")

	rows, _, err := engine.svc.List(ctx, "posts", NewListOptions().WithSearch("second"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Beta", rows[0]["title"])

	// Search never escapes the tenant scope.
	rows, _, err = engine.svc.List(ctx, "posts", NewListOptions().WithSearch("other tenant"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}
