package crudkit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a DataStore and counts every call that reaches it,
// to prove the early rejection phases never touch storage.
type countingStore struct {
	inner DataStore
	calls int
}

func (c *countingStore) Find(ctx context.Context, entityType string, q Query) ([]Row, PageInfo, error) {
	c.calls++
	return c.inner.Find(ctx, entityType, q)
}

func (c *countingStore) FindOne(ctx context.Context, entityType string, q Query) (Row, error) {
	c.calls++
	return c.inner.FindOne(ctx, entityType, q)
}

func (c *countingStore) Insert(ctx context.Context, entityType string, data Row) (Row, error) {
	c.calls++
	return c.inner.Insert(ctx, entityType, data)
}

func (c *countingStore) Update(ctx context.Context, entityType string, row Row, data Row) (Row, error) {
	c.calls++
	return c.inner.Update(ctx, entityType, row, data)
}

func (c *countingStore) Delete(ctx context.Context, entityType string, row Row, force bool) error {
	c.calls++
	return c.inner.Delete(ctx, entityType, row, force)
}

func (c *countingStore) Restore(ctx context.Context, entityType string, row Row) error {
	c.calls++
	return c.inner.Restore(ctx, entityType, row)
}

func (c *countingStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error {
	c.calls++
	return c.inner.WithTransaction(ctx, fn)
}

func (c *countingStore) RelationshipMetadata(entityType string) []RelationshipEdge {
	return c.inner.RelationshipMetadata(entityType)
}

// insertFailure is shared between a failingStore and its transaction views.
type insertFailure struct {
	failOn  int // 1-based insert number to fail
	inserts int
}

// failingStore delegates to an inner DataStore but fails the Nth insert,
// to simulate a storage failure mid-batch.
type failingStore struct {
	inner DataStore
	state *insertFailure
}

func (f *failingStore) Find(ctx context.Context, entityType string, q Query) ([]Row, PageInfo, error) {
	return f.inner.Find(ctx, entityType, q)
}

func (f *failingStore) FindOne(ctx context.Context, entityType string, q Query) (Row, error) {
	return f.inner.FindOne(ctx, entityType, q)
}

func (f *failingStore) Insert(ctx context.Context, entityType string, data Row) (Row, error) {
	f.state.inserts++
	if f.state.inserts == f.state.failOn {
		return nil, errors.New("simulated storage failure")
	}
	return f.inner.Insert(ctx, entityType, data)
}

func (f *failingStore) Update(ctx context.Context, entityType string, row Row, data Row) (Row, error) {
	return f.inner.Update(ctx, entityType, row, data)
}

func (f *failingStore) Delete(ctx context.Context, entityType string, row Row, force bool) error {
	return f.inner.Delete(ctx, entityType, row, force)
}

func (f *failingStore) Restore(ctx context.Context, entityType string, row Row) error {
	return f.inner.Restore(ctx, entityType, row)
}

func (f *failingStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error {
	return f.inner.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		return fn(ctx, &failingStore{inner: tx, state: f.state})
	})
}

func (f *failingStore) RelationshipMetadata(entityType string) []RelationshipEdge {
	return f.inner.RelationshipMetadata(entityType)
}

// nestedFixture wires a coordinator over a counting store and the shared
// two-tenant fixture.
func nestedFixture(config CoordinatorConfig) (*testEngine, *countingStore, *Coordinator) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	counting := &countingStore{inner: engine.store}
	engine.svc = NewResourceService(engine.registry, engine.edges, engine.assignments, counting)

	return engine, counting, NewCoordinator(engine.svc, config)
}

// TestCoordinatorStructuralValidation tests that malformed batches are
// rejected as a whole, with field-path-qualified messages, before any
// storage call is made.
func TestCoordinatorStructuralValidation(t *testing.T) {
	tests := []struct {
		name       string
		operations []NestedOperation
		field      string
	}{
		{
			"Unknown action",
			[]NestedOperation{{Resource: "posts", Action: "upsert", Data: Row{}}},
			"operations[0].action",
		},
		{
			"Update without id",
			[]NestedOperation{{Resource: "posts", Action: NestedUpdate, Data: Row{}}},
			"operations[0].id",
		},
		{
			"Missing data payload",
			[]NestedOperation{{Resource: "posts", Action: NestedCreate}},
			"operations[0].data",
		},
		{
			"Missing resource",
			[]NestedOperation{{Action: NestedCreate, Data: Row{}}},
			"operations[0].resource",
		},
		{
			"Unknown resource",
			[]NestedOperation{{Resource: "widgets", Action: NestedCreate, Data: Row{}}},
			"operations[0].resource",
		},
		{
			"Bad item deep in the batch",
			[]NestedOperation{
				{Resource: "posts", Action: NestedCreate, Data: Row{"title": "ok"}},
				{Resource: "posts", Action: NestedCreate, Data: Row{"title": "ok"}},
				{Resource: "posts", Action: "drop", Data: Row{}},
			},
			"operations[2].action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, counting, coordinator := nestedFixture(CoordinatorConfig{})
			ctx := engine.callerCtx("user-1", "org-1", "*")

			_, err := coordinator.Execute(ctx, tt.operations)
			require.Error(t, err)
			assert.True(t, IsStructural(err))
			assert.Contains(t, FieldErrors(err), tt.field)
			assert.Zero(t, counting.calls, "structural failures must not reach storage")
		})
	}
}

// TestCoordinatorEmptyAndOversizedBatches tests the batch size bounds
func TestCoordinatorEmptyAndOversizedBatches(t *testing.T) {
	engine, counting, coordinator := nestedFixture(CoordinatorConfig{MaxOperations: 3})
	ctx := engine.callerCtx("user-1", "org-1", "*")

	_, err := coordinator.Execute(ctx, nil)
	assert.True(t, IsStructural(err))

	oversized := make([]NestedOperation, 4)
	for i := range oversized {
		oversized[i] = NestedOperation{Resource: "posts", Action: NestedCreate, Data: Row{"title": "x"}}
	}
	_, err = coordinator.Execute(ctx, oversized)
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.Contains(t, err.Error(), "maximum of 3")
	assert.Zero(t, counting.calls)
}

// TestCoordinatorAllowList tests the resource allow-list
func TestCoordinatorAllowList(t *testing.T) {
	engine, _, coordinator := nestedFixture(CoordinatorConfig{AllowedResources: []string{"posts"}})
	ctx := engine.callerCtx("user-1", "org-1", "*")

	_, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "comments", Action: NestedCreate, Data: Row{"post_id": "post-1", "body": "x"}},
	})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.Contains(t, FieldErrors(err), "operations[0].resource")
}

// TestCoordinatorValidationIsAtomic tests that one invalid operation
// rejects the whole batch, with errors keyed by operation index and field,
// before any storage call.
func TestCoordinatorValidationIsAtomic(t *testing.T) {
	engine, counting, coordinator := nestedFixture(CoordinatorConfig{})
	ctx := engine.callerCtx("user-1", "org-1", "*")

	_, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedCreate, Data: Row{"blog_id": "blog-1", "title": "fine"}},
		{Resource: "posts", Action: NestedCreate, Data: Row{"title": "bad", "id": "forged"}},
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	fields := FieldErrors(err)
	assert.Contains(t, fields, "operations[1].data.id")
	assert.NotContains(t, fields, "operations[0].data.title")

	assert.Zero(t, counting.calls, "validation failures must not reach storage")
	assert.Equal(t, 0, engine.store.Count("posts")-3, "nothing may be applied")
}

// TestCoordinatorAuthorization tests per-operation permission gating and
// scoped target loading.
func TestCoordinatorAuthorization(t *testing.T) {
	engine, _, coordinator := nestedFixture(CoordinatorConfig{})

	// The caller may create posts but not comments.
	ctx := engine.callerCtx("user-1", "org-1", "posts.*")

	_, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedCreate, Data: Row{"blog_id": "blog-1", "title": "ok"}},
		{Resource: "comments", Action: NestedCreate, Data: Row{"post_id": "post-1", "body": "denied"}},
	})
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "operations[1]")

	// No partial application: the first operation did not run.
	assert.Equal(t, 3, engine.store.Count("posts"))

	// An update target outside the caller's tenant reads as not-found.
	_, err = coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedUpdate, ID: "post-3", Data: Row{"title": "hijack"}},
	})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "operations[0]: target not found")
}

// TestCoordinatorExecutesMixedBatch tests a successful batch spanning two
// resource types, with results in input order.
func TestCoordinatorExecutesMixedBatch(t *testing.T) {
	engine, _, coordinator := nestedFixture(CoordinatorConfig{})
	ctx := engine.callerCtx("user-1", "org-1", "posts.*", "comments.*")

	results, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedCreate, Data: Row{"blog_id": "blog-1", "title": "Delta", "body": "d"}},
		{Resource: "posts", Action: NestedUpdate, ID: "post-1", Data: Row{"title": "Alpha v2"}},
		{Resource: "comments", Action: NestedCreate, Data: Row{"post_id": "post-1", "body": "batch comment"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "posts", results[0].Resource)
	assert.Equal(t, NestedCreate, results[0].Action)
	assert.NotEmpty(t, results[0].ID)
	assert.Equal(t, "Delta", results[0].Entity["title"])

	assert.Equal(t, NestedUpdate, results[1].Action)
	assert.Equal(t, "post-1", results[1].ID)
	assert.Equal(t, "Alpha v2", results[1].Entity["title"])

	assert.Equal(t, "comments", results[2].Resource)
	assert.Equal(t, "batch comment", results[2].Entity["body"])

	assert.Equal(t, 4, engine.store.Count("posts"))
	assert.Equal(t, 3, engine.store.Count("comments"))
}

// TestCoordinatorRollsBackOnFailure tests that a runtime failure mid-batch
// rolls back every already-applied operation.
func TestCoordinatorRollsBackOnFailure(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	// The second insert of the batch fails at execution time.
	failing := &failingStore{inner: engine.store, state: &insertFailure{failOn: 2}}
	engine.svc = NewResourceService(engine.registry, engine.edges, engine.assignments, failing)
	coordinator := NewCoordinator(engine.svc, CoordinatorConfig{})

	ctx := engine.callerCtx("user-1", "org-1", "posts.*", "comments.*")

	_, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedCreate, Data: Row{"blog_id": "blog-1", "title": "Doomed"}},
		{Resource: "posts", Action: NestedUpdate, ID: "post-1", Data: Row{"title": "Doomed v2"}},
		{Resource: "comments", Action: NestedCreate, Data: Row{"post_id": "post-1", "body": "clash"}},
	})
	require.Error(t, err)
	assert.True(t, IsTransactionFailure(err))
	assert.Contains(t, err.Error(), "operations[2]")

	// Everything rolled back: no new post, no renamed title, no comment.
	assert.Equal(t, 3, engine.store.Count("posts"))
	assert.Equal(t, 2, engine.store.Count("comments"))

	row, err := engine.store.FindOne(context.Background(), "posts", Query{
		Filters: []Filter{{Field: "id", Op: OpEq, Value: "post-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alpha", row["title"])
}

// TestCoordinatorStampsTenantOnCreates tests that directly scoped entities
// created in a batch carry the caller's tenant.
func TestCoordinatorStampsTenantOnCreates(t *testing.T) {
	engine, _, coordinator := nestedFixture(CoordinatorConfig{})
	ctx := engine.callerCtx("user-1", "org-1", "blogs.*")

	results, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "blogs", Action: NestedCreate, Data: Row{"title": "Batch Blog"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "org-1", results[0].Entity["organization_id"])
}

// TestCoordinatorAuditsBatchWrites tests that each applied operation
// reaches the audit hook.
func TestCoordinatorAuditsBatchWrites(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	audit := &recordingAudit{}
	engine.svc = NewResourceService(engine.registry, engine.edges, engine.assignments, engine.store,
		WithAuditHook(audit),
	)
	coordinator := NewCoordinator(engine.svc, CoordinatorConfig{})

	ctx := engine.callerCtx("user-1", "org-1", "posts.*")
	_, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedCreate, Data: Row{"blog_id": "blog-1", "title": "A"}},
		{Resource: "posts", Action: NestedUpdate, ID: "post-1", Data: Row{"title": "B"}},
	})
	require.NoError(t, err)

	require.Len(t, audit.entries, 2)
	assert.Equal(t, ActionStore, audit.entries[0].action)
	assert.Equal(t, ActionUpdate, audit.entries[1].action)
	assert.Equal(t, "Alpha", audit.entries[1].before["title"])
}

// TestCoordinatorMetrics tests batch statistics collection
func TestCoordinatorMetrics(t *testing.T) {
	engine := newTestEngine()
	engine.seedTwoTenants()

	// The second insert across batches fails, so batch one succeeds and
	// batch two fails at execution time.
	failing := &failingStore{inner: engine.store, state: &insertFailure{failOn: 2}}
	engine.svc = NewResourceService(engine.registry, engine.edges, engine.assignments, failing)
	coordinator := NewCoordinator(engine.svc, CoordinatorConfig{})

	ctx := engine.callerCtx("user-1", "org-1", "posts.*")

	_, err := coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedCreate, Data: Row{"blog_id": "blog-1", "title": "ok"}},
	})
	require.NoError(t, err)

	_, err = coordinator.Execute(ctx, []NestedOperation{
		{Resource: "posts", Action: NestedCreate, Data: Row{"blog_id": "blog-1", "title": "doomed"}},
	})
	require.Error(t, err)
	assert.True(t, IsTransactionFailure(err))

	metrics := coordinator.Metrics()
	assert.Equal(t, int64(2), metrics.TotalBatches)
	assert.Equal(t, int64(1), metrics.SuccessfulBatches)
	assert.Equal(t, int64(1), metrics.FailedBatches)
	assert.GreaterOrEqual(t, metrics.MaxDuration, metrics.MinDuration)

	coordinator.ResetMetrics()
	metrics = coordinator.Metrics()
	assert.Zero(t, metrics.TotalBatches)
	assert.Zero(t, metrics.FailedBatches)

	// Structural rejections happen before execution and are not counted
	// as batches.
	_, err = coordinator.Execute(ctx, nil)
	require.Error(t, err)
	assert.Zero(t, coordinator.Metrics().TotalBatches)
}

// TestCoordinatorDefaultMaxBatchSize tests the default size cap
func TestCoordinatorDefaultMaxBatchSize(t *testing.T) {
	engine, _, coordinator := nestedFixture(CoordinatorConfig{})
	ctx := engine.callerCtx("user-1", "org-1", "posts.*")

	oversized := make([]NestedOperation, DefaultMaxBatchSize+1)
	for i := range oversized {
		oversized[i] = NestedOperation{Resource: "posts", Action: NestedCreate, Data: Row{"title": "x"}}
	}

	_, err := coordinator.Execute(ctx, oversized)
	require.Error(t, err)
	assert.True(t, IsStructural(err))
	assert.True(t, strings.Contains(err.Error(), "26"))
}
