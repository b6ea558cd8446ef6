// Package crudkit provides an entity-agnostic CRUD access layer with
// role-based authorization, multi-tenant scoping and per-caller field
// redaction.
//
// CrudKit serves list/create/read/update/delete operations over any set of
// database-backed entity types declared in a resource registry. No per-type
// handler code is required: the registry describes each resource (fields,
// filters, ownership), and the kit enforces permissions, narrows every query
// to the caller's tenant and hides fields the caller must not see.
//
// # Core Concepts
//
// Resource: a slug-addressed entity type described by a ResourceDescriptor
// (table, fields, fillable set, allowed filters/sorts, soft-delete support,
// ownership path).
//
// Permission: a string of the form "{slug}.{action}". Supports wildcards:
// "*" (everything) and "{slug}.*" (all actions on one resource). Actions are
// index, show, store, update, destroy, plus trashed, restore and forceDelete
// for soft-deleting resources.
//
// Tenant: the isolation boundary (an organization). Every tenant-scoped row
// belongs to exactly one tenant, either through a tenant column or through a
// declared ownership path that chains relations toward the tenant root.
//
// Redaction: per-response hiding of fields based on caller identity. Always
// additive: a caller policy can hide more, never reveal more.
//
// # Key Features
//
//   - Entity-agnostic: one engine for every registered resource type
//   - Declarative tenancy: ownership paths walk the relationship graph,
//     no per-type scoping code
//   - Wildcard permissions: *, {slug}.*, {slug}.{action}
//   - Cached redaction: the caller policy runs once per (type, caller) pair
//     no matter how many rows a response serializes
//   - Atomic batches: multi-resource create/update requests execute inside
//     a single transaction, all-or-nothing
//   - DBKit integration: uses your existing database connection
//
// # Basic Usage
//
//	// 1. Describe your resources (at application startup)
//	registry := crudkit.NewResourceRegistry("organizations", "organization_id")
//
//	registry.Define("blogs").
//	    Table("blogs").
//	    Fields("id", "organization_id", "name", "created_at").
//	    Fillable("name").
//	    TenantColumn("organization_id")
//
//	registry.Define("posts").
//	    Table("posts").
//	    Fields("id", "blog_id", "title", "body", "created_at").
//	    Fillable("blog_id", "title", "body").
//	    OwnedThrough("blog")
//
//	// 2. Declare the relationship graph
//	edges := crudkit.NewEdgeSet(
//	    crudkit.Edge{Source: "posts", Name: "blog", Target: "blogs", ForeignKey: "blog_id"},
//	)
//
//	// 3. Wire the engine against your database
//	db, _ := dbkit.New(dbkit.Config{URL: "postgres://..."})
//	store := crudkit.NewStore(db, registry, edges)
//	assignments := crudkit.NewAssignmentStore(db)
//	svc := crudkit.NewResourceService(registry, edges, assignments, store,
//	    crudkit.WithAuditHook(crudkit.NewDBAuditHook(db)),
//	)
//
//	// 4. Serve operations
//	rows, page, err := svc.List(ctx, "posts", crudkit.NewListOptions().WithPerPage(25))
//	row, err := svc.Show(ctx, "posts", postID)
//	row, err = svc.Store(ctx, "posts", crudkit.Row{"blog_id": blogID, "title": "hello"})
//
// Caller identity and tenant travel in the context:
//
//	ctx = crudkit.WithCaller(ctx, userID)
//	ctx = crudkit.WithTenant(ctx, orgID)
//
// # Nested Batches
//
// A batch of create/update operations spanning multiple resource types runs
// inside one transaction. Any validation, authorization or storage failure
// rejects the whole batch; partial application is never observable.
//
//	results, err := coordinator.Execute(ctx, []crudkit.NestedOperation{
//	    {Resource: "blogs", Action: crudkit.NestedCreate, Data: crudkit.Row{"name": "eng"}},
//	    {Resource: "posts", Action: crudkit.NestedCreate, Data: crudkit.Row{"title": "first"}},
//	})
//
// # Existence Hiding
//
// Requesting the tenant root row of a different tenant resolves to not-found
// rather than forbidden, so callers cannot probe which tenants exist.
package crudkit
