package crudkit

import (
	"sync"
)

// DefaultPerPage is the page size used when a descriptor does not set one.
const DefaultPerPage = 15

// ResourceRegistry holds every resource descriptor for the application.
// It is created at startup and should be treated as immutable after
// initialization; concurrent reads require no external locking.
type ResourceRegistry struct {
	mu        sync.RWMutex
	resources map[string]*ResourceDescriptor
	byTable   map[string]*ResourceDescriptor // entity type -> descriptor

	rootTable    string // entity type of the tenant root
	tenantColumn string // column naming the owning tenant on direct-scoped types
}

// ResourceDescriptor describes one slug-addressed entity type: its table,
// field surface and how it reaches the tenant root. Configure it with the
// fluent methods and treat it as read-only afterwards.
type ResourceDescriptor struct {
	slug       string
	table      string
	primaryKey string

	fields   []string
	fillable map[string]bool
	hidden   []string

	filterable map[string]bool
	sortable   map[string]bool
	searchable []string
	includable map[string]bool

	defaultSort string
	softDeletes bool
	deletedAt   string

	paginate bool
	perPage  int

	tenantColumn  string
	ownershipPath string

	registry *ResourceRegistry
}

// NewResourceRegistry creates a registry rooted at the given tenant entity
// type. tenantColumn is the column direct-scoped entity types use to name
// their owning tenant.
//
// Example:
//
//	registry := crudkit.NewResourceRegistry("organizations", "organization_id")
func NewResourceRegistry(rootTable, tenantColumn string) *ResourceRegistry {
	return &ResourceRegistry{
		resources:    make(map[string]*ResourceDescriptor),
		byTable:      make(map[string]*ResourceDescriptor),
		rootTable:    rootTable,
		tenantColumn: tenantColumn,
	}
}

// Define starts describing a new resource under a slug. The table defaults
// to the slug itself.
//
// Example:
//
//	registry.Define("posts").
//	    Fields("id", "blog_id", "title", "body").
//	    Fillable("blog_id", "title", "body").
//	    OwnedThrough("blog")
func (r *ResourceRegistry) Define(slug string) *ResourceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc := &ResourceDescriptor{
		slug:       slug,
		table:      slug,
		primaryKey: "id",
		fillable:   make(map[string]bool),
		filterable: make(map[string]bool),
		sortable:   make(map[string]bool),
		includable: make(map[string]bool),
		deletedAt:  "deleted_at",
		paginate:   true,
		perPage:    DefaultPerPage,
		registry:   r,
	}
	r.resources[slug] = desc
	r.byTable[desc.table] = desc
	return desc
}

// Resolve returns the descriptor registered under a slug. An unregistered
// slug yields ErrUnknownResource, which callers must surface as not-found.
func (r *ResourceRegistry) Resolve(slug string) (*ResourceDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.resources[slug]
	if !ok {
		return nil, NewError(ErrUnknownResource, "no resource registered for slug").WithResource(slug)
	}
	return desc, nil
}

// ByEntityType reverse-looks-up the descriptor for an entity type. This is
// the slug<->type index built at registration time; there is no per-request
// scan.
func (r *ResourceRegistry) ByEntityType(table string) (*ResourceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.byTable[table]
	return desc, ok
}

// Slugs returns all registered slugs.
func (r *ResourceRegistry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slugs := make([]string, 0, len(r.resources))
	for slug := range r.resources {
		slugs = append(slugs, slug)
	}
	return slugs
}

// TenantRootType returns the entity type acting as the tenant root.
func (r *ResourceRegistry) TenantRootType() string {
	return r.rootTable
}

// TenantColumn returns the column direct-scoped entity types carry.
func (r *ResourceRegistry) TenantColumn() string {
	return r.tenantColumn
}

// ============================================================================
// DESCRIPTOR BUILDER
// ============================================================================

// Table overrides the backing table (entity type) for this resource.
func (d *ResourceDescriptor) Table(table string) *ResourceDescriptor {
	d.registry.mu.Lock()
	defer d.registry.mu.Unlock()

	delete(d.registry.byTable, d.table)
	d.table = table
	d.registry.byTable[table] = d
	return d
}

// PrimaryKey overrides the primary key column (default "id").
func (d *ResourceDescriptor) PrimaryKey(column string) *ResourceDescriptor {
	d.primaryKey = column
	return d
}

// Fields declares the ordered field list serialized for this resource.
func (d *ResourceDescriptor) Fields(fields ...string) *ResourceDescriptor {
	d.fields = append(d.fields, fields...)
	return d
}

// Fillable declares which fields writes may set.
func (d *ResourceDescriptor) Fillable(fields ...string) *ResourceDescriptor {
	for _, f := range fields {
		d.fillable[f] = true
	}
	return d
}

// Hidden declares fields always stripped from responses for this resource,
// regardless of caller.
func (d *ResourceDescriptor) Hidden(fields ...string) *ResourceDescriptor {
	d.hidden = append(d.hidden, fields...)
	return d
}

// Filterable declares which fields list queries may filter on.
func (d *ResourceDescriptor) Filterable(fields ...string) *ResourceDescriptor {
	for _, f := range fields {
		d.filterable[f] = true
	}
	return d
}

// Sortable declares which fields list queries may sort on.
func (d *ResourceDescriptor) Sortable(fields ...string) *ResourceDescriptor {
	for _, f := range fields {
		d.sortable[f] = true
	}
	return d
}

// Searchable declares the columns matched by free-text search.
func (d *ResourceDescriptor) Searchable(fields ...string) *ResourceDescriptor {
	d.searchable = append(d.searchable, fields...)
	return d
}

// Includable declares which relations list queries may side-load.
func (d *ResourceDescriptor) Includable(relations ...string) *ResourceDescriptor {
	for _, rel := range relations {
		d.includable[rel] = true
	}
	return d
}

// DefaultSort sets the sort applied when a query requests none.
func (d *ResourceDescriptor) DefaultSort(sort string) *ResourceDescriptor {
	d.defaultSort = sort
	return d
}

// SoftDeletes enables the trashed/restore/forceDelete action set. Deleted
// rows are marked via the deleted-at column rather than removed.
func (d *ResourceDescriptor) SoftDeletes() *ResourceDescriptor {
	d.softDeletes = true
	return d
}

// DeletedAtColumn overrides the soft-delete marker column (default
// "deleted_at").
func (d *ResourceDescriptor) DeletedAtColumn(column string) *ResourceDescriptor {
	d.deletedAt = column
	return d
}

// NoPagination disables pagination for this resource; lists return every
// matching row.
func (d *ResourceDescriptor) NoPagination() *ResourceDescriptor {
	d.paginate = false
	return d
}

// PerPage sets the default page size for this resource.
func (d *ResourceDescriptor) PerPage(n int) *ResourceDescriptor {
	d.perPage = n
	return d
}

// TenantColumn declares this resource directly tenant-scoped through the
// given column.
func (d *ResourceDescriptor) TenantColumn(column string) *ResourceDescriptor {
	d.tenantColumn = column
	return d
}

// OwnedThrough declares the relationship chain this resource follows to
// reach the tenant root, as dot-separated relation names ("blog" or
// "post.blog"). Explicit paths always take precedence over the raw
// relationship graph during scope resolution.
func (d *ResourceDescriptor) OwnedThrough(path string) *ResourceDescriptor {
	d.ownershipPath = path
	return d
}

// Define continues defining resources on the registry (fluent API).
func (d *ResourceDescriptor) Define(slug string) *ResourceDescriptor {
	return d.registry.Define(slug)
}

// ============================================================================
// DESCRIPTOR ACCESSORS
// ============================================================================

// Slug returns the slug this resource is registered under.
func (d *ResourceDescriptor) Slug() string { return d.slug }

// EntityType returns the backing table.
func (d *ResourceDescriptor) EntityType() string { return d.table }

// PrimaryKeyColumn returns the primary key column.
func (d *ResourceDescriptor) PrimaryKeyColumn() string { return d.primaryKey }

// FieldList returns the ordered field list.
func (d *ResourceDescriptor) FieldList() []string { return d.fields }

// IsFillable reports whether writes may set a field.
func (d *ResourceDescriptor) IsFillable(field string) bool { return d.fillable[field] }

// HiddenFields returns the statically hidden field set.
func (d *ResourceDescriptor) HiddenFields() []string { return d.hidden }

// IsFilterable reports whether list queries may filter on a field.
func (d *ResourceDescriptor) IsFilterable(field string) bool { return d.filterable[field] }

// IsSortable reports whether list queries may sort on a field.
func (d *ResourceDescriptor) IsSortable(field string) bool { return d.sortable[field] }

// SearchColumns returns the free-text search columns.
func (d *ResourceDescriptor) SearchColumns() []string { return d.searchable }

// IsIncludable reports whether a relation may be side-loaded.
func (d *ResourceDescriptor) IsIncludable(relation string) bool { return d.includable[relation] }

// SortDefault returns the default sort expression, or "".
func (d *ResourceDescriptor) SortDefault() string { return d.defaultSort }

// HasSoftDeletes reports whether the soft-delete action set is enabled.
func (d *ResourceDescriptor) HasSoftDeletes() bool { return d.softDeletes }

// DeletedAt returns the soft-delete marker column.
func (d *ResourceDescriptor) DeletedAt() string { return d.deletedAt }

// Paginates reports whether lists of this resource are paginated.
func (d *ResourceDescriptor) Paginates() bool { return d.paginate }

// PageSize returns the default page size.
func (d *ResourceDescriptor) PageSize() int { return d.perPage }

// TenantScopeColumn returns the direct tenant column, or "".
func (d *ResourceDescriptor) TenantScopeColumn() string { return d.tenantColumn }

// OwnershipPath returns the declared relationship chain to the tenant root,
// or "".
func (d *ResourceDescriptor) OwnershipPath() string { return d.ownershipPath }

// ActionsFor returns the action vocabulary served for this resource.
func (d *ResourceDescriptor) ActionsFor() []string {
	return Actions(d.softDeletes)
}
