package crudkit

import (
	"context"
	"fmt"
)

// ResourceService serves the per-slug operation surface: it resolves the
// descriptor, gates the action through the permission evaluator, narrows
// reads and writes to the caller's tenant and redacts results before they
// are serialized.
//
// The service is stateless per request; the only shared mutable state is
// the redaction cache, which synchronizes internally.
type ResourceService struct {
	registry  *ResourceRegistry
	scopes    *ScopeResolver
	evaluator *Evaluator
	redactor  *Redactor
	store     DataStore
	validator Validator
	identity  IdentityProvider
	audit     AuditHook
}

// ResourceServiceOption configures the ResourceService.
type ResourceServiceOption func(*ResourceService)

// WithValidator replaces the default fillable-fields validator.
func WithValidator(v Validator) ResourceServiceOption {
	return func(s *ResourceService) { s.validator = v }
}

// WithIdentityProvider replaces the default context-based identity
// provider.
func WithIdentityProvider(p IdentityProvider) ResourceServiceOption {
	return func(s *ResourceService) { s.identity = p }
}

// WithAuditHook installs an audit hook invoked after each successful write.
func WithAuditHook(h AuditHook) ResourceServiceOption {
	return func(s *ResourceService) { s.audit = h }
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) ResourceServiceOption {
	return func(s *ResourceService) { s.redactor = r }
}

// NewResourceService wires the engine together.
//
// Example:
//
//	svc := crudkit.NewResourceService(registry, edges, store, store,
//	    crudkit.WithAuditHook(store.AuditHook()),
//	)
func NewResourceService(registry *ResourceRegistry, edges *EdgeSet, assignments AssignmentSource, store DataStore, opts ...ResourceServiceOption) *ResourceService {
	s := &ResourceService{
		registry:  registry,
		scopes:    NewScopeResolver(registry, edges),
		evaluator: NewEvaluator(assignments),
		redactor:  NewRedactor(registry),
		store:     store,
		validator: FillableValidator{},
		identity:  ContextIdentity{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Registry returns the resource registry.
func (s *ResourceService) Registry() *ResourceRegistry { return s.registry }

// Scopes returns the tenant scope resolver.
func (s *ResourceService) Scopes() *ScopeResolver { return s.scopes }

// Evaluator returns the permission evaluator.
func (s *ResourceService) Evaluator() *Evaluator { return s.evaluator }

// Redactor returns the field redactor.
func (s *ResourceService) Redactor() *Redactor { return s.redactor }

// ============================================================================
// READ OPERATIONS
// ============================================================================

// List returns a page of rows for a slug, scoped to the caller's tenant and
// redacted for the caller. Pagination metadata travels out-of-band from the
// rows.
func (s *ResourceService) List(ctx context.Context, slug string, opts ListOptions) ([]Row, PageInfo, error) {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionIndex)
	if err != nil {
		return nil, PageInfo{}, err
	}

	q, err := s.buildListQuery(desc, tenant, opts, false)
	if err != nil {
		return nil, PageInfo{}, err
	}

	// Scoped entity, no tenant: empty result, never someone else's rows.
	if q.Scope.IsScoped() && tenant == "" {
		return []Row{}, PageInfo{CurrentPage: 1, LastPage: 1, PerPage: q.PerPage}, nil
	}

	rows, page, err := s.store.Find(ctx, desc.EntityType(), q)
	if err != nil {
		return nil, PageInfo{}, err
	}

	return s.redactor.Apply(desc.EntityType(), caller, rows), page, nil
}

// Show returns a single row by id. A row outside the caller's tenant scope
// reads as not-found, never forbidden; for the tenant root that hides the
// existence of other tenants.
func (s *ResourceService) Show(ctx context.Context, slug, id string) (Row, error) {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionShow)
	if err != nil {
		return nil, err
	}

	row, err := s.loadScoped(ctx, s.store, desc, tenant, id, trashedHidden)
	if err != nil {
		return nil, err
	}

	return s.redactor.ApplyOne(desc.EntityType(), caller, row), nil
}

// Trashed returns a page of soft-deleted rows. Only available on resources
// with soft deletes enabled.
func (s *ResourceService) Trashed(ctx context.Context, slug string, opts ListOptions) ([]Row, PageInfo, error) {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionTrashed)
	if err != nil {
		return nil, PageInfo{}, err
	}

	q, err := s.buildListQuery(desc, tenant, opts, true)
	if err != nil {
		return nil, PageInfo{}, err
	}

	if q.Scope.IsScoped() && tenant == "" {
		return []Row{}, PageInfo{CurrentPage: 1, LastPage: 1, PerPage: q.PerPage}, nil
	}

	rows, page, err := s.store.Find(ctx, desc.EntityType(), q)
	if err != nil {
		return nil, PageInfo{}, err
	}

	return s.redactor.Apply(desc.EntityType(), caller, rows), page, nil
}

// ============================================================================
// WRITE OPERATIONS
// ============================================================================

// Store validates input, stamps the tenant on directly scoped entities and
// inserts a new row.
func (s *ResourceService) Store(ctx context.Context, slug string, input Row) (Row, error) {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionStore)
	if err != nil {
		return nil, err
	}

	data, fieldErrors := s.validator.Validate(ctx, desc, ActionStore, input)
	if len(fieldErrors) > 0 {
		return nil, NewError(ErrValidation, "input rejected").
			WithResource(slug).
			WithFields(fieldErrors)
	}

	data = s.scopes.StampTenant(data, desc.EntityType(), tenant)

	row, err := s.store.Insert(ctx, desc.EntityType(), data)
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, desc.EntityType(), ActionStore, nil, row, caller, tenant)

	return s.redactor.ApplyOne(desc.EntityType(), caller, row), nil
}

// Update loads the target row under the tenant scope, validates the input
// and applies it. An out-of-scope or missing id reads as not-found.
func (s *ResourceService) Update(ctx context.Context, slug, id string, input Row) (Row, error) {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionUpdate)
	if err != nil {
		return nil, err
	}

	before, err := s.loadScoped(ctx, s.store, desc, tenant, id, trashedHidden)
	if err != nil {
		return nil, err
	}

	data, fieldErrors := s.validator.Validate(ctx, desc, ActionUpdate, input)
	if len(fieldErrors) > 0 {
		return nil, NewError(ErrValidation, "input rejected").
			WithResource(slug).
			WithFields(fieldErrors)
	}

	row, err := s.store.Update(ctx, desc.EntityType(), before, data)
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, desc.EntityType(), ActionUpdate, before, row, caller, tenant)

	return s.redactor.ApplyOne(desc.EntityType(), caller, row), nil
}

// Destroy removes a row; on soft-deleting resources it marks the row
// trashed instead.
func (s *ResourceService) Destroy(ctx context.Context, slug, id string) error {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionDestroy)
	if err != nil {
		return err
	}

	row, err := s.loadScoped(ctx, s.store, desc, tenant, id, trashedHidden)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, desc.EntityType(), row, !desc.HasSoftDeletes()); err != nil {
		return err
	}

	s.recordAudit(ctx, desc.EntityType(), ActionDestroy, row, nil, caller, tenant)
	return nil
}

// Restore clears the soft-delete marker on a trashed row.
func (s *ResourceService) Restore(ctx context.Context, slug, id string) (Row, error) {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionRestore)
	if err != nil {
		return nil, err
	}

	row, err := s.loadScoped(ctx, s.store, desc, tenant, id, trashedOnly)
	if err != nil {
		return nil, err
	}

	if err := s.store.Restore(ctx, desc.EntityType(), row); err != nil {
		return nil, err
	}

	restored := row.Clone()
	delete(restored, desc.DeletedAt())

	s.recordAudit(ctx, desc.EntityType(), ActionRestore, row, restored, caller, tenant)

	return s.redactor.ApplyOne(desc.EntityType(), caller, restored), nil
}

// ForceDelete permanently removes a row, trashed or not.
func (s *ResourceService) ForceDelete(ctx context.Context, slug, id string) error {
	desc, caller, tenant, err := s.gate(ctx, slug, ActionForceDelete)
	if err != nil {
		return err
	}

	row, err := s.loadScoped(ctx, s.store, desc, tenant, id, trashedVisible)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, desc.EntityType(), row, true); err != nil {
		return err
	}

	s.recordAudit(ctx, desc.EntityType(), ActionForceDelete, row, nil, caller, tenant)
	return nil
}

// ============================================================================
// INTERNAL HELPERS
// ============================================================================

// gate resolves the descriptor and checks the caller's permission for the
// action. Soft-delete actions on non-soft-deleting resources read as an
// unknown resource, matching the fact that those entry points are never
// registered for them.
func (s *ResourceService) gate(ctx context.Context, slug, action string) (*ResourceDescriptor, string, string, error) {
	desc, err := s.registry.Resolve(slug)
	if err != nil {
		return nil, "", "", err
	}

	switch action {
	case ActionTrashed, ActionRestore, ActionForceDelete:
		if !desc.HasSoftDeletes() {
			return nil, "", "", NewError(ErrUnknownResource, "resource does not soft-delete").WithResource(slug)
		}
	}

	caller := s.identity.CurrentCaller(ctx)
	tenant := s.identity.CurrentTenant(ctx)

	if !s.evaluator.Authorize(ctx, caller, tenant, slug, action) {
		return nil, "", "", NewError(ErrUnauthorized, fmt.Sprintf("action %q denied", action)).
			WithResource(slug).
			WithTenant(tenant).
			WithCaller(caller)
	}

	return desc, caller, tenant, nil
}

type trashedVisibility int

const (
	trashedHidden trashedVisibility = iota
	trashedOnly
	trashedVisible
)

// loadScoped fetches one row by primary key under the caller's tenant
// scope. Everything outside the scope, the tenant root of another tenant
// included, reads as ErrNotFound.
func (s *ResourceService) loadScoped(ctx context.Context, store DataStore, desc *ResourceDescriptor, tenant, id string, visibility trashedVisibility) (Row, error) {
	scope := s.scopes.ScopeFor(desc.EntityType(), tenant)
	if scope.IsScoped() && tenant == "" {
		return nil, NewError(ErrNotFound, "row not found").WithResource(desc.Slug())
	}

	q := Query{
		Filters: []Filter{{Field: desc.PrimaryKeyColumn(), Op: OpEq, Value: id}},
		Scope:   scope,
	}
	if desc.HasSoftDeletes() {
		q.DeletedAtColumn = desc.DeletedAt()
		switch visibility {
		case trashedOnly:
			q.OnlyTrashed = true
		case trashedVisible:
			q.WithTrashed = true
		}
	}

	row, err := store.FindOne(ctx, desc.EntityType(), q)
	if err != nil {
		if IsNotFound(err) {
			return nil, NewError(ErrNotFound, "row not found").WithResource(desc.Slug())
		}
		return nil, err
	}
	return row, nil
}

// buildListQuery validates list options against the descriptor's allowed
// sets and assembles the store query. Disallowed fields fail validation
// rather than being silently dropped.
func (s *ResourceService) buildListQuery(desc *ResourceDescriptor, tenant string, opts ListOptions, onlyTrashed bool) (Query, error) {
	fieldErrors := make(map[string]string)

	for _, f := range opts.Filters {
		if !desc.IsFilterable(f.Field) {
			fieldErrors["filter."+f.Field] = "filtering on this field is not allowed"
		}
	}
	for _, sf := range opts.Sort {
		if !desc.IsSortable(sf.Field) {
			fieldErrors["sort."+sf.Field] = "sorting on this field is not allowed"
		}
	}
	for _, inc := range opts.Includes {
		if !desc.IsIncludable(inc) {
			fieldErrors["include."+inc] = "including this relation is not allowed"
		}
	}
	if opts.Search != "" && len(desc.SearchColumns()) == 0 {
		fieldErrors["search"] = "resource is not searchable"
	}

	if len(fieldErrors) > 0 {
		return Query{}, NewError(ErrValidation, "invalid list options").
			WithResource(desc.Slug()).
			WithFields(fieldErrors)
	}

	q := Query{
		Filters:       opts.Filters,
		Scope:         s.scopes.ScopeFor(desc.EntityType(), tenant),
		Sort:          opts.Sort,
		Search:        opts.Search,
		SearchColumns: desc.SearchColumns(),
		Includes:      opts.Includes,
		Paginate:      desc.Paginates(),
		Page:          opts.Page,
		PerPage:       ClampPerPage(opts.PerPage, desc.PageSize()),
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if len(q.Sort) == 0 && desc.SortDefault() != "" {
		q.Sort = []SortField{{Field: desc.SortDefault()}}
	}
	if desc.HasSoftDeletes() {
		q.DeletedAtColumn = desc.DeletedAt()
		q.OnlyTrashed = onlyTrashed
	}

	return q, nil
}

func (s *ResourceService) recordAudit(ctx context.Context, entityType, action string, before, after Row, caller, tenant string) {
	if s.audit == nil {
		return
	}
	// Audit failures never roll back the write they describe.
	_ = s.audit.Record(ctx, entityType, action, before, after, caller, tenant)
}
