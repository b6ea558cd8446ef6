package crudkit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory DataStore. It applies the same declarative
// queries as the SQL-backed Store and supports transactional rollback via
// table snapshots, which makes it the reference implementation and the
// store tests run against.
type MemStore struct {
	mu   sync.Mutex
	core *memCore
}

// memCore holds the unlocked table state. Public MemStore methods take the
// lock and delegate; the transaction view reuses the core while the outer
// lock is held.
type memCore struct {
	registry *ResourceRegistry
	edges    *EdgeSet
	tables   map[string][]Row
	nextID   int64
}

// NewMemStore creates an empty in-memory store over a registry and its
// relationship graph.
func NewMemStore(registry *ResourceRegistry, edges *EdgeSet) *MemStore {
	return &MemStore{
		core: &memCore{
			registry: registry,
			edges:    edges,
			tables:   make(map[string][]Row),
		},
	}
}

// Seed inserts rows directly, bypassing validation and scoping. Intended
// for tests and fixtures.
func (s *MemStore) Seed(entityType string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		stored := row.Clone()
		if _, ok := stored[s.core.primaryKeyOf(entityType)]; !ok {
			stored[s.core.primaryKeyOf(entityType)] = s.core.generateID()
		}
		s.core.tables[entityType] = append(s.core.tables[entityType], stored)
	}
}

// Count returns the number of rows in a table, trashed included.
func (s *MemStore) Count(entityType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.core.tables[entityType])
}

// Find implements DataStore.
func (s *MemStore) Find(ctx context.Context, entityType string, q Query) ([]Row, PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.find(ctx, entityType, q)
}

// FindOne implements DataStore.
func (s *MemStore) FindOne(ctx context.Context, entityType string, q Query) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.findOne(ctx, entityType, q)
}

// Insert implements DataStore.
func (s *MemStore) Insert(ctx context.Context, entityType string, data Row) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.insert(ctx, entityType, data)
}

// Update implements DataStore.
func (s *MemStore) Update(ctx context.Context, entityType string, row Row, data Row) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.update(ctx, entityType, row, data)
}

// Delete implements DataStore.
func (s *MemStore) Delete(ctx context.Context, entityType string, row Row, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.delete(ctx, entityType, row, force)
}

// Restore implements DataStore.
func (s *MemStore) Restore(ctx context.Context, entityType string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.restore(ctx, entityType, row)
}

// WithTransaction implements DataStore. The whole store is locked for the
// duration; a failing fn restores the pre-transaction snapshot, so partial
// application is never observable.
func (s *MemStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.core.snapshot()
	err := fn(ctx, &memTx{core: s.core})
	if err != nil {
		s.core.tables = snapshot
		return err
	}
	return nil
}

// RelationshipMetadata implements DataStore.
func (s *MemStore) RelationshipMetadata(entityType string) []RelationshipEdge {
	return s.core.edges.From(entityType)
}

// memTx is the in-transaction view: same core, no locking (the outer lock
// is held), and nested WithTransaction reuses the already-open transaction.
type memTx struct {
	core *memCore
}

func (t *memTx) Find(ctx context.Context, entityType string, q Query) ([]Row, PageInfo, error) {
	return t.core.find(ctx, entityType, q)
}

func (t *memTx) FindOne(ctx context.Context, entityType string, q Query) (Row, error) {
	return t.core.findOne(ctx, entityType, q)
}

func (t *memTx) Insert(ctx context.Context, entityType string, data Row) (Row, error) {
	return t.core.insert(ctx, entityType, data)
}

func (t *memTx) Update(ctx context.Context, entityType string, row Row, data Row) (Row, error) {
	return t.core.update(ctx, entityType, row, data)
}

func (t *memTx) Delete(ctx context.Context, entityType string, row Row, force bool) error {
	return t.core.delete(ctx, entityType, row, force)
}

func (t *memTx) Restore(ctx context.Context, entityType string, row Row) error {
	return t.core.restore(ctx, entityType, row)
}

func (t *memTx) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error {
	// Already inside the transaction; at most one runs per request.
	return fn(ctx, t)
}

func (t *memTx) RelationshipMetadata(entityType string) []RelationshipEdge {
	return t.core.edges.From(entityType)
}

// ============================================================================
// CORE QUERY EVALUATION
// ============================================================================

func (c *memCore) find(ctx context.Context, entityType string, q Query) ([]Row, PageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, PageInfo{}, err
	}

	matched := c.matchRows(entityType, q)

	if len(q.Sort) > 0 {
		sortRows(matched, q.Sort)
	}

	total := len(matched)
	page := PageInfo{CurrentPage: 1, LastPage: 1, PerPage: total, Total: total}

	if q.Paginate {
		perPage := ClampPerPage(q.PerPage, DefaultPerPage)
		current := q.Page
		if current <= 0 {
			current = 1
		}
		last := (total + perPage - 1) / perPage
		if last < 1 {
			last = 1
		}

		start := (current - 1) * perPage
		if start > total {
			start = total
		}
		end := start + perPage
		if end > total {
			end = total
		}
		matched = matched[start:end]

		page = PageInfo{CurrentPage: current, LastPage: last, PerPage: perPage, Total: total}
	}

	out := make([]Row, len(matched))
	for i, row := range matched {
		out[i] = row.Clone()
	}

	for _, row := range out {
		c.attachIncludes(entityType, row, q.Includes)
	}

	return out, page, nil
}

func (c *memCore) findOne(ctx context.Context, entityType string, q Query) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := c.matchRows(entityType, q)
	if len(matched) == 0 {
		return nil, NewError(ErrNotFound, "row not found")
	}

	row := matched[0].Clone()
	c.attachIncludes(entityType, row, q.Includes)
	return row, nil
}

// attachIncludes nests requested relations under their edge names: a row
// for belongs-to edges, a slice for to-many edges.
func (c *memCore) attachIncludes(entityType string, row Row, includes []string) {
	for _, name := range includes {
		edge, ok := c.edges.Lookup(entityType, name)
		if !ok {
			continue
		}

		if edge.ForeignKeyOnTarget {
			children := []Row{}
			sourcePK := c.primaryKeyOf(edge.Source)
			for _, candidate := range c.tables[edge.Target] {
				if looseEqual(candidate[edge.ForeignKey], row[sourcePK]) {
					children = append(children, candidate.Clone())
				}
			}
			row[edge.Name] = children
			continue
		}

		targetPK := c.primaryKeyOf(edge.Target)
		for _, candidate := range c.tables[edge.Target] {
			if looseEqual(candidate[targetPK], row[edge.ForeignKey]) {
				row[edge.Name] = candidate.Clone()
				break
			}
		}
	}
}

func (c *memCore) insert(ctx context.Context, entityType string, data Row) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := data.Clone()
	pk := c.primaryKeyOf(entityType)
	if _, ok := row[pk]; !ok {
		row[pk] = c.generateID()
	}

	// Uniqueness on the primary key is the one constraint the memory
	// backend enforces.
	for _, existing := range c.tables[entityType] {
		if looseEqual(existing[pk], row[pk]) {
			return nil, fmt.Errorf("duplicate key on %s.%s", entityType, pk)
		}
	}

	c.tables[entityType] = append(c.tables[entityType], row)
	return row.Clone(), nil
}

func (c *memCore) update(ctx context.Context, entityType string, row Row, data Row) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pk := c.primaryKeyOf(entityType)
	for i, existing := range c.tables[entityType] {
		if looseEqual(existing[pk], row[pk]) {
			updated := existing.Clone()
			for k, v := range data {
				updated[k] = v
			}
			c.tables[entityType][i] = updated
			return updated.Clone(), nil
		}
	}

	return nil, NewError(ErrNotFound, "row not found")
}

func (c *memCore) delete(ctx context.Context, entityType string, row Row, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pk := c.primaryKeyOf(entityType)
	for i, existing := range c.tables[entityType] {
		if !looseEqual(existing[pk], row[pk]) {
			continue
		}

		if force {
			c.tables[entityType] = append(c.tables[entityType][:i], c.tables[entityType][i+1:]...)
			return nil
		}

		marked := existing.Clone()
		marked[c.deletedAtOf(entityType)] = time.Now()
		c.tables[entityType][i] = marked
		return nil
	}

	return NewError(ErrNotFound, "row not found")
}

func (c *memCore) restore(ctx context.Context, entityType string, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pk := c.primaryKeyOf(entityType)
	for i, existing := range c.tables[entityType] {
		if looseEqual(existing[pk], row[pk]) {
			restored := existing.Clone()
			delete(restored, c.deletedAtOf(entityType))
			c.tables[entityType][i] = restored
			return nil
		}
	}

	return NewError(ErrNotFound, "row not found")
}

func (c *memCore) matchRows(entityType string, q Query) []Row {
	var matched []Row

	for _, row := range c.tables[entityType] {
		if q.DeletedAtColumn != "" && !q.WithTrashed {
			trashed := row[q.DeletedAtColumn] != nil
			if q.OnlyTrashed != trashed {
				continue
			}
		}

		if !c.matchesScope(row, q.Scope) {
			continue
		}

		ok := true
		for _, f := range q.Filters {
			if !matchesFilter(row, f) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		if q.Search != "" && !matchesSearch(row, q.Search, q.SearchColumns) {
			continue
		}

		matched = append(matched, row)
	}

	return matched
}

func (c *memCore) matchesScope(row Row, p ScopePredicate) bool {
	switch p.Kind {
	case ScopeNone:
		return true
	case ScopePrimaryKey, ScopeTenantColumn:
		return looseEqual(row[p.Column], p.TenantID)
	case ScopeRelationPath:
		return c.matchesPath(row, p.Path, p.TerminalColumn, p.TenantID)
	}
	return false
}

// matchesPath evaluates the EXISTS chain: does any related row at the end
// of the path carry the tenant identity.
func (c *memCore) matchesPath(row Row, path []RelationshipEdge, terminalColumn, tenantID string) bool {
	if len(path) == 0 {
		return looseEqual(row[terminalColumn], tenantID)
	}

	edge := path[0]

	if edge.ForeignKeyOnTarget {
		sourcePK := c.primaryKeyOf(edge.Source)
		for _, candidate := range c.tables[edge.Target] {
			if looseEqual(candidate[edge.ForeignKey], row[sourcePK]) &&
				c.matchesPath(candidate, path[1:], terminalColumn, tenantID) {
				return true
			}
		}
		return false
	}

	targetPK := c.primaryKeyOf(edge.Target)
	for _, candidate := range c.tables[edge.Target] {
		if looseEqual(candidate[targetPK], row[edge.ForeignKey]) {
			return c.matchesPath(candidate, path[1:], terminalColumn, tenantID)
		}
	}
	return false
}

func (c *memCore) snapshot() map[string][]Row {
	snap := make(map[string][]Row, len(c.tables))
	for table, rows := range c.tables {
		copied := make([]Row, len(rows))
		for i, row := range rows {
			copied[i] = row.Clone()
		}
		snap[table] = copied
	}
	return snap
}

func (c *memCore) primaryKeyOf(entityType string) string {
	if desc, ok := c.registry.ByEntityType(entityType); ok {
		return desc.PrimaryKeyColumn()
	}
	return "id"
}

func (c *memCore) deletedAtOf(entityType string) string {
	if desc, ok := c.registry.ByEntityType(entityType); ok {
		return desc.DeletedAt()
	}
	return "deleted_at"
}

func (c *memCore) generateID() string {
	c.nextID++
	return strconv.FormatInt(c.nextID, 10)
}

// ============================================================================
// VALUE MATCHING
// ============================================================================

func matchesFilter(row Row, f Filter) bool {
	value, ok := row[f.Field]
	if !ok {
		return false
	}

	switch f.Op {
	case OpEq:
		return looseEqual(value, f.Value)
	case OpNeq:
		return !looseEqual(value, f.Value)
	case OpGt:
		return compareValues(value, f.Value) > 0
	case OpGte:
		return compareValues(value, f.Value) >= 0
	case OpLt:
		return compareValues(value, f.Value) < 0
	case OpLte:
		return compareValues(value, f.Value) <= 0
	case OpLike:
		return strings.Contains(strings.ToLower(fmt.Sprint(value)), strings.ToLower(fmt.Sprint(f.Value)))
	case OpIn:
		for _, candidate := range valueList(f.Value) {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

func matchesSearch(row Row, term string, columns []string) bool {
	needle := strings.ToLower(term)
	for _, col := range columns {
		if v, ok := row[col]; ok && strings.Contains(strings.ToLower(fmt.Sprint(v)), needle) {
			return true
		}
	}
	return false
}

func sortRows(rows []Row, terms []SortField) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range terms {
			cmp := compareValues(rows[i][term.Field], rows[j][term.Field])
			if cmp == 0 {
				continue
			}
			if term.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// looseEqual compares by string rendering so "42" matches int64(42); ids
// arrive as strings from transport but may live as integers in the store.
func looseEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func valueList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// ============================================================================
// STATIC ASSIGNMENTS
// ============================================================================

// StaticAssignments is an in-memory AssignmentSource, handy for tests and
// for applications that resolve assignments outside the database.
type StaticAssignments struct {
	mu     sync.RWMutex
	byUser map[string][]RoleAssignment
}

// NewStaticAssignments creates an empty source.
func NewStaticAssignments() *StaticAssignments {
	return &StaticAssignments{
		byUser: make(map[string][]RoleAssignment),
	}
}

// Grant adds permissions for a user in a tenant.
func (s *StaticAssignments) Grant(userID, tenantID string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byUser[userID] = append(s.byUser[userID], RoleAssignment{
		UserID:      userID,
		TenantID:    tenantID,
		Permissions: permissions,
	})
}

// AssignmentsFor implements AssignmentSource.
func (s *StaticAssignments) AssignmentsFor(_ context.Context, callerID string) ([]RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUser[callerID], nil
}
