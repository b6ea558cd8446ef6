package crudkit

import (
	"context"
	"fmt"
	"time"

	"github.com/fernandezvara/dbkit"
	"github.com/uptrace/bun"
)

// Store is the PostgreSQL-backed DataStore. Rows are generic maps; table
// and column names come from descriptor declarations made at startup, never
// from request input, so they are safe to place in query text.
type Store struct {
	db       dbkit.IDB
	registry *ResourceRegistry
	edges    *EdgeSet
}

// NewStore creates a Store over a dbkit connection.
//
// Example:
//
//	db, err := dbkit.New(dbkit.Config{URL: databaseURL})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := crudkit.NewStore(db, registry, edges)
func NewStore(db dbkit.IDB, registry *ResourceRegistry, edges *EdgeSet) *Store {
	return &Store{
		db:       db,
		registry: registry,
		edges:    edges,
	}
}

// Find implements DataStore.
func (s *Store) Find(ctx context.Context, entityType string, q Query) ([]Row, PageInfo, error) {
	total, err := s.count(ctx, entityType, q)
	if err != nil {
		return nil, PageInfo{}, err
	}

	sel := s.db.NewSelect().Table(entityType)
	sel = s.applyPredicates(sel, entityType, q)

	for _, term := range q.Sort {
		if term.Desc {
			sel = sel.OrderExpr("? DESC", bun.Ident(term.Field))
		} else {
			sel = sel.OrderExpr("? ASC", bun.Ident(term.Field))
		}
	}

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

		sel = sel.Limit(perPage).Offset((current - 1) * perPage)
		page = PageInfo{CurrentPage: current, LastPage: last, PerPage: perPage, Total: total}
	}

	var raw []map[string]any
	if err := dbkit.WithErr1(sel.Scan(ctx, &raw), "Find").Err(); err != nil {
		return nil, PageInfo{}, err
	}

	rows := make([]Row, len(raw))
	for i, r := range raw {
		rows[i] = Row(r)
	}

	if len(q.Includes) > 0 {
		if err := s.sideload(ctx, entityType, q.Includes, rows); err != nil {
			return nil, PageInfo{}, err
		}
	}

	return rows, page, nil
}

// FindOne implements DataStore.
func (s *Store) FindOne(ctx context.Context, entityType string, q Query) (Row, error) {
	sel := s.db.NewSelect().Table(entityType).Limit(1)
	sel = s.applyPredicates(sel, entityType, q)

	var raw []map[string]any
	if err := dbkit.WithErr1(sel.Scan(ctx, &raw), "FindOne").Err(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, NewError(ErrNotFound, "row not found")
	}

	row := Row(raw[0])

	if len(q.Includes) > 0 {
		if err := s.sideload(ctx, entityType, q.Includes, []Row{row}); err != nil {
			return nil, err
		}
	}

	return row, nil
}

// Insert implements DataStore. Generated columns (ids, timestamps) come back
// via RETURNING.
func (s *Store) Insert(ctx context.Context, entityType string, data Row) (Row, error) {
	values := map[string]any(data.Clone())
	returned := make(map[string]any)

	result, err := s.db.NewInsert().
		Model(&values).
		TableExpr(entityType).
		Returning("*").
		Exec(ctx, &returned)
	if err := dbkit.WithErr(result, err, "Insert").Err(); err != nil {
		return nil, err
	}

	return Row(returned), nil
}

// Update implements DataStore. Only the keys in data are written; the loaded
// row supplies the primary key.
func (s *Store) Update(ctx context.Context, entityType string, row Row, data Row) (Row, error) {
	pk := s.primaryKeyOf(entityType)

	upd := s.db.NewUpdate().Table(entityType)
	for field, value := range data {
		upd = upd.Set("? = ?", bun.Ident(field), value)
	}
	upd = upd.Where("? = ?", bun.Ident(pk), row[pk]).Returning("*")

	returned := make(map[string]any)
	result, err := upd.Exec(ctx, &returned)
	if err := dbkit.WithErr(result, err, "Update").Err(); err != nil {
		if dbkit.IsNotFound(err) {
			return nil, NewError(ErrNotFound, "row not found")
		}
		return nil, err
	}

	return Row(returned), nil
}

// Delete implements DataStore. Soft deletion stamps the descriptor's
// deleted-at column; force removes the row.
func (s *Store) Delete(ctx context.Context, entityType string, row Row, force bool) error {
	pk := s.primaryKeyOf(entityType)

	if force {
		result, err := s.db.NewDelete().
			Table(entityType).
			Where("? = ?", bun.Ident(pk), row[pk]).
			Exec(ctx)
		return dbkit.WithErr(result, err, "Delete").Err()
	}

	result, err := s.db.NewUpdate().
		Table(entityType).
		Set("? = ?", bun.Ident(s.deletedAtOf(entityType)), time.Now()).
		Where("? = ?", bun.Ident(pk), row[pk]).
		Exec(ctx)
	return dbkit.WithErr(result, err, "SoftDelete").Err()
}

// Restore implements DataStore.
func (s *Store) Restore(ctx context.Context, entityType string, row Row) error {
	pk := s.primaryKeyOf(entityType)

	result, err := s.db.NewUpdate().
		Table(entityType).
		Set("? = NULL", bun.Ident(s.deletedAtOf(entityType))).
		Where("? = ?", bun.Ident(pk), row[pk]).
		Exec(ctx)
	return dbkit.WithErr(result, err, "Restore").Err()
}

// WithTransaction implements DataStore. A nested call reuses the open
// transaction through a savepoint, so at most one real transaction runs per
// request.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error {
	run := func(tx *dbkit.Tx) error {
		return fn(ctx, &Store{db: tx, registry: s.registry, edges: s.edges})
	}

	switch db := s.db.(type) {
	case *dbkit.Tx:
		return db.Transaction(ctx, run)
	case *dbkit.DBKit:
		return db.Transaction(ctx, run)
	default:
		return fmt.Errorf("crudkit: transaction support requires a dbkit.DBKit or dbkit.Tx instance")
	}
}

// RelationshipMetadata implements DataStore.
func (s *Store) RelationshipMetadata(entityType string) []RelationshipEdge {
	return s.edges.From(entityType)
}

// ============================================================================
// QUERY TRANSLATION
// ============================================================================

func (s *Store) applyPredicates(sel *bun.SelectQuery, entityType string, q Query) *bun.SelectQuery {
	if q.DeletedAtColumn != "" && !q.WithTrashed {
		if q.OnlyTrashed {
			sel = sel.Where("? IS NOT NULL", bun.Ident(q.DeletedAtColumn))
		} else {
			sel = sel.Where("? IS NULL", bun.Ident(q.DeletedAtColumn))
		}
	}

	sel = s.applyScope(sel, entityType, q.Scope)

	for _, f := range q.Filters {
		sel = applyFilter(sel, f)
	}

	if q.Search != "" && len(q.SearchColumns) > 0 {
		term := "%" + q.Search + "%"
		columns := q.SearchColumns
		sel = sel.WhereGroup(" AND ", func(group *bun.SelectQuery) *bun.SelectQuery {
			for _, col := range columns {
				group = group.WhereOr("? ILIKE ?", bun.Ident(col), term)
			}
			return group
		})
	}

	return sel
}

func applyFilter(sel *bun.SelectQuery, f Filter) *bun.SelectQuery {
	switch f.Op {
	case OpEq:
		return sel.Where("? = ?", bun.Ident(f.Field), f.Value)
	case OpNeq:
		return sel.Where("? != ?", bun.Ident(f.Field), f.Value)
	case OpGt:
		return sel.Where("? > ?", bun.Ident(f.Field), f.Value)
	case OpGte:
		return sel.Where("? >= ?", bun.Ident(f.Field), f.Value)
	case OpLt:
		return sel.Where("? < ?", bun.Ident(f.Field), f.Value)
	case OpLte:
		return sel.Where("? <= ?", bun.Ident(f.Field), f.Value)
	case OpLike:
		return sel.Where("? ILIKE ?", bun.Ident(f.Field), "%"+fmt.Sprint(f.Value)+"%")
	case OpIn:
		return sel.Where("? IN (?)", bun.Ident(f.Field), bun.In(valueList(f.Value)))
	}
	return sel
}

// applyScope translates the scope predicate. Relation paths become a chain
// of correlated EXISTS subqueries walking toward the tenant-bearing
// terminal; the only bind parameter is the tenant identity.
func (s *Store) applyScope(sel *bun.SelectQuery, entityType string, p ScopePredicate) *bun.SelectQuery {
	switch p.Kind {
	case ScopePrimaryKey, ScopeTenantColumn:
		return sel.Where(fmt.Sprintf("%s.%s = ?", entityType, p.Column), p.TenantID)

	case ScopeRelationPath:
		last := len(p.Path) - 1
		cond := fmt.Sprintf("%s.%s = ?", scopeAlias(last), p.TerminalColumn)

		for i := last; i >= 0; i-- {
			edge := p.Path[i]

			outer := entityType
			if i > 0 {
				outer = scopeAlias(i - 1)
			}

			var join string
			if edge.ForeignKeyOnTarget {
				join = fmt.Sprintf("%s.%s = %s.%s",
					scopeAlias(i), edge.ForeignKey, outer, s.primaryKeyOf(edge.Source))
			} else {
				join = fmt.Sprintf("%s.%s = %s.%s",
					scopeAlias(i), s.primaryKeyOf(edge.Target), outer, edge.ForeignKey)
			}

			cond = fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s WHERE %s AND %s)",
				edge.Target, scopeAlias(i), join, cond)
		}

		return sel.Where(cond, p.TenantID)
	}

	return sel
}

func scopeAlias(level int) string {
	return fmt.Sprintf("scope_%d", level)
}

func (s *Store) count(ctx context.Context, entityType string, q Query) (int, error) {
	sel := s.db.NewSelect().Table(entityType)
	sel = s.applyPredicates(sel, entityType, q)

	total, err := sel.Count(ctx)
	if err := dbkit.WithErr1(err, "Count").Err(); err != nil {
		return 0, err
	}
	return total, nil
}

// ============================================================================
// RELATION SIDE-LOADING
// ============================================================================

// sideload attaches requested relations under their edge names: a nested
// row for belongs-to edges, a slice for to-many edges. One query per
// relation regardless of row count.
func (s *Store) sideload(ctx context.Context, entityType string, includes []string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	for _, name := range includes {
		edge, ok := s.edges.Lookup(entityType, name)
		if !ok {
			continue
		}

		if edge.ForeignKeyOnTarget {
			if err := s.sideloadChildren(ctx, edge, rows); err != nil {
				return err
			}
			continue
		}

		if err := s.sideloadParent(ctx, edge, rows); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) sideloadParent(ctx context.Context, edge RelationshipEdge, rows []Row) error {
	var ids []any
	seen := make(map[string]bool)
	for _, row := range rows {
		fk := row[edge.ForeignKey]
		if fk == nil || seen[fmt.Sprint(fk)] {
			continue
		}
		seen[fmt.Sprint(fk)] = true
		ids = append(ids, fk)
	}
	if len(ids) == 0 {
		return nil
	}

	targetPK := s.primaryKeyOf(edge.Target)

	var related []map[string]any
	err := s.db.NewSelect().
		Table(edge.Target).
		Where("? IN (?)", bun.Ident(targetPK), bun.In(ids)).
		Scan(ctx, &related)
	if err := dbkit.WithErr1(err, "SideloadParent").Err(); err != nil {
		return err
	}

	byID := make(map[string]Row, len(related))
	for _, r := range related {
		byID[fmt.Sprint(r[targetPK])] = Row(r)
	}

	for _, row := range rows {
		if parent, ok := byID[fmt.Sprint(row[edge.ForeignKey])]; ok {
			row[edge.Name] = parent
		}
	}
	return nil
}

func (s *Store) sideloadChildren(ctx context.Context, edge RelationshipEdge, rows []Row) error {
	sourcePK := s.primaryKeyOf(edge.Source)

	var ids []any
	for _, row := range rows {
		if id := row[sourcePK]; id != nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var related []map[string]any
	err := s.db.NewSelect().
		Table(edge.Target).
		Where("? IN (?)", bun.Ident(edge.ForeignKey), bun.In(ids)).
		Scan(ctx, &related)
	if err := dbkit.WithErr1(err, "SideloadChildren").Err(); err != nil {
		return err
	}

	grouped := make(map[string][]Row)
	for _, r := range related {
		key := fmt.Sprint(r[edge.ForeignKey])
		grouped[key] = append(grouped[key], Row(r))
	}

	for _, row := range rows {
		children := grouped[fmt.Sprint(row[sourcePK])]
		if children == nil {
			children = []Row{}
		}
		row[edge.Name] = children
	}
	return nil
}

func (s *Store) primaryKeyOf(entityType string) string {
	if desc, ok := s.registry.ByEntityType(entityType); ok {
		return desc.PrimaryKeyColumn()
	}
	return "id"
}

func (s *Store) deletedAtOf(entityType string) string {
	if desc, ok := s.registry.ByEntityType(entityType); ok {
		return desc.DeletedAt()
	}
	return "deleted_at"
}
