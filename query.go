package crudkit

// FilterOp is a declarative comparison operator. The core never builds SQL;
// stores translate operators however their backend requires.
type FilterOp string

const (
	OpEq   FilterOp = "eq"
	OpNeq  FilterOp = "neq"
	OpGt   FilterOp = "gt"
	OpGte  FilterOp = "gte"
	OpLt   FilterOp = "lt"
	OpLte  FilterOp = "lte"
	OpLike FilterOp = "like"
	OpIn   FilterOp = "in"
)

// Filter is one declarative predicate on a column.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// SortField is one sort term.
type SortField struct {
	Field string
	Desc  bool
}

// Query is the full declarative shape of a read: filters, the tenant scope
// predicate, sorting, search and pagination. Stores apply it; the core only
// builds it.
type Query struct {
	Filters []Filter
	Scope   ScopePredicate
	Sort    []SortField

	Search        string
	SearchColumns []string

	Includes []string

	Paginate bool
	Page     int
	PerPage  int

	// Soft-delete visibility. Zero value hides trashed rows.
	OnlyTrashed     bool
	WithTrashed     bool
	DeletedAtColumn string
}

// PageInfo is pagination metadata, reported out-of-band from the rows.
type PageInfo struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
}

// Page size bounds enforced on every paginated read.
const (
	MinPerPage = 1
	MaxPerPage = 100
)

// ClampPerPage clamps a requested page size into [MinPerPage, MaxPerPage],
// substituting fallback when the request carries none.
func ClampPerPage(requested, fallback int) int {
	if requested <= 0 {
		requested = fallback
	}
	if requested < MinPerPage {
		return MinPerPage
	}
	if requested > MaxPerPage {
		return MaxPerPage
	}
	return requested
}

// ListOptions carries caller-facing list parameters. Build it fluently and
// hand it to ResourceService.List; fields outside the descriptor's allowed
// sets are rejected there.
type ListOptions struct {
	Filters  []Filter
	Sort     []SortField
	Search   string
	Includes []string
	Page     int
	PerPage  int
}

// NewListOptions creates an empty ListOptions.
func NewListOptions() ListOptions {
	return ListOptions{}
}

// WithFilter adds an equality filter.
func (o ListOptions) WithFilter(field string, value any) ListOptions {
	return o.WithFilterOp(field, OpEq, value)
}

// WithFilterOp adds a filter with an explicit operator.
func (o ListOptions) WithFilterOp(field string, op FilterOp, value any) ListOptions {
	o.Filters = append(o.Filters, Filter{Field: field, Op: op, Value: value})
	return o
}

// WithSort adds an ascending sort term.
func (o ListOptions) WithSort(field string) ListOptions {
	o.Sort = append(o.Sort, SortField{Field: field})
	return o
}

// WithSortDesc adds a descending sort term.
func (o ListOptions) WithSortDesc(field string) ListOptions {
	o.Sort = append(o.Sort, SortField{Field: field, Desc: true})
	return o
}

// WithSearch sets the free-text search term.
func (o ListOptions) WithSearch(term string) ListOptions {
	o.Search = term
	return o
}

// WithInclude requests a relation to side-load.
func (o ListOptions) WithInclude(relation string) ListOptions {
	o.Includes = append(o.Includes, relation)
	return o
}

// WithPage sets the requested page (1-based).
func (o ListOptions) WithPage(page int) ListOptions {
	o.Page = page
	return o
}

// WithPerPage sets the requested page size. It is clamped into
// [MinPerPage, MaxPerPage] when the query runs.
func (o ListOptions) WithPerPage(perPage int) ListOptions {
	o.PerPage = perPage
	return o
}
