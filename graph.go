package crudkit

// RelationshipEdge describes one declared relation between two entity
// types. Edges are built once at startup and only read at request time;
// scope resolution is a typed graph walk over this data, never runtime
// introspection.
type RelationshipEdge struct {
	// Source is the entity type the relation is declared on.
	Source string

	// Name is the relation name used in ownership paths.
	Name string

	// Target is the entity type the relation points at.
	Target string

	// ToMany is true for one-to-many relations (seen from Source).
	ToMany bool

	// ForeignKey is the column on the foreign-key-bearing side.
	ForeignKey string

	// ForeignKeyOnTarget is true when the foreign key column lives on the
	// target table (has-many). For belongs-to relations, the common case in
	// ownership paths, it lives on the source and this is false.
	ForeignKeyOnTarget bool
}

// EdgeSet is the relationship graph: an immutable index of edges keyed by
// (source entity type, relation name). Build it once at startup.
type EdgeSet struct {
	byName   map[string]RelationshipEdge
	bySource map[string][]RelationshipEdge
}

// NewEdgeSet builds an EdgeSet from declared edges.
//
// Example:
//
//	edges := crudkit.NewEdgeSet(
//	    crudkit.Edge{Source: "posts", Name: "blog", Target: "blogs", ForeignKey: "blog_id"},
//	    crudkit.Edge{Source: "comments", Name: "post", Target: "posts", ForeignKey: "post_id"},
//	)
func NewEdgeSet(edges ...RelationshipEdge) *EdgeSet {
	es := &EdgeSet{
		byName:   make(map[string]RelationshipEdge, len(edges)),
		bySource: make(map[string][]RelationshipEdge),
	}
	for _, e := range edges {
		es.byName[e.Source+":"+e.Name] = e
		es.bySource[e.Source] = append(es.bySource[e.Source], e)
	}
	return es
}

// Edge is an alias kept for readable EdgeSet construction.
type Edge = RelationshipEdge

// Lookup returns the edge declared under a relation name on an entity type.
func (es *EdgeSet) Lookup(source, name string) (RelationshipEdge, bool) {
	e, ok := es.byName[source+":"+name]
	return e, ok
}

// From returns every edge declared on an entity type.
func (es *EdgeSet) From(source string) []RelationshipEdge {
	return es.bySource[source]
}
