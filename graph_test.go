package crudkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEdgeSetLookup tests keyed edge lookup
func TestEdgeSetLookup(t *testing.T) {
	edges := testEdges()

	edge, ok := edges.Lookup("posts", "blog")
	require.True(t, ok)
	assert.Equal(t, "blogs", edge.Target)
	assert.Equal(t, "blog_id", edge.ForeignKey)
	assert.False(t, edge.ForeignKeyOnTarget)

	edge, ok = edges.Lookup("posts", "comments")
	require.True(t, ok)
	assert.True(t, edge.ToMany)
	assert.True(t, edge.ForeignKeyOnTarget)

	_, ok = edges.Lookup("posts", "author")
	assert.False(t, ok)

	// Relation names are scoped per source type.
	_, ok = edges.Lookup("comments", "blog")
	assert.False(t, ok)
}

// TestEdgeSetFrom tests enumeration of a type's edges
func TestEdgeSetFrom(t *testing.T) {
	edges := testEdges()

	from := edges.From("posts")
	require.Len(t, from, 2)

	names := []string{from[0].Name, from[1].Name}
	assert.ElementsMatch(t, []string{"blog", "comments"}, names)

	assert.Empty(t, edges.From("organizations"))
}
