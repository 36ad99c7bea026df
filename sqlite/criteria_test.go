package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

var cartStream = event.Schema{
	Types:       []string{"ItemAdded", "ItemRemoved"},
	Identifiers: []string{"cart_id", "item_id"},
}

func TestBuildCriteria_TypePrefilterAndEquality(t *testing.T) {
	q := streamquery.Origin(cartStream, streamquery.EqFilter("cart_id", "c1"))

	sql, params, err := buildCriteria(q)
	require.NoError(t, err)
	assert.Equal(t,
		"(event_type IN (?,?) AND json_extract(domain_identifiers, '$.cart_id') = ?)",
		sql)
	assert.Equal(t, []any{"ItemAdded", "ItemRemoved", "c1"}, params)
}

func TestBuildCriteria_NoFilter(t *testing.T) {
	q := streamquery.Origin(cartStream, nil)

	sql, params, err := buildCriteria(q)
	require.NoError(t, err)
	assert.Equal(t, "(event_type IN (?,?))", sql)
	assert.Equal(t, []any{"ItemAdded", "ItemRemoved"}, params)
}

func TestBuildCriteria_AndFilter(t *testing.T) {
	q := streamquery.Origin(cartStream, streamquery.AndFilter(
		streamquery.EqFilter("cart_id", "c1"),
		streamquery.EqFilter("item_id", "p1"),
	))

	sql, params, err := buildCriteria(q)
	require.NoError(t, err)
	assert.Equal(t,
		"(event_type IN (?,?) AND (json_extract(domain_identifiers, '$.cart_id') = ?"+
			" AND json_extract(domain_identifiers, '$.item_id') = ?))",
		sql)
	assert.Equal(t, []any{"ItemAdded", "ItemRemoved", "c1", "p1"}, params)
}

func TestBuildCriteria_UnionBranches(t *testing.T) {
	q := streamquery.Union(
		streamquery.Origin(cartStream, streamquery.EqFilter("cart_id", "c1")),
		streamquery.Origin(cartStream, streamquery.EqFilter("cart_id", "c2")),
	)

	sql, params, err := buildCriteria(q)
	require.NoError(t, err)
	assert.Equal(t,
		"((event_type IN (?,?) AND json_extract(domain_identifiers, '$.cart_id') = ?)"+
			" OR (event_type IN (?,?) AND json_extract(domain_identifiers, '$.cart_id') = ?))",
		sql)
	assert.Len(t, params, 6)
}

func TestBuildCriteria_ZeroQueryMatchesNoRows(t *testing.T) {
	sql, params, err := buildCriteria(streamquery.Query{})
	require.NoError(t, err)
	assert.Equal(t, "0 = 1", sql)
	assert.Empty(t, params)
}

func TestBuildCriteria_RejectsInvalidIdentifier(t *testing.T) {
	q := streamquery.Origin(cartStream, streamquery.EqFilter("cart_id; DROP TABLE event", "c1"))
	_, _, err := buildCriteria(q)
	require.Error(t, err)
}
