// Package streamquery implements the predicate algebra used to select events
// from the global log.
//
// A Query is a pure value assembled from origins, unions, and excludes:
//
//   - Origin(schema, filter) matches events whose type tag belongs to the
//     schema's declared set and whose identifiers satisfy the filter.
//   - Union(q1, q2, ...) matches events matching any operand. Union is
//     associative, commutative, and idempotent.
//   - Exclude(q, tags...) matches whatever q matches, minus events whose type
//     tag is in the excluded set.
//
// Queries normalize at construction: exclusion subtracts from the branch type
// sets, unions flatten, and branches are sorted and deduplicated by their
// canonical encoding. Two queries with equal normalized forms therefore share
// the same Key and Fingerprint, across processes and versions.
package streamquery

import (
	"sort"

	"github.com/disintegrate-es/disintegrate/event"
)

// Branch is one normalized arm of a query: a sorted set of observable type
// tags and an identifier filter. An event matches a branch when its type tag
// is in Types and its identifiers satisfy Filter.
type Branch struct {
	Types  []string
	Filter Filter
}

// Query is a normalized predicate over events. The zero value matches
// nothing.
type Query struct {
	branches []Branch
}

// Origin creates a query matching the schema's declared event types,
// restricted by the given filter. A nil filter matches every event of the
// declared types.
func Origin(schema event.Schema, filter Filter) Query {
	types := sortedUnique(schema.Types)
	if len(types) == 0 {
		return Query{}
	}
	return normalize([]Branch{{Types: types, Filter: normalizeFilter(filter)}})
}

// Union combines queries; an event matches the union if it matches any
// operand.
func Union(queries ...Query) Query {
	var branches []Branch
	for _, q := range queries {
		branches = append(branches, q.branches...)
	}
	return normalize(branches)
}

// Exclude removes the given type tags from the query's observable set.
// Events carrying an excluded tag never match the resulting query; all other
// events match exactly as they match the base query.
func Exclude(q Query, types ...string) Query {
	excluded := make(map[string]bool, len(types))
	for _, t := range types {
		excluded[t] = true
	}
	var branches []Branch
	for _, b := range q.branches {
		var kept []string
		for _, t := range b.Types {
			if !excluded[t] {
				kept = append(kept, t)
			}
		}
		if len(kept) > 0 {
			branches = append(branches, Branch{Types: kept, Filter: b.Filter})
		}
	}
	return normalize(branches)
}

// Branches returns the normalized arms of the query.
func (q Query) Branches() []Branch {
	return q.branches
}

// Types returns the sorted set of type tags any matching event could carry.
// The store may use it as a pre-filter.
func (q Query) Types() []string {
	var all []string
	for _, b := range q.branches {
		all = append(all, b.Types...)
	}
	return sortedUnique(all)
}

// IsZero reports whether the query matches nothing.
func (q Query) IsZero() bool {
	return len(q.branches) == 0
}

// Matches reports whether the event satisfies the query. It is pure: repeated
// evaluation of the same query against the same event yields the same result.
func (q Query) Matches(ev event.Event) bool {
	name := ev.Name()
	ids := ev.DomainIdentifiers()
	for _, b := range q.branches {
		if containsSorted(b.Types, name) && EvalFilter(b.Filter, ids) {
			return true
		}
	}
	return false
}

// MatchesName reports whether an event with the given type tag could match
// the query, ignoring identifier filters. Used as a cheap pre-filter on
// notification payloads.
func (q Query) MatchesName(name string) bool {
	for _, b := range q.branches {
		if containsSorted(b.Types, name) {
			return true
		}
	}
	return false
}

// Equal reports whether two queries have the same normalized form.
func (q Query) Equal(other Query) bool {
	return q.Key() == other.Key()
}

func normalize(branches []Branch) Query {
	for i := range branches {
		branches[i].Types = sortedUnique(branches[i].Types)
	}
	sort.Slice(branches, func(i, j int) bool {
		return encodeBranch(branches[i]) < encodeBranch(branches[j])
	})
	var out []Branch
	for _, b := range branches {
		if len(out) > 0 && encodeBranch(out[len(out)-1]) == encodeBranch(b) {
			continue
		}
		out = append(out, b)
	}
	return Query{branches: out}
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	deduped := out[:1]
	for _, s := range out[1:] {
		if s != deduped[len(deduped)-1] {
			deduped = append(deduped, s)
		}
	}
	return deduped
}

func containsSorted(sorted []string, s string) bool {
	i := sort.SearchStrings(sorted, s)
	return i < len(sorted) && sorted[i] == s
}
