package streamquery

import (
	"sort"

	"github.com/disintegrate-es/disintegrate/event"
)

// Filter is a boolean expression over identifier equalities.
//
// This is a sealed interface - only types in this package implement it.
// The marker method pattern prevents external implementations and enables
// exhaustive type switches in backend criteria compilers.
//
// Filter types:
//   - Eq: identifier = value
//   - And: all operands must hold
//   - Or: at least one operand must hold
//
// A nil Filter matches every event.
type Filter interface {
	filterNode() // Marker method - seals interface to this package
}

// Eq checks an identifier for equality against a value. An event that does
// not carry the identifier fails the clause.
type Eq struct {
	Ident string
	Value string
}

func (Eq) filterNode() {}

// And holds when every operand holds.
type And struct {
	Operands []Filter
}

func (And) filterNode() {}

// Or holds when at least one operand holds.
type Or struct {
	Operands []Filter
}

func (Or) filterNode() {}

// EqFilter creates an identifier equality filter.
func EqFilter(ident, value string) Filter {
	return Eq{Ident: ident, Value: value}
}

// AndFilter creates a conjunction of the given filters.
func AndFilter(operands ...Filter) Filter {
	return normalizeFilter(And{Operands: operands})
}

// OrFilter creates a disjunction of the given filters.
func OrFilter(operands ...Filter) Filter {
	return normalizeFilter(Or{Operands: operands})
}

// EvalFilter evaluates a filter against the identifier mapping of an event.
// A nil filter matches everything. An equality over an identifier the event
// does not carry evaluates to false.
func EvalFilter(f Filter, ids event.Identifiers) bool {
	switch f := f.(type) {
	case nil:
		return true
	case Eq:
		v, ok := ids[f.Ident]
		return ok && v == f.Value
	case And:
		for _, op := range f.Operands {
			if !EvalFilter(op, ids) {
				return false
			}
		}
		return true
	case Or:
		for _, op := range f.Operands {
			if EvalFilter(op, ids) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// normalizeFilter rewrites a filter into its canonical shape:
// nested conjunctions/disjunctions of the same kind are flattened,
// operands are sorted by their canonical encoding and deduplicated,
// and single-operand nodes collapse into their operand. An empty
// conjunction or disjunction normalizes to nil (match-all). A nil operand
// drops out of a conjunction (identity) and collapses a disjunction to nil
// (annihilator).
func normalizeFilter(f Filter) Filter {
	switch f := f.(type) {
	case nil:
		return nil
	case Eq:
		return f
	case And:
		ops := flattenAnd(f.Operands)
		return rebuild(ops, func(ops []Filter) Filter { return And{Operands: ops} })
	case Or:
		ops := flattenOr(f.Operands)
		return rebuild(ops, func(ops []Filter) Filter { return Or{Operands: ops} })
	default:
		return f
	}
}

func flattenAnd(operands []Filter) []Filter {
	var out []Filter
	for _, op := range operands {
		switch op := normalizeFilter(op).(type) {
		case nil:
		case And:
			out = append(out, op.Operands...)
		default:
			out = append(out, op)
		}
	}
	return out
}

// flattenOr returns nil as soon as any operand normalizes to nil: match-all
// is the disjunction's annihilator, so the whole Or collapses to match-all.
func flattenOr(operands []Filter) []Filter {
	var out []Filter
	for _, op := range operands {
		switch op := normalizeFilter(op).(type) {
		case nil:
			return nil
		case Or:
			out = append(out, op.Operands...)
		default:
			out = append(out, op)
		}
	}
	return out
}

func rebuild(ops []Filter, wrap func([]Filter) Filter) Filter {
	if len(ops) == 0 {
		return nil
	}
	sort.Slice(ops, func(i, j int) bool {
		return encodeFilter(ops[i]) < encodeFilter(ops[j])
	})
	deduped := ops[:1]
	for _, op := range ops[1:] {
		if encodeFilter(op) != encodeFilter(deduped[len(deduped)-1]) {
			deduped = append(deduped, op)
		}
	}
	if len(deduped) == 1 {
		return deduped[0]
	}
	return wrap(deduped)
}
