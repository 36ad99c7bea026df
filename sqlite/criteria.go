package sqlite

import (
	"fmt"
	"strings"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// buildCriteria compiles a stream query into a parameterized SQL predicate
// over the (event_type, domain_identifiers) columns shared by the event and
// event_sequence tables.
//
// Identifier values are always parameterized, never interpolated. Identifier
// names become json_extract paths and are validated against the schema
// character set before interpolation.
//
// A zero query compiles to a predicate matching no rows.
func buildCriteria(q streamquery.Query) (string, []any, error) {
	branches := q.Branches()
	if len(branches) == 0 {
		return "0 = 1", nil, nil
	}

	var parts []string
	var params []any
	for _, b := range branches {
		branchSQL, branchParams, err := buildBranch(b)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, branchSQL)
		params = append(params, branchParams...)
	}

	if len(parts) == 1 {
		return parts[0], params, nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", params, nil
}

func buildBranch(b streamquery.Branch) (string, []any, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(b.Types)), ",")
	typeSQL := fmt.Sprintf("event_type IN (%s)", placeholders)
	params := make([]any, 0, len(b.Types))
	for _, t := range b.Types {
		params = append(params, t)
	}

	if b.Filter == nil {
		return "(" + typeSQL + ")", params, nil
	}

	filterSQL, filterParams, err := buildFilter(b.Filter)
	if err != nil {
		return "", nil, err
	}
	params = append(params, filterParams...)
	return "(" + typeSQL + " AND " + filterSQL + ")", params, nil
}

func buildFilter(f streamquery.Filter) (string, []any, error) {
	switch f := f.(type) {
	case streamquery.Eq:
		if err := event.ValidateIdentifier(f.Ident); err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		sql := fmt.Sprintf("json_extract(domain_identifiers, '$.%s') = ?", f.Ident)
		return sql, []any{f.Value}, nil
	case streamquery.And:
		return buildJunction(f.Operands, " AND ")
	case streamquery.Or:
		return buildJunction(f.Operands, " OR ")
	default:
		return "", nil, fmt.Errorf("unsupported filter type: %T", f)
	}
}

func buildJunction(operands []streamquery.Filter, op string) (string, []any, error) {
	var parts []string
	var params []any
	for _, operand := range operands {
		sql, operandParams, err := buildFilter(operand)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, operandParams...)
	}
	return "(" + strings.Join(parts, op) + ")", params, nil
}
