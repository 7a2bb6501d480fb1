// Package source reads task records for exports. The export path never writes
// to the task store, so scans need no locking.
package source

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

const taskColumns = "id, title, COALESCE(description, ''), status, priority, created_at, updated_at, completed_at"

// sortExpressions maps FilterSpec sort fields onto SQL.
var sortExpressions = map[string]string{
	model.SortCreatedAt:   "created_at",
	model.SortUpdatedAt:   "updated_at",
	model.SortCompletedAt: "completed_at",
	model.SortPriority:    "CASE priority WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 ELSE 0 END",
	model.SortStatus:      "status",
	model.SortTitle:       "title",
}

// whereClause renders the filter as a WHERE clause with positional args
// numbered from len(args)+1.
func whereClause(f model.FilterSpec, args []any) (string, []any) {
	var conds []string
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Status) > 0 {
		add("status = ANY($%d)", f.Status)
	}
	if len(f.Priority) > 0 {
		add("priority = ANY($%d)", f.Priority)
	}
	if f.CreatedFrom != nil {
		add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= $%d", *f.CreatedTo)
	}
	if f.CompletedFrom != nil {
		add("completed_at >= $%d", *f.CompletedFrom)
	}
	if f.CompletedTo != nil {
		add("completed_at <= $%d", *f.CompletedTo)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// orderClause orders by the requested field with id as a stable tie-breaker.
func orderClause(f model.FilterSpec) string {
	f = f.Normalize()
	expr, ok := sortExpressions[f.SortBy]
	if !ok {
		expr = sortExpressions[model.SortCreatedAt]
	}
	dir := "DESC"
	if f.SortOrder == model.SortAsc {
		dir = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s NULLS LAST, id %s", expr, dir, dir)
}

func countQuery(f model.FilterSpec) (string, []any) {
	where, args := whereClause(f, nil)
	return "SELECT COUNT(*) FROM tasks" + where, args
}

// existsQuery probes for a single matching row touched after since.
func existsQuery(f model.FilterSpec, since any) (string, []any) {
	where, args := whereClause(f, nil)
	args = append(args, since)
	touched := fmt.Sprintf("(created_at > $%d OR updated_at > $%d)", len(args), len(args))
	if where == "" {
		where = " WHERE " + touched
	} else {
		where += " AND " + touched
	}
	return "SELECT EXISTS (SELECT 1 FROM tasks" + where + " LIMIT 1)", args
}

func scanQuery(f model.FilterSpec) (string, []any) {
	where, args := whereClause(f, nil)
	return "SELECT " + taskColumns + " FROM tasks" + where + orderClause(f), args
}
