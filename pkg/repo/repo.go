package repo

import (
	"fmt"
	"strings"
)

// Insert renders a parameterized INSERT statement for tableName, binding
// each of fields in order and appending a RETURNING clause when returning
// is non-empty. Callers supply their own schema-qualified table name
// (e.g. "public.calls").
func Insert(tableName string, fields []string, returning ...string) string {
	placeholders := make([]string, len(fields))
	for i := range fields {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(fields, ", "),
		strings.Join(placeholders, ", "),
	)
	if len(returning) > 0 {
		stmt += " RETURNING " + strings.Join(returning, ", ")
	}
	return stmt
}

// Update renders a parameterized UPDATE statement for tableName. fields
// are bound starting at $1; whereColumn (if non-empty) is bound as the
// final parameter.
func Update(tableName string, fields []string, whereColumn string) string {
	sets := make([]string, len(fields))
	for i, f := range fields {
		sets[i] = fmt.Sprintf("%s = $%d", f, i+1)
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s", tableName, strings.Join(sets, ", "))
	if whereColumn != "" {
		stmt += fmt.Sprintf(" WHERE %s = $%d", whereColumn, len(fields)+1)
	}
	return stmt
}
