// Package repo provides small SQL-building and caching helpers shared by
// the postgres repositories under internal/store.
package repo

import "fmt"

// Filter renders a single WHERE predicate against a parameter index and
// exposes the bind values it needs.
type Filter interface {
	String(column string, paramIdx int) string
	Value() []any
}

type cmpFilter struct {
	op  string
	val any
}

func (f cmpFilter) String(column string, paramIdx int) string {
	return fmt.Sprintf("%s %s $%d", column, f.op, paramIdx)
}

func (f cmpFilter) Value() []any { return []any{f.val} }

// Eq builds a "column = $n" filter.
func Eq(v any) Filter { return cmpFilter{op: "=", val: v} }

// NotEq builds a "column <> $n" filter.
func NotEq(v any) Filter { return cmpFilter{op: "<>", val: v} }

// Gt builds a "column > $n" filter.
func Gt(v any) Filter { return cmpFilter{op: ">", val: v} }

// Gte builds a "column >= $n" filter.
func Gte(v any) Filter { return cmpFilter{op: ">=", val: v} }

// Lt builds a "column < $n" filter.
func Lt(v any) Filter { return cmpFilter{op: "<", val: v} }

// Lte builds a "column <= $n" filter.
func Lte(v any) Filter { return cmpFilter{op: "<=", val: v} }

type likeFilter struct {
	negate  bool
	pattern string
}

func (f likeFilter) String(column string, paramIdx int) string {
	if f.negate {
		return fmt.Sprintf("%s NOT LIKE $%d", column, paramIdx)
	}
	return fmt.Sprintf("%s LIKE $%d", column, paramIdx)
}

func (f likeFilter) Value() []any { return []any{f.pattern} }

// Like builds a "column LIKE $n" filter.
func Like(pattern string) Filter { return likeFilter{pattern: pattern} }

// NotLike builds a "column NOT LIKE $n" filter.
func NotLike(pattern string) Filter { return likeFilter{negate: true, pattern: pattern} }

type inFilter struct {
	negate bool
	values []any
}

func (f inFilter) String(column string, paramIdx int) string {
	placeholders := make([]byte, 0, len(f.values)*3)
	for i := range f.values {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, []byte(fmt.Sprintf("$%d", paramIdx+i))...)
	}
	if f.negate {
		return fmt.Sprintf("%s NOT IN (%s)", column, placeholders)
	}
	return fmt.Sprintf("%s IN (%s)", column, placeholders)
}

func (f inFilter) Value() []any { return f.values }

// In builds a "column IN (...)" filter. vals must be a slice; it panics
// otherwise.
func In(vals any) Filter { return inFilter{values: toAnySlice(vals)} }

// NotIn builds a "column NOT IN (...)" filter.
func NotIn(vals any) Filter { return inFilter{negate: true, values: toAnySlice(vals)} }

func toAnySlice(vals any) []any {
	switch v := vals.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out
	default:
		panic(fmt.Sprintf("repo.In/NotIn: expected a slice, got %T", vals))
	}
}
