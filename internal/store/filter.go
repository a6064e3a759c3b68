package store

import (
	"slices"
	"strings"
)

// Matches evaluates the filter in process. Used by the memory and
// embedded backends.
func (f Filter) Matches(fields Fields) bool {
	for _, p := range f.And {
		if !p.Matches(fields) {
			return false
		}
	}
	return true
}

// Matches evaluates one predicate against fields. A missing property
// never matches.
func (p Predicate) Matches(fields Fields) bool {
	v, ok := fields[p.Property]
	if !ok {
		return false
	}
	want := p.Value

	switch p.Op {
	case OpEquals:
		switch want.Type {
		case TypeNumber:
			return !v.Empty && v.Number.Equal(want.Number)
		case TypeDate:
			return !v.Empty && v.Date.Equal(want.Date)
		case TypeRelation:
			return slices.Equal(v.Relation, want.Relation)
		default:
			return !v.Empty && v.Text == want.Text
		}
	case OpGreaterThan:
		if v.Empty {
			return false
		}
		switch want.Type {
		case TypeNumber:
			return v.Number.GreaterThan(want.Number)
		case TypeDate:
			return v.Date.After(want.Date)
		}
		return false
	case OpContains:
		if want.Type == TypeRelation {
			for _, id := range want.Relation {
				if !slices.Contains(v.Relation, id) {
					return false
				}
			}
			return true
		}
		return strings.Contains(v.Text, want.Text)
	}
	return false
}
