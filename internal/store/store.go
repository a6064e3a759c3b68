// Package store is the typed record store that synced orders are written
// to. Records live in named collections and carry typed properties
// (title, text, number, date, select, relation, formula). Backends are a
// Notion-style HTTP API (source of truth), PostgreSQL, an embedded bbolt
// file, and in-memory (for testing), with an optional Redis cache in front.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a record or collection does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrValidation is returned when a write does not fit the collection
	// schema. It is never retried.
	ErrValidation = errors.New("store: validation failed")
)

// PropertyType is the declared type of a property.
type PropertyType string

const (
	TypeTitle    PropertyType = "title"
	TypeRichText PropertyType = "rich_text"
	TypeNumber   PropertyType = "number"
	TypeDate     PropertyType = "date"
	TypeSelect   PropertyType = "select"
	TypeRelation PropertyType = "relation"
	// Formula and rollup values are computed by the store and read-only.
	TypeFormula PropertyType = "formula"
	TypeRollup  PropertyType = "rollup"
)

// Derived reports whether values of this type are computed by the store.
func (t PropertyType) Derived() bool { return t == TypeFormula || t == TypeRollup }

// Schema maps property names to their declared types.
type Schema map[string]PropertyType

// Value is one typed property value. Text holds title, rich_text and
// select values; Number, Date and Relation hold the rest. Empty marks an
// unset number, date or select.
type Value struct {
	Type     PropertyType
	Text     string
	Number   decimal.Decimal
	Date     time.Time
	Relation []string
	Empty    bool
}

func Title(s string) Value { return Value{Type: TypeTitle, Text: s} }
func Text(s string) Value { return Value{Type: TypeRichText, Text: s} }
func Number(d decimal.Decimal) Value { return Value{Type: TypeNumber, Number: d} }
func Date(t time.Time) Value { return Value{Type: TypeDate, Date: t} }
func Select(name string) Value { return Value{Type: TypeSelect, Text: name} }
func Relation(ids ...string) Value { return Value{Type: TypeRelation, Relation: ids} }

// Fields is a set of property values keyed by property name.
type Fields map[string]Value

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if v.Relation != nil {
			v.Relation = append([]string(nil), v.Relation...)
		}
		out[k] = v
	}
	return out
}

// Record is a stored page.
type Record struct {
	ID         string
	Collection string
	CreatedAt  time.Time
	Fields     Fields
}

// Text returns a title, rich_text or select value, or "".
func (r Record) Text(name string) string {
	return r.Fields[name].Text
}

// Number returns a number (or numeric formula) value.
func (r Record) Number(name string) (decimal.Decimal, bool) {
	v, ok := r.Fields[name]
	if !ok || v.Empty {
		return decimal.Zero, false
	}
	return v.Number, true
}

// Date returns a date value.
func (r Record) Date(name string) (time.Time, bool) {
	v, ok := r.Fields[name]
	if !ok || v.Empty || v.Date.IsZero() {
		return time.Time{}, false
	}
	return v.Date, true
}

// Relation returns the related record ids.
func (r Record) Relation(name string) []string {
	return r.Fields[name].Relation
}

// Op is a filter comparison.
type Op string

const (
	OpEquals      Op = "equals"
	OpGreaterThan Op = "greater_than"
	OpContains    Op = "contains"
)

// Predicate compares one property against a value.
type Predicate struct {
	Property string
	Op       Op
	Value    Value
}

// Filter is a conjunction of predicates. The zero Filter matches everything.
type Filter struct {
	And []Predicate
}

// Where builds a Filter.
func Where(ps ...Predicate) Filter { return Filter{And: ps} }

func Equals(property string, v Value) Predicate {
	return Predicate{Property: property, Op: OpEquals, Value: v}
}

func GreaterThan(property string, v Value) Predicate {
	return Predicate{Property: property, Op: OpGreaterThan, Value: v}
}

// Contains matches relations that include id.
func Contains(property, id string) Predicate {
	return Predicate{Property: property, Op: OpContains, Value: Relation(id)}
}

// Store is the persistence interface used by the syncer. Query results
// come back in no particular order.
type Store interface {
	// Schema returns the property types of a collection.
	Schema(ctx context.Context, collection string) (Schema, error)

	// Query returns every record in collection matching filter.
	Query(ctx context.Context, collection string, filter Filter) ([]Record, error)

	// Create inserts a record and returns its id.
	Create(ctx context.Context, collection string, fields Fields) (string, error)

	// Update overwrites the given properties of a record and returns its id.
	Update(ctx context.Context, id string, fields Fields) (string, error)
}

// Definer is implemented by backends whose collections are declared
// locally rather than provisioned upstream.
type Definer interface {
	Define(ctx context.Context, collection string, schema Schema) error
}

// APIError is a non-2xx response from an HTTP backend.
type APIError struct {
	Status     int
	Code       string
	Message    string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store: %d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusConflict ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= 500
}

// RetryAfter is the server-requested delay, if any.
func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrValidation:
		return e.Status == http.StatusBadRequest
	}
	return false
}

// validate checks fields against schema before a write.
func validate(schema Schema, fields Fields) error {
	for name, v := range fields {
		typ, ok := schema[name]
		if !ok {
			return fmt.Errorf("%w: unknown property %q", ErrValidation, name)
		}
		if typ.Derived() {
			return fmt.Errorf("%w: property %q is computed", ErrValidation, name)
		}
		if typ != v.Type {
			return fmt.Errorf("%w: property %q is %s, got %s", ErrValidation, name, typ, v.Type)
		}
	}
	return nil
}
