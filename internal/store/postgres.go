package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL. Properties are kept in a
// JSONB column in the same shape the HTTP backend uses, so numbers stay
// exact and filters run in SQL (NUMERIC casts, @> containment).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name   TEXT PRIMARY KEY,
	schema JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	id         UUID PRIMARY KEY,
	collection TEXT NOT NULL REFERENCES collections(name),
	created_at TIMESTAMPTZ NOT NULL,
	fields     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS records_collection_idx ON records (collection);
CREATE INDEX IF NOT EXISTS records_fields_idx ON records USING GIN (fields);`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Define(ctx context.Context, collection string, schema Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO collections (name, schema) VALUES ($1, $2::JSONB)
		 ON CONFLICT (name) DO UPDATE SET schema = EXCLUDED.schema`,
		collection, string(data))
	return err
}

func (s *PostgresStore) Schema(ctx context.Context, collection string) (Schema, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT schema::TEXT FROM collections WHERE name = $1`, collection).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: collection %s", ErrNotFound, collection)
	}
	if err != nil {
		return nil, fmt.Errorf("get schema %s: %w", collection, err)
	}
	var schema Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", collection, err)
	}
	return schema, nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	if _, err := s.Schema(ctx, collection); err != nil {
		return nil, err
	}
	where, args, err := buildWhere(filter, 2)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, collection, created_at, fields::TEXT
		 FROM records WHERE collection = $1`+where,
		append([]any{collection}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	schema, err := s.Schema(ctx, collection)
	if err != nil {
		return "", err
	}
	if err := validate(schema, fields); err != nil {
		return "", err
	}
	data, err := encodeJSONB(fields)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, collection, created_at, fields) VALUES ($1, $2, $3, $4::JSONB)`,
		id, collection, time.Now().UTC(), data)
	if err != nil {
		return "", fmt.Errorf("create record in %s: %w", collection, err)
	}
	return id, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fields Fields) (string, error) {
	var collection string
	err := s.pool.QueryRow(ctx, `SELECT collection FROM records WHERE id = $1`, id).Scan(&collection)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	schema, err := s.Schema(ctx, collection)
	if err != nil {
		return "", err
	}
	if err := validate(schema, fields); err != nil {
		return "", err
	}
	data, err := encodeJSONB(fields)
	if err != nil {
		return "", err
	}
	// jsonb || merges top-level keys, replacing the updated properties.
	_, err = s.pool.Exec(ctx, `UPDATE records SET fields = fields || $2::JSONB WHERE id = $1`, id, data)
	if err != nil {
		return "", fmt.Errorf("update record %s: %w", id, err)
	}
	return id, nil
}

func encodeJSONB(fields Fields) (string, error) {
	props, err := EncodeFields(fields)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(props)
	return string(data), err
}

// pgxRows is the subset of pgx.Rows used by scanRecords.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanRecords(rows pgxRows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var raw string
		if err := rows.Scan(&r.ID, &r.Collection, &r.CreatedAt, &raw); err != nil {
			return nil, err
		}
		var props map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &props); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", r.ID, err)
		}
		fields, err := DecodeFields(props)
		if err != nil {
			return nil, fmt.Errorf("decode record %s: %w", r.ID, err)
		}
		r.Fields = fields
		out = append(out, r)
	}
	return out, rows.Err()
}

// buildWhere translates a filter into " AND ..." clauses over the fields
// column. Placeholders start at $first.
func buildWhere(filter Filter, first int) (string, []any, error) {
	var (
		sb   strings.Builder
		args []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", first+len(args)-1)
	}

	for _, p := range filter.And {
		prop := next(p.Property)
		field := "(fields->" + prop + "::TEXT)"
		var clause string

		switch {
		case p.Op == OpContains && p.Value.Type == TypeRelation:
			refs := make([]wireRef, 0, len(p.Value.Relation))
			for _, id := range p.Value.Relation {
				refs = append(refs, wireRef{ID: id})
			}
			data, _ := json.Marshal(refs)
			clause = fmt.Sprintf("%s->'relation' @> %s::JSONB", field, next(string(data)))

		case p.Value.Type == TypeNumber && (p.Op == OpEquals || p.Op == OpGreaterThan):
			clause = fmt.Sprintf("(%s->>'number')::NUMERIC %s %s::NUMERIC",
				field, sqlOp(p.Op), next(p.Value.Number.String()))

		case p.Value.Type == TypeDate && (p.Op == OpEquals || p.Op == OpGreaterThan):
			clause = fmt.Sprintf("(%s->'date'->>'start')::TIMESTAMPTZ %s %s",
				field, sqlOp(p.Op), next(p.Value.Date.UTC()))

		case p.Value.Type == TypeSelect && p.Op == OpEquals:
			clause = fmt.Sprintf("%s->'select'->>'name' = %s", field, next(p.Value.Text))

		case (p.Value.Type == TypeTitle || p.Value.Type == TypeRichText) && p.Op == OpEquals:
			clause = fmt.Sprintf("%s->'%s'->0->'text'->>'content' = %s", field, p.Value.Type, next(p.Value.Text))

		case (p.Value.Type == TypeTitle || p.Value.Type == TypeRichText) && p.Op == OpContains:
			clause = fmt.Sprintf("strpos(%s->'%s'->0->'text'->>'content', %s) > 0", field, p.Value.Type, next(p.Value.Text))

		default:
			return "", nil, fmt.Errorf("%w: unsupported filter %s %s on %s", ErrValidation, p.Property, p.Op, p.Value.Type)
		}
		sb.WriteString(" AND ")
		sb.WriteString(clause)
	}
	return sb.String(), args, nil
}

func sqlOp(op Op) string {
	if op == OpGreaterThan {
		return ">"
	}
	return "="
}
