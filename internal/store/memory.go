package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[string]Schema
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schemas: make(map[string]Schema),
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Define declares (or replaces) a collection schema.
func (s *MemoryStore) Define(_ context.Context, collection string, schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(Schema, len(schema))
	for k, v := range schema {
		cp[k] = v
	}
	s.schemas[collection] = cp
	return nil
}

func (s *MemoryStore) Schema(_ context.Context, collection string) (Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schema, ok := s.schemas[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", ErrNotFound, collection)
	}
	cp := make(Schema, len(schema))
	for k, v := range schema {
		cp[k] = v
	}
	return cp, nil
}

func (s *MemoryStore) Query(_ context.Context, collection string, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.schemas[collection]; !ok {
		return nil, fmt.Errorf("%w: collection %s", ErrNotFound, collection)
	}
	var out []Record
	for _, r := range s.records {
		if r.Collection != collection || !filter.Matches(r.Fields) {
			continue
		}
		// Return a copy to avoid external mutation.
		cp := *r
		cp.Fields = r.Fields.clone()
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, collection string, fields Fields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, ok := s.schemas[collection]
	if !ok {
		return "", fmt.Errorf("%w: collection %s", ErrNotFound, collection)
	}
	if err := validate(schema, fields); err != nil {
		return "", err
	}
	r := &Record{
		ID:         uuid.New().String(),
		Collection: collection,
		CreatedAt:  s.now().UTC(),
		Fields:     fields.clone(),
	}
	s.records[r.ID] = r
	return r.ID, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fields Fields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return "", fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if err := validate(s.schemas[r.Collection], fields); err != nil {
		return "", err
	}
	for k, v := range fields.clone() {
		r.Fields[k] = v
	}
	return id, nil
}

// Get returns one record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	cp := *r
	cp.Fields = r.Fields.clone()
	return cp, nil
}

// Len returns the number of records in a collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if r.Collection == collection {
			n++
		}
	}
	return n
}
