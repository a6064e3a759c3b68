package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketRecords = "records"
	bucketSchemas = "schemas"
)

// BoltStore implements Store in a single bbolt file. It is the default
// backend for local CLI runs.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	s := &BoltStore{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRecords, bucketSchemas} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Define(_ context.Context, collection string, schema Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSchemas)).Put([]byte(collection), data)
	})
}

func (s *BoltStore) Schema(_ context.Context, collection string) (Schema, error) {
	var schema Schema
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		schema, err = loadSchema(tx, collection)
		return err
	})
	return schema, err
}

func loadSchema(tx *bolt.Tx, collection string) (Schema, error) {
	v := tx.Bucket([]byte(bucketSchemas)).Get([]byte(collection))
	if v == nil {
		return nil, fmt.Errorf("%w: collection %s", ErrNotFound, collection)
	}
	var schema Schema
	if err := json.Unmarshal(v, &schema); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", collection, err)
	}
	return schema, nil
}

func (s *BoltStore) Query(_ context.Context, collection string, filter Filter) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := loadSchema(tx, collection); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketRecords)).ForEach(func(_, v []byte) error {
			r, err := unmarshalRecord(v)
			if err != nil {
				return err
			}
			if r.Collection == collection && filter.Matches(r.Fields) {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Create(_ context.Context, collection string, fields Fields) (string, error) {
	r := Record{
		ID:         uuid.New().String(),
		Collection: collection,
		CreatedAt:  time.Now().UTC(),
		Fields:     fields,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		schema, err := loadSchema(tx, collection)
		if err != nil {
			return err
		}
		if err := validate(schema, fields); err != nil {
			return err
		}
		data, err := marshalRecord(r)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketRecords)).Put([]byte(r.ID), data)
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func (s *BoltStore) Update(_ context.Context, id string, fields Fields) (string, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRecords))
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: record %s", ErrNotFound, id)
		}
		r, err := unmarshalRecord(v)
		if err != nil {
			return err
		}
		schema, err := loadSchema(tx, r.Collection)
		if err != nil {
			return err
		}
		if err := validate(schema, fields); err != nil {
			return err
		}
		for k, val := range fields {
			r.Fields[k] = val
		}
		data, err := marshalRecord(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
