package sink

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	tablesBucket = []byte("tables")
	rowsBucket   = []byte("rows")
	headerKey    = []byte("header")
)

// BoltStore implements Store on a local BoltDB file. Each table is a nested
// bucket holding its header and a rows bucket keyed by sequence number.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tablesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// EnsureTable creates the table bucket and header if absent. bbolt serializes
// writers, so the check and create happen atomically.
func (b *BoltStore) EnsureTable(ctx context.Context, name string, header []string) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		tables := tx.Bucket(tablesBucket)
		if existing := tables.Bucket([]byte(name)); existing != nil {
			stored, err := storedHeader(existing, name)
			if err != nil {
				return err
			}
			return checkHeader(name, stored, header)
		}

		bucket, err := tables.CreateBucket([]byte(name))
		if err != nil {
			return fmt.Errorf("creating table %s: %w", name, err)
		}
		data, err := json.Marshal(header)
		if err != nil {
			return fmt.Errorf("marshaling header: %w", err)
		}
		if err := bucket.Put(headerKey, data); err != nil {
			return err
		}
		_, err = bucket.CreateBucket(rowsBucket)
		return err
	})
	if err != nil {
		return Table{}, err
	}

	return Table{Name: name, Header: header}, nil
}

// AppendRow stores the row under the table's next sequence number
func (b *BoltStore) AppendRow(ctx context.Context, table Table, row []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tablesBucket).Bucket([]byte(table.Name))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, table.Name)
		}
		rows := bucket.Bucket(rowsBucket)

		seq, err := rows.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating row id: %w", err)
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshaling row: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return rows.Put(key, data)
	})
}

func storedHeader(bucket *bbolt.Bucket, name string) ([]string, error) {
	var header []string
	if err := json.Unmarshal(bucket.Get(headerKey), &header); err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", name, err)
	}
	return header, nil
}

func (b *BoltStore) header(name string) ([]string, error) {
	var header []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tablesBucket).Bucket([]byte(name))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		var err error
		header, err = storedHeader(bucket, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}

// Rows returns every row of a table in append order
func (b *BoltStore) Rows(name string) ([][]string, error) {
	rows := make([][]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tablesBucket).Bucket([]byte(name))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		return bucket.Bucket(rowsBucket).ForEach(func(k, v []byte) error {
			var row []string
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshaling row: %w", err)
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
