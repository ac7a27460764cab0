package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrWrite is returned when a row could not be appended to a table
	ErrWrite = errors.New("sink write failed")

	// ErrSchemaMismatch is returned when an existing table's header or a row's
	// width disagrees with what the caller expects
	ErrSchemaMismatch = errors.New("table schema mismatch")

	// ErrTableNotFound is returned when appending to a table that was never ensured
	ErrTableNotFound = errors.New("table not found")
)

// Table identifies an ensured table
type Table struct {
	Name   string
	Header []string
}

// Store defines the append-only table contract the pipeline writes to
type Store interface {
	// EnsureTable creates the table with header if absent. An existing table
	// is left untouched; concurrent callers must all succeed.
	EnsureTable(ctx context.Context, name string, header []string) (Table, error)

	// AppendRow appends exactly one row to the table
	AppendRow(ctx context.Context, table Table, row []string) error

	// Close releases the store's resources
	Close() error
}

// Append ensures the named table exists and appends one row to it. Every
// failure is reported as ErrWrite; the context bounds the whole operation.
func Append(ctx context.Context, store Store, name string, header, row []string) error {
	if len(row) != len(header) {
		return fmt.Errorf("appending to %s: %w: %w", name, ErrWrite,
			fmt.Errorf("%w: row has %d cells, header has %d", ErrSchemaMismatch, len(row), len(header)))
	}

	table, err := store.EnsureTable(ctx, name, header)
	if err != nil {
		return fmt.Errorf("ensuring table %s: %w: %w", name, ErrWrite, err)
	}

	if err := store.AppendRow(ctx, table, row); err != nil {
		return fmt.Errorf("appending to %s: %w: %w", name, ErrWrite, err)
	}
	return nil
}

func checkHeader(name string, existing, expected []string) error {
	if slices.Equal(existing, expected) {
		return nil
	}
	return fmt.Errorf("%w: table %s has header %q, expected %q", ErrSchemaMismatch, name, existing, expected)
}
