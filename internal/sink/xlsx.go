package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"
)

// XLSXStore implements Store as worksheets of a local workbook. The workbook
// is saved after every change.
type XLSXStore struct {
	path string

	mu   sync.Mutex
	file *excelize.File
	next map[string]int
}

// NewXLSXStore opens the workbook at path, creating it on first save if missing
func NewXLSXStore(path string) (*XLSXStore, error) {
	var (
		f   *excelize.File
		err error
	)
	if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
		f = excelize.NewFile()
	} else {
		f, err = excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening workbook: %w", err)
		}
	}

	return &XLSXStore{
		path: path,
		file: f,
		next: make(map[string]int),
	}, nil
}

// EnsureTable adds a worksheet with the header as its first row if absent
func (x *XLSXStore) EnsureTable(ctx context.Context, name string, header []string) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	idx, err := x.file.GetSheetIndex(name)
	if err != nil {
		return Table{}, fmt.Errorf("looking up worksheet %s: %w", name, err)
	}

	if idx != -1 {
		rows, err := x.file.GetRows(name)
		if err != nil {
			return Table{}, fmt.Errorf("reading worksheet %s: %w", name, err)
		}
		var existing []string
		if len(rows) > 0 {
			existing = rows[0]
		}
		if err := checkHeader(name, existing, header); err != nil {
			return Table{}, err
		}
		if _, ok := x.next[name]; !ok {
			x.next[name] = len(rows) + 1
		}
		return Table{Name: name, Header: header}, nil
	}

	if _, err := x.file.NewSheet(name); err != nil {
		return Table{}, fmt.Errorf("creating worksheet %s: %w", name, err)
	}
	if err := x.writeRow(name, 1, header); err != nil {
		return Table{}, err
	}
	x.next[name] = 2

	if err := x.file.SaveAs(x.path); err != nil {
		return Table{}, fmt.Errorf("saving workbook: %w", err)
	}
	return Table{Name: name, Header: header}, nil
}

// AppendRow writes the row below the last used row and saves the workbook
func (x *XLSXStore) AppendRow(ctx context.Context, table Table, row []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	next, ok := x.next[table.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table.Name)
	}

	if err := x.writeRow(table.Name, next, row); err != nil {
		return err
	}
	if err := x.file.SaveAs(x.path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	x.next[table.Name] = next + 1
	return nil
}

// Rows returns every row of a worksheet, header included
func (x *XLSXStore) Rows(name string) ([][]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.file.GetRows(name)
}

func (x *XLSXStore) writeRow(sheet string, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := x.file.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("writing row %d of %s: %w", rowNum, sheet, err)
	}
	return nil
}

// Close closes the workbook
func (x *XLSXStore) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.file.Close()
}
