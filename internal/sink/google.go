package sink

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

const (
	// valueInputOption makes Sheets parse cells as if typed by a user
	valueInputOption = "USER_ENTERED"
	newSheetRows     = 1000

	// ensureTimeout bounds a shared ensure when the first caller set no deadline
	ensureTimeout = 30 * time.Second
)

// GoogleStore implements Store on worksheets of one Google spreadsheet
type GoogleStore struct {
	srv           *gsheets.Service
	spreadsheetID string
	logger        *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}
	group singleflight.Group
}

// NewGoogleStore creates a store for the spreadsheet. Callers supply
// credentials through opts, e.g. option.WithCredentialsFile.
func NewGoogleStore(ctx context.Context, spreadsheetID string, logger *slog.Logger, opts ...option.ClientOption) (*GoogleStore, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}

	return &GoogleStore{
		srv:           srv,
		spreadsheetID: spreadsheetID,
		logger:        logger,
		known:         make(map[string]struct{}),
	}, nil
}

// EnsureTable creates the worksheet and its header row if absent. Concurrent
// calls for the same name share one round trip. A worksheet that already
// exists, or that another writer created first, has its first row checked
// against header and filled in when empty.
func (g *GoogleStore) EnsureTable(ctx context.Context, name string, header []string) (Table, error) {
	table := Table{Name: name, Header: header}

	g.mu.Lock()
	_, ok := g.known[name]
	g.mu.Unlock()
	if ok {
		return table, nil
	}

	ch := g.group.DoChan(name, func() (interface{}, error) {
		// The shared call outlives any single caller that gives up
		shared, cancel := sharedContext(ctx)
		defer cancel()
		if err := g.ensure(shared, name, header); err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.known[name] = struct{}{}
		g.mu.Unlock()
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Table{}, res.Err
		}
		return table, nil
	case <-ctx.Done():
		return Table{}, fmt.Errorf("ensuring worksheet %s: %w", name, ctx.Err())
	}
}

// sharedContext keeps ctx's values and deadline but not its cancellation
func sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithTimeout(detached, ensureTimeout)
}

func (g *GoogleStore) ensure(ctx context.Context, name string, header []string) error {
	spreadsheet, err := g.srv.Spreadsheets.Get(g.spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("listing worksheets: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == name {
			return g.ensureHeader(ctx, name, header)
		}
	}

	_, err = g.srv.Spreadsheets.BatchUpdate(g.spreadsheetID, createSheetRequest(name, header)).Context(ctx).Do()
	if isAlreadyExists(err) {
		g.logger.Debug("worksheet created concurrently", "sheet", name)
		return g.ensureHeader(ctx, name, header)
	}
	if err != nil {
		return fmt.Errorf("creating worksheet %s: %w", name, err)
	}

	g.logger.Info("created worksheet", "sheet", name)
	return nil
}

// ensureHeader writes the header into an empty first row, or checks it
// matches what is already there
func (g *GoogleStore) ensureHeader(ctx context.Context, name string, header []string) error {
	first, err := g.srv.Spreadsheets.Values.Get(g.spreadsheetID, headerRange(name)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("reading header of %s: %w", name, err)
	}

	var existing []string
	if len(first.Values) > 0 {
		for _, v := range first.Values[0] {
			existing = append(existing, fmt.Sprint(v))
		}
	}
	if !slices.ContainsFunc(existing, func(v string) bool { return v != "" }) {
		g.logger.Warn("worksheet has no header, writing it", "sheet", name)
		_, err := g.srv.Spreadsheets.Values.Update(g.spreadsheetID, sheetRange(name), &gsheets.ValueRange{
			Values: [][]interface{}{cells(header)},
		}).
			ValueInputOption(valueInputOption).
			Context(ctx).
			Do()
		if err != nil {
			return fmt.Errorf("writing header of %s: %w", name, err)
		}
		return nil
	}
	return checkHeader(name, existing, header)
}

// createSheetRequest adds the worksheet and fills its header row in one
// batch, which Sheets applies all or nothing
func createSheetRequest(name string, header []string) *gsheets.BatchUpdateSpreadsheetRequest {
	id := sheetID(name)

	values := make([]*gsheets.CellData, len(header))
	for i, h := range header {
		values[i] = &gsheets.CellData{UserEnteredValue: &gsheets.ExtendedValue{StringValue: &h}}
	}

	return &gsheets.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheets.Request{
			{
				AddSheet: &gsheets.AddSheetRequest{
					Properties: &gsheets.SheetProperties{
						SheetId: id,
						Title:   name,
						GridProperties: &gsheets.GridProperties{
							RowCount:    newSheetRows,
							ColumnCount: int64(len(header)),
						},
					},
				},
			},
			{
				UpdateCells: &gsheets.UpdateCellsRequest{
					Start:  &gsheets.GridCoordinate{SheetId: id},
					Rows:   []*gsheets.RowData{{Values: values}},
					Fields: "userEnteredValue",
				},
			},
		},
	}
}

// sheetID derives a stable, non-zero worksheet id from its title so the
// header request can refer to the sheet created in the same batch
func sheetID(name string) int64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	id := int64(h.Sum32() & 0x7fffffff)
	if id == 0 {
		id = 1
	}
	return id
}

// AppendRow appends the row after the last row of the worksheet
func (g *GoogleStore) AppendRow(ctx context.Context, table Table, row []string) error {
	return g.append(ctx, table.Name, row)
}

func (g *GoogleStore) append(ctx context.Context, sheet string, row []string) error {
	_, err := g.srv.Spreadsheets.Values.Append(g.spreadsheetID, sheetRange(sheet), &gsheets.ValueRange{
		Values: [][]interface{}{cells(row)},
	}).
		ValueInputOption(valueInputOption).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("appending row to %s: %w", sheet, err)
	}
	return nil
}

// Close is a no-op; the service holds no long-lived connections of its own
func (g *GoogleStore) Close() error {
	return nil
}

func cells(row []string) []interface{} {
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = v
	}
	return values
}

func quoteSheet(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

func sheetRange(sheet string) string {
	return quoteSheet(sheet) + "!A1"
}

// headerRange covers the whole first row
func headerRange(sheet string) string {
	return quoteSheet(sheet) + "!1:1"
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}
