package agent

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/zombor/ocr-agent/internal/scanning"
	"github.com/zombor/ocr-agent/internal/sink"
)

const (
	ExpensesTable = "Expenses"
	LogsTable     = "Logs"

	// DefaultSinkTimeout bounds one ensure-and-append against the store
	DefaultSinkTimeout = 30 * time.Second
)

var (
	ExpensesHeader = []string{"Timestamp", "Vendor", "Date", "Items", "Total", "Payment Method", "Raw Text"}
	LogsHeader     = []string{"Timestamp", "Source", "Raw Text", "Summary"}
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current local time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ExpenseHandler writes receipts to the Expenses table
type ExpenseHandler struct {
	store   sink.Store
	timeout time.Duration
	clock   TimeSource
}

// NewExpenseHandler creates a handler bounded by timeout per write
func NewExpenseHandler(store sink.Store, timeout time.Duration, clock TimeSource) *ExpenseHandler {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	if clock == nil {
		clock = &defaultTimeSource{}
	}
	return &ExpenseHandler{store: store, timeout: timeout, clock: clock}
}

// Handle appends one expense row and describes it
func (h *ExpenseHandler) Handle(ctx context.Context, receipt scanning.Receipt, rawText string) (RoutedResult, error) {
	timestamp := h.clock.Now().Format(TimestampLayout)

	items, err := encodeItems(receipt.Items)
	if err != nil {
		return RoutedResult{}, err
	}
	row := []string{timestamp, receipt.Vendor, receipt.Date, items, receipt.Total, receipt.PaymentMethod, rawText}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := sink.Append(ctx, h.store, ExpensesTable, ExpensesHeader, row); err != nil {
		return RoutedResult{}, err
	}

	return RoutedResult{
		Action:    ActionExpensed,
		Tab:       ExpensesTable,
		Timestamp: timestamp,
		Payload: ExpensePayload{
			Vendor:        receipt.Vendor,
			Date:          receipt.Date,
			Items:         receipt.Items,
			Total:         receipt.Total,
			PaymentMethod: receipt.PaymentMethod,
		},
	}, nil
}

// encodeItems renders items as compact JSON, keeping non-ASCII text readable
func encodeItems(items []scanning.Item) (string, error) {
	if items == nil {
		items = []scanning.Item{}
	}
	data, err := marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LogHandler writes every other document to the Logs table
type LogHandler struct {
	store   sink.Store
	timeout time.Duration
	clock   TimeSource
}

// NewLogHandler creates a handler bounded by timeout per write
func NewLogHandler(store sink.Store, timeout time.Duration, clock TimeSource) *LogHandler {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	if clock == nil {
		clock = &defaultTimeSource{}
	}
	return &LogHandler{store: store, timeout: timeout, clock: clock}
}

// Handle appends one log row. A document whose reply left out the summary is
// summarised by the start of its raw text; an explicit empty summary is kept.
func (h *LogHandler) Handle(ctx context.Context, doc scanning.Other, rawText string, source Provenance) (RoutedResult, error) {
	timestamp := h.clock.Now().Format(TimestampLayout)

	summary := doc.Summary
	if doc.SummaryMissing {
		summary = summarize(rawText)
	}
	row := []string{timestamp, string(source), rawText, summary}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := sink.Append(ctx, h.store, LogsTable, LogsHeader, row); err != nil {
		return RoutedResult{}, err
	}

	return RoutedResult{
		Action:    ActionLogged,
		Tab:       LogsTable,
		Timestamp: timestamp,
		Payload:   LogPayload{Source: source, Summary: summary},
	}, nil
}

func summarize(rawText string) string {
	if utf8.RuneCountInString(rawText) <= scanning.SummaryLimit {
		return rawText
	}
	return scanning.Truncate(rawText, scanning.SummaryLimit) + "..."
}
