package agent

import (
	"context"
	"fmt"

	"github.com/zombor/ocr-agent/internal/scanning"
)

// Router sends each classification to the handler for its variant
type Router struct {
	expenses *ExpenseHandler
	logs     *LogHandler
}

// NewRouter creates a router over the two sink handlers
func NewRouter(expenses *ExpenseHandler, logs *LogHandler) *Router {
	return &Router{expenses: expenses, logs: logs}
}

// Route dispatches to the expense or log handler and returns its error unchanged
func (r *Router) Route(ctx context.Context, classification scanning.Classification, rawText string, source Provenance) (RoutedResult, error) {
	switch c := classification.(type) {
	case scanning.Receipt:
		return r.expenses.Handle(ctx, c, rawText)
	case scanning.Other:
		return r.logs.Handle(ctx, c, rawText, source)
	default:
		// Classification is sealed to the two cases above
		panic(fmt.Sprintf("agent: unhandled classification %T", classification))
	}
}
