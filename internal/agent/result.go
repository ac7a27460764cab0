package agent

import (
	"bytes"
	"encoding/json"

	"github.com/zombor/ocr-agent/internal/scanning"
)

// TimestampLayout formats row and result timestamps in local time
const TimestampLayout = "2006-01-02 15:04:05"

// Action is what the pipeline did with a document
type Action string

const (
	ActionExpensed Action = "expensed"
	ActionLogged   Action = "logged"
)

// Payload holds the variant-specific fields of a routed result
type Payload interface {
	fields() map[string]interface{}
}

// ExpensePayload mirrors a receipt as written to the Expenses table
type ExpensePayload struct {
	Vendor        string
	Date          string
	Items         []scanning.Item
	Total         string
	PaymentMethod string
}

func (p ExpensePayload) fields() map[string]interface{} {
	items := p.Items
	if items == nil {
		items = []scanning.Item{}
	}
	return map[string]interface{}{
		"vendor":         p.Vendor,
		"date":           p.Date,
		"items":          items,
		"total":          p.Total,
		"payment_method": p.PaymentMethod,
	}
}

// LogPayload mirrors a document as written to the Logs table
type LogPayload struct {
	Source  Provenance
	Summary string
}

func (p LogPayload) fields() map[string]interface{} {
	return map[string]interface{}{
		"source":  p.Source,
		"summary": p.Summary,
	}
}

// RoutedResult is the outcome of one successful pipeline run
type RoutedResult struct {
	Action         Action
	Tab            string
	Timestamp      string
	Payload        Payload
	RawText        string
	Classification scanning.Classification
}

// MarshalJSON renders the payload fields alongside the common ones
func (r RoutedResult) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if r.Payload != nil {
		out = r.Payload.fields()
	}
	out["action"] = r.Action
	out["tab"] = r.Tab
	out["timestamp"] = r.Timestamp
	out["raw_text"] = r.RawText
	out["classification"] = r.Classification
	return marshal(out)
}

// marshal is json.Marshal without the HTML escaping of &, < and >. Callers
// that want escaping get it from their own encoder.
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
