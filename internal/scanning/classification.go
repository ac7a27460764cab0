package scanning

import (
	"bytes"
	"encoding/json"
)

// Unknown is the value used for any receipt field the model did not report
const Unknown = "Unknown"

// Kind is the discriminant reported by the model in its "classification" field
type Kind string

const (
	KindReceipt Kind = "RECEIPT"
	KindOther   Kind = "OTHER"
)

// Classification is either a Receipt or an Other. The unexported method seals
// the set so a type switch over the two variants is exhaustive.
type Classification interface {
	Kind() Kind
	isClassification()
}

// Item is one line item on a receipt
type Item struct {
	Name  string `json:"name"`
	Price string `json:"price"`
}

// Receipt holds the fields extracted from a receipt, invoice or bill
type Receipt struct {
	Vendor        string `json:"vendor"`
	Date          string `json:"date"`
	Items         []Item `json:"items"`
	Total         string `json:"total"`
	PaymentMethod string `json:"payment_method"`
}

// Other is any document that is not a receipt. SummaryMissing tells a reply
// that left out the summary apart from one that gave an empty summary.
type Other struct {
	Summary        string `json:"summary"`
	SummaryMissing bool   `json:"-"`
}

func (Receipt) Kind() Kind { return KindReceipt }

func (Receipt) isClassification() {}

func (Other) Kind() Kind { return KindOther }

func (Other) isClassification() {}

// MarshalJSON includes the discriminant so the serialized form matches what the model returns
func (r Receipt) MarshalJSON() ([]byte, error) {
	items := r.Items
	if items == nil {
		items = []Item{}
	}
	return marshal(struct {
		Classification Kind   `json:"classification"`
		Vendor         string `json:"vendor"`
		Date           string `json:"date"`
		Items          []Item `json:"items"`
		Total          string `json:"total"`
		PaymentMethod  string `json:"payment_method"`
	}{KindReceipt, r.Vendor, r.Date, items, r.Total, r.PaymentMethod})
}

// MarshalJSON includes the discriminant so the serialized form matches what the model returns
func (o Other) MarshalJSON() ([]byte, error) {
	var summary *string
	if !o.SummaryMissing {
		summary = &o.Summary
	}
	return marshal(struct {
		Classification Kind    `json:"classification"`
		Summary        *string `json:"summary,omitempty"`
	}{KindOther, summary})
}

// marshal is json.Marshal without the HTML escaping of &, < and >
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ParseStage records which step of the recovery chain produced a classification
type ParseStage int

const (
	// StageDirect means the cleaned reply parsed as a JSON object
	StageDirect ParseStage = iota + 1
	// StageSpan means the first-{ to last-} span parsed as a JSON object
	StageSpan
	// StageDegraded means nothing parsed and the reply became an Other summary
	StageDegraded
)

func (s ParseStage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageSpan:
		return "span"
	case StageDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Result is a classification together with the recovery stage that produced it
type Result struct {
	Classification Classification
	Stage          ParseStage
}

// Degraded reports whether the reply could not be parsed and fell back to Other
func (r Result) Degraded() bool {
	return r.Stage == StageDegraded
}
