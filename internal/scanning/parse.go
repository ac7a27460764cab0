package scanning

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// SummaryLimit is the number of characters kept when a reply or text is summarized
const SummaryLimit = 100

// fenceMarker matches markdown code fences, optionally tagged json
var fenceMarker = regexp.MustCompile("```(?:json)?\\s*")

// ParseClassification turns a free-form model reply into a classification.
// It tries, in order: the reply with code fences removed, the span from the
// first '{' to the last '}', and finally an Other whose summary is the start
// of the untouched reply. It never fails.
func ParseClassification(reply string) Result {
	cleaned := cleanReply(reply)

	if fields, ok := decodeObject(cleaned); ok {
		return Result{Classification: fromFields(fields), Stage: StageDirect}
	}

	if start := strings.Index(cleaned, "{"); start != -1 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			if fields, ok := decodeObject(cleaned[start : end+1]); ok {
				return Result{Classification: fromFields(fields), Stage: StageSpan}
			}
		}
	}

	return Result{
		Classification: Other{Summary: Truncate(reply, SummaryLimit)},
		Stage:          StageDegraded,
	}
}

// cleanReply removes code fence markers and surrounding whitespace and backticks
func cleanReply(reply string) string {
	cleaned := fenceMarker.ReplaceAllString(reply, "")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimRight(cleaned, "`")
	return strings.TrimSpace(cleaned)
}

// decodeObject strictly parses text as a single JSON object
func decodeObject(text string) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, false
	}
	if fields == nil {
		// the literal null decodes without error
		return nil, false
	}
	return fields, true
}

func fromFields(fields map[string]json.RawMessage) Classification {
	kind := Kind(strings.ToUpper(strings.TrimSpace(textField(fields, "classification", ""))))
	if kind != KindReceipt {
		return Other{
			Summary:        textField(fields, "summary", ""),
			SummaryMissing: !present(fields["summary"]),
		}
	}

	return Receipt{
		Vendor:        textField(fields, "vendor", Unknown),
		Date:          textField(fields, "date", Unknown),
		Items:         itemsField(fields["items"]),
		Total:         textField(fields, "total", Unknown),
		PaymentMethod: textField(fields, "payment_method", Unknown),
	}
}

// textField returns a field as opaque text. Strings are used verbatim, other
// JSON values keep their literal form so "9.99" and 9.99 both become "9.99".
func textField(fields map[string]json.RawMessage, key, fallback string) string {
	return rawText(fields[key], fallback)
}

// present reports whether a field was given a value other than null
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func rawText(raw json.RawMessage, fallback string) string {
	if !present(raw) {
		return fallback
	}
	raw = bytes.TrimSpace(raw)

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}

// itemsField decodes the items array. Anything other than an array yields no
// items; bare values inside the array become item names.
func itemsField(raw json.RawMessage) []Item {
	items := []Item{}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return items
	}

	for _, elem := range elems {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(elem, &obj); err == nil && obj != nil {
			items = append(items, Item{
				Name:  textField(obj, "name", Unknown),
				Price: textField(obj, "price", Unknown),
			})
			continue
		}
		if name := rawText(elem, ""); name != "" {
			items = append(items, Item{Name: name, Price: Unknown})
		}
	}

	return items
}

// Truncate returns at most n characters (runes) of s
func Truncate(s string, n int) string {
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
