package scanning

import (
	"context"
	"fmt"
	"log/slog"
)

// Completion limits used for the two calls made per image
const (
	ExtractMaxTokens   = 4096
	ClassifyMaxTokens  = 2048
	DefaultTemperature = 0.1
)

// extractPrompt accompanies the image on the text extraction call
const extractPrompt = "OCR this image. Extract all text content."

// classifyPrompt is followed by the extracted text on the classification call
const classifyPrompt = `You are a document classifier. Given the following OCR text extracted from an image, do two things:

1. Classify the document as either "RECEIPT" or "OTHER".
   - RECEIPT: any receipt, invoice, bill, purchase confirmation, or payment record.
   - OTHER: anything else (letter, note, sign, article, etc.).

2. If classified as RECEIPT, extract the following fields (use "Unknown" for any field you cannot determine):
   - vendor: the store or company name
   - date: the date on the receipt
   - items: a list of objects with "name" and "price" for each line item
   - total: the total amount
   - payment_method: how it was paid (cash, card, etc.)

Return ONLY valid JSON in this exact format (no markdown, no extra text):

For RECEIPT:
{"classification": "RECEIPT", "vendor": "...", "date": "...", "items": [{"name": "...", "price": "..."}], "total": "...", "payment_method": "..."}

For OTHER:
{"classification": "OTHER", "summary": "Brief one-line summary of the document content"}

OCR TEXT:
`

// CompletionRequest is one prompt, optionally with an image, sent to a vision model
type CompletionRequest struct {
	Prompt      string
	Image       *Image
	MaxTokens   int
	Temperature float32
}

// Completer performs a single request/response exchange with a vision model.
// Implementations make exactly one attempt and return errors tagged with
// ErrUpstreamUnavailable, ErrUpstreamTimeout or ErrUpstreamError.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Close releases resources held by the client
	Close() error
}

// Scanner extracts text from images and classifies that text
type Scanner struct {
	completer      Completer
	temperature    float32
	extractTokens  int
	classifyTokens int
	logger         *slog.Logger
}

// NewScanner creates a Scanner backed by the given completer
func NewScanner(completer Completer, temperature float32, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		completer:      completer,
		temperature:    temperature,
		extractTokens:  ExtractMaxTokens,
		classifyTokens: ClassifyMaxTokens,
		logger:         logger,
	}
}

// WithMaxTokens overrides the completion limits. Non-positive values keep the defaults.
func (s *Scanner) WithMaxTokens(extract, classify int) *Scanner {
	if extract > 0 {
		s.extractTokens = extract
	}
	if classify > 0 {
		s.classifyTokens = classify
	}
	return s
}

// ExtractText sends the image inline to the vision model and returns its text verbatim
func (s *Scanner) ExtractText(ctx context.Context, img Image) (string, error) {
	prepared, err := PrepareImage(img)
	if err != nil {
		return "", fmt.Errorf("preparing image: %w", err)
	}

	text, err := s.completer.Complete(ctx, CompletionRequest{
		Prompt:      extractPrompt,
		Image:       &prepared,
		MaxTokens:   s.extractTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	return text, nil
}

// Classify asks the model to classify rawText. Only the network call can
// fail; a reply that cannot be parsed degrades to an Other classification.
func (s *Scanner) Classify(ctx context.Context, rawText string) (Result, error) {
	reply, err := s.completer.Complete(ctx, CompletionRequest{
		Prompt:      classifyPrompt + rawText,
		MaxTokens:   s.classifyTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("classifying text: %w", err)
	}

	result := ParseClassification(reply)
	if result.Degraded() {
		s.logger.Warn("Classification reply was not JSON, treating as other",
			"reply_len", len(reply),
		)
	} else {
		s.logger.Debug("Classified text", "kind", result.Classification.Kind(), "stage", result.Stage)
	}
	return result, nil
}

// Close closes the underlying completer
func (s *Scanner) Close() error {
	return s.completer.Close()
}
