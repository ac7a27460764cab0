package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds every call to the vision service
const DefaultTimeout = 300 * time.Second

// ChatClient implements Completer against an OpenAI-compatible
// /v1/chat/completions endpoint (llama.cpp, vLLM, a local GLM-OCR server...)
type ChatClient struct {
	url     string
	model   string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// ChatConfig configures a ChatClient
type ChatConfig struct {
	// URL is the full chat completions endpoint
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// NewChatClient creates a new ChatClient
func NewChatClient(cfg ChatConfig, logger *slog.Logger) (*ChatClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("chat completions url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ChatClient{
		url:     cfg.URL,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
}

// chatMessage content is either a string or a list of contentParts
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func buildChatRequest(model string, req CompletionRequest) chatRequest {
	var content any = req.Prompt
	if req.Image != nil {
		content = []contentPart{
			{Type: "text", Text: req.Prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: DataURL(*req.Image)}},
		}
	}

	return chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: content}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// Complete sends one chat completion request and returns the first choice's content
func (c *ChatClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqID := uuid.New().String()
	start := time.Now()

	body, err := json.Marshal(buildChatRequest(c.model, req))
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("Calling vision service",
		"req_id", reqID,
		"url", c.url,
		"has_image", req.Image != nil,
		"content_length", len(body),
	)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Error("Vision service request failed",
			"req_id", reqID,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", classifyTransportError("calling vision service", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransportError("reading vision service response", err)
	}

	c.logger.Debug("Vision service responded",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", wrap(ErrUpstreamError, "calling vision service", &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		})
	}

	var chatResp chatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return "", wrap(ErrUpstreamError, "decoding vision service response", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", wrap(ErrUpstreamError, "decoding vision service response", fmt.Errorf("no choices in response"))
	}

	return chatResp.Choices[0].Message.Content, nil
}

// Close is a no-op for the HTTP client
func (c *ChatClient) Close() error {
	return nil
}
