package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sortbox/internal/model"
)

const (
	anthropicURL     = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	openAIURL        = "https://api.openai.com"
	defaultMaxTokens = 4096
)

// APIError is a non-200 reply from a model API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Option customizes a classifier client.
type Option func(*httpClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *httpClient) { h.client = c }
}

type httpClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// New builds the classifier selected by cfg.
func New(cfg model.AIConfig, apiKey string, opts ...Option) (Classifier, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("no model configured for %s", cfg.Kind)
	}
	h := httpClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  apiKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(&h)
	}
	switch cfg.Kind {
	case model.AIProviderAnthropic:
		if h.baseURL == "" {
			h.baseURL = anthropicURL
		}
		return &Anthropic{h}, nil
	case model.AIProviderOpenAI:
		if h.baseURL == "" {
			h.baseURL = openAIURL
		}
		return &OpenAI{h}, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Kind)
	}
}

func (h *httpClient) post(ctx context.Context, path string, headers map[string]string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", h.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Anthropic classifies with the Messages API.
type Anthropic struct {
	httpClient
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *Anthropic) Classify(ctx context.Context, reqs []Request) (map[string]model.Analysis, error) {
	prompt, err := userPrompt(reqs)
	if err != nil {
		return nil, err
	}
	var resp anthropicResponse
	err = a.post(ctx, "/v1/messages", map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}, anthropicRequest{
		Model:     a.model,
		MaxTokens: defaultMaxTokens,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseVerdicts(text.String(), reqs)
}

// OpenAI classifies with an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	httpClient
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Classify(ctx context.Context, reqs []Request) (map[string]model.Analysis, error) {
	prompt, err := userPrompt(reqs)
	if err != nil {
		return nil, err
	}
	var resp chatResponse
	err = o.post(ctx, "/v1/chat/completions", map[string]string{
		"Authorization": "Bearer " + o.apiKey,
	}, chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}
	return parseVerdicts(resp.Choices[0].Message.Content, reqs)
}
