// Package llm implements the narrow Provider contract every agent
// component (decision/message/vote generation) calls through, plus the
// OpenAI-compatible HTTP transport shared by the openai/anthropic/groq
// provider variants.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message mirrors the OpenAI chat-completions message shape, which Groq
// and most Anthropic-compatible gateways also speak.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Config configures one HTTP-backed provider instance.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client is the shared OpenAI-compatible-wire-format HTTP transport. It is
// parameterized per provider by base URL, model and headers, so one
// implementation serves openai, anthropic (OpenAI-compatible gateway) and
// groq alike.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// Chat performs one chat-completion call and returns the assistant's raw
// content string.
func (c *Client) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := ChatRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   300,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider error %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in provider response")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// Provider is the narrow three-method contract every agent component
// depends on. Decide/GenerateMessage/GenerateVote each take a fully
// composed prompt pair so Provider implementations never need domain
// knowledge of rooms or players.
type Provider interface {
	Decide(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateMessage(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateVote(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// openAICompatProvider implements Provider by issuing the same
// chat-completions call for all three methods; the difference between
// decide/message/vote is entirely in the prompt the caller composes.
type openAICompatProvider struct {
	client *Client
}

func (p *openAICompatProvider) Decide(ctx context.Context, sys, user string) (string, error) {
	return p.client.Chat(ctx, sys, user)
}

func (p *openAICompatProvider) GenerateMessage(ctx context.Context, sys, user string) (string, error) {
	return p.client.Chat(ctx, sys, user)
}

func (p *openAICompatProvider) GenerateVote(ctx context.Context, sys, user string) (string, error) {
	return p.client.Chat(ctx, sys, user)
}

const (
	openAIDefaultBaseURL    = "https://api.openai.com/v1"
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	groqDefaultBaseURL      = "https://api.groq.com/openai/v1"
)

// NewOpenAIProvider pins the OpenAI default base URL.
func NewOpenAIProvider(apiKey, model string, temperature float64) Provider {
	return &openAICompatProvider{client: NewClient(Config{BaseURL: openAIDefaultBaseURL, APIKey: apiKey, Model: model, Temperature: temperature})}
}

// NewAnthropicProvider pins Anthropic's OpenAI-compatible gateway base URL.
func NewAnthropicProvider(apiKey, model string, temperature float64) Provider {
	return &openAICompatProvider{client: NewClient(Config{BaseURL: anthropicDefaultBaseURL, APIKey: apiKey, Model: model, Temperature: temperature})}
}

// NewGroqProvider pins Groq's OpenAI-compatible base URL.
func NewGroqProvider(apiKey, model string, temperature float64) Provider {
	return &openAICompatProvider{client: NewClient(Config{BaseURL: groqDefaultBaseURL, APIKey: apiKey, Model: model, Temperature: temperature})}
}

// NewProvider selects a provider variant by name, matching the
// AI_MODEL_PROVIDER configuration surface.
func NewProvider(name, apiKey, model string, temperature float64) (Provider, error) {
	switch name {
	case "", "openai":
		return NewOpenAIProvider(apiKey, model, temperature), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, model, temperature), nil
	case "groq":
		return NewGroqProvider(apiKey, model, temperature), nil
	default:
		return nil, fmt.Errorf("unknown AI_MODEL_PROVIDER %q", name)
	}
}
