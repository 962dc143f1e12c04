// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultModel   = "claude-3-5-sonnet-20241022"
	anthropicTimeout        = 120 * time.Second
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string        // required
	BaseURL      string        // default https://api.anthropic.com
	Model        string        // default claude-3-5-sonnet-20241022
	SystemPrompt string        // optional, sent as the system field
	Timeout      time.Duration // default 120s
}

// AnthropicProvider generates replies through the messages API.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	model   string
	system  string
	client  HTTPClient
	healthy atomic.Bool
}

// NewAnthropicProvider validates the config and returns the provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = anthropicTimeout
	}

	p := &AnthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
	p.healthy.Store(true)
	return p, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) IsHealthy() bool { return p.healthy.Load() }

type anthropicRequest struct {
	Model       string   `json:"model"`
	Messages    []Turn   `json:"messages"`
	MaxTokens   int      `json:"max_tokens"`
	System      string   `json:"system,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Reply sends the conversation to /v1/messages. The system prompt travels
// in its own field, not as a message turn.
func (p *AnthropicProvider) Reply(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()

	msgs := make([]Turn, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Turn{Role: RoleUser, Content: req.Message})

	temperature := defaultTemperature
	body, err := json.Marshal(anthropicRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   defaultMaxTokens,
		System:      p.system,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.healthy.Store(false)
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.healthy.Store(false)
		}
		return nil, parseAnthropicError(resp.StatusCode, raw)
	}
	p.healthy.Store(true)

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	model := apiResp.Model
	if model == "" {
		model = p.model
	}

	return &Reply{
		Content:    content.String(),
		Model:      model,
		TokensUsed: apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		Latency:    time.Since(start),
	}, nil
}

func parseAnthropicError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &APIError{Provider: "anthropic", StatusCode: status, Message: string(body)}
	}
	return &APIError{Provider: "anthropic", StatusCode: status, Type: errResp.Error.Type, Message: errResp.Error.Message}
}
