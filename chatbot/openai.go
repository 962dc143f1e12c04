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
	"sync/atomic"
	"time"
)

const (
	openaiDefaultBaseURL = "https://api.openai.com"
	openaiDefaultModel   = "gpt-3.5-turbo"
	openaiTimeout        = 30 * time.Second
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string        // required
	BaseURL      string        // default https://api.openai.com
	Model        string        // default gpt-3.5-turbo
	SystemPrompt string        // optional
	Timeout      time.Duration // default 30s
}

// OpenAIProvider generates replies through the chat completions API.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   string
	system  string
	client  HTTPClient
	healthy atomic.Bool
}

// NewOpenAIProvider validates the config and returns the provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openaiDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openaiTimeout
	}

	p := &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
	p.healthy.Store(true)
	return p, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) IsHealthy() bool { return p.healthy.Load() }

type openaiRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Reply sends the conversation to /v1/chat/completions.
func (p *OpenAIProvider) Reply(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()

	body, err := json.Marshal(openaiRequest{
		Model:       p.model,
		Messages:    chatMessages(p.system, req),
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.healthy.Store(false)
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.healthy.Store(false)
		}
		return nil, parseOpenAIError(resp.StatusCode, raw)
	}
	p.healthy.Store(true)

	var apiResp openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	content := ""
	if len(apiResp.Choices) > 0 {
		content = apiResp.Choices[0].Message.Content
	}
	model := apiResp.Model
	if model == "" {
		model = p.model
	}

	return &Reply{
		Content:    content,
		Model:      model,
		TokensUsed: apiResp.Usage.TotalTokens,
		Latency:    time.Since(start),
	}, nil
}

func parseOpenAIError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &APIError{Provider: "openai", StatusCode: status, Message: string(body)}
	}
	return &APIError{Provider: "openai", StatusCode: status, Type: errResp.Error.Type, Message: errResp.Error.Message}
}
