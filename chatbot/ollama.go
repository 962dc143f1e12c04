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
	ollamaDefaultEndpoint = "http://ollama:11434"
	ollamaDefaultModel    = "llama3.1:70b"
	ollamaTimeout         = 120 * time.Second
)

// OllamaConfig configures the self-hosted Ollama provider.
type OllamaConfig struct {
	Endpoint     string        // default http://ollama:11434
	Model        string        // default llama3.1:70b
	SystemPrompt string        // optional
	Timeout      time.Duration // default 120s
}

// OllamaProvider generates replies through a local Ollama server. No
// credentials are involved, which makes it the air-gapped option.
type OllamaProvider struct {
	endpoint string
	model    string
	system   string
	client   HTTPClient
	healthy  atomic.Bool
}

// NewOllamaProvider fills defaults and returns the provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = ollamaDefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = ollamaTimeout
	}

	p := &OllamaProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		system:   cfg.SystemPrompt,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
	p.healthy.Store(true)
	return p
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) IsHealthy() bool { return p.healthy.Load() }

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []Turn        `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Reply sends the conversation to /api/chat with streaming disabled.
func (p *OllamaProvider) Reply(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()

	body, err := json.Marshal(ollamaRequest{
		Model:    p.model,
		Messages: chatMessages(p.system, req),
		Stream:   false,
		Options:  ollamaOptions{Temperature: defaultTemperature, NumPredict: defaultMaxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.healthy.Store(false)
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.healthy.Store(false)
		}
		return nil, &APIError{Provider: "ollama", StatusCode: resp.StatusCode, Message: string(raw)}
	}
	p.healthy.Store(true)

	var apiResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	model := apiResp.Model
	if model == "" {
		model = p.model
	}

	return &Reply{
		Content:    apiResp.Message.Content,
		Model:      model,
		TokensUsed: apiResp.PromptEvalCount + apiResp.EvalCount,
		Latency:    time.Since(start),
	}, nil
}
