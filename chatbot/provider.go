// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package chatbot generates the upstream replies that the moderation engine
// inspects. A Provider wraps one upstream (OpenAI, Anthropic, Ollama, AWS
// Bedrock) behind a single Reply call; the deterministic mock provider keeps
// the gateway fully usable with no upstream configured and is also how the
// moderation rules are exercised in demos and tests.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"modgate/platform/metrics"
)

// DefaultSystemPrompt steers upstream models toward plain assistant replies.
const DefaultSystemPrompt = "You are a helpful AI assistant. Provide clear, accurate, and helpful responses to user questions.\n" +
	"Be concise but informative. If you don't know something, admit it rather than making up information."

const (
	defaultMaxTokens   = 500
	defaultTemperature = 0.7
)

// Roles used in conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation, oldest first.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks a provider for the next reply.
type Request struct {
	// Message is the current user message.
	Message string

	// History holds prior turns, oldest first. Providers that support
	// multi-turn context include it in the upstream call.
	History []Turn
}

// Reply is a generated bot response before moderation.
type Reply struct {
	Content    string
	Model      string
	TokensUsed int
	Latency    time.Duration
}

// Provider generates chatbot replies. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Reply(ctx context.Context, req Request) (*Reply, error)
	IsHealthy() bool
}

// HTTPClient is the subset of http.Client the HTTP providers use.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx answer from an upstream provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
}

// IsRateLimitError reports whether the upstream throttled the request.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error"
}

// IsAuthError reports whether the credentials were rejected.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Type == "authentication_error"
}

// IsOverloadedError reports whether the upstream is overloaded.
func (e *APIError) IsOverloadedError() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.Type == "overloaded_error"
}

// FromEnv builds the provider named by MODGATE_CHATBOT_PROVIDER. A provider
// that cannot initialize degrades to the mock so the gateway keeps serving;
// the moderation layer does not care which upstream produced the reply. The
// returned provider reports latency and error metrics per call.
func FromEnv(ctx context.Context) Provider {
	name := strings.ToLower(getEnv("MODGATE_CHATBOT_PROVIDER", "mock"))
	model := os.Getenv("MODGATE_CHATBOT_MODEL")
	system := getEnv("MODGATE_CHATBOT_SYSTEM_PROMPT", DefaultSystemPrompt)

	var (
		provider Provider
		err      error
	)
	switch name {
	case "mock", "test":
		provider = NewMockProvider()
	case "openai":
		var key string
		if key, err = resolveAPIKey(ctx, "OPENAI_API_KEY", "OPENAI_API_KEY_SECRET_ARN"); err == nil {
			provider, err = NewOpenAIProvider(OpenAIConfig{APIKey: key, Model: model, SystemPrompt: system})
		}
	case "anthropic":
		var key string
		if key, err = resolveAPIKey(ctx, "ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY_SECRET_ARN"); err == nil {
			provider, err = NewAnthropicProvider(AnthropicConfig{APIKey: key, Model: model, SystemPrompt: system})
		}
	case "ollama":
		provider = NewOllamaProvider(OllamaConfig{
			Endpoint:     os.Getenv("OLLAMA_ENDPOINT"),
			Model:        model,
			SystemPrompt: system,
		})
	case "bedrock":
		provider, err = NewBedrockProvider(ctx, BedrockConfig{Region: os.Getenv("AWS_REGION"), Model: model})
	default:
		err = fmt.Errorf("unknown chatbot provider %q", name)
	}
	if err != nil {
		log.Printf("Chatbot provider %q unavailable, using mock: %v", name, err)
		provider = NewMockProvider()
	}
	return WithMetrics(provider)
}

// resolveAPIKey prefers the plain env var and falls back to a Secrets
// Manager ARN named by arnEnv.
func resolveAPIKey(ctx context.Context, directEnv, arnEnv string) (string, error) {
	if key := os.Getenv(directEnv); key != "" {
		return key, nil
	}
	arn := os.Getenv(arnEnv)
	if arn == "" {
		return "", fmt.Errorf("neither %s nor %s is set", directEnv, arnEnv)
	}
	cache, err := NewSecretCache(ctx, os.Getenv("AWS_REGION"), 0)
	if err != nil {
		return "", err
	}
	return cache.APIKey(ctx, arn)
}

// WithMetrics wraps a provider with latency and error counters.
func WithMetrics(p Provider) Provider {
	return instrumented{p}
}

type instrumented struct {
	Provider
}

func (w instrumented) Reply(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()
	rep, err := w.Provider.Reply(ctx, req)
	metrics.ChatbotResponseTime.WithLabelValues(w.Provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChatbotErrors.WithLabelValues(w.Provider.Name(), errorType(err)).Inc()
	}
	return rep, err
}

func errorType(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &apiErr):
		switch {
		case apiErr.IsRateLimitError():
			return "rate_limited"
		case apiErr.IsAuthError():
			return "auth_error"
		default:
			return "api_error"
		}
	default:
		return "request_error"
	}
}

// chatMessages flattens system prompt, history, and the current message
// into the role/content list the OpenAI-style chat APIs expect.
func chatMessages(systemPrompt string, req Request) []Turn {
	msgs := make([]Turn, 0, len(req.History)+2)
	if systemPrompt != "" {
		msgs = append(msgs, Turn{Role: RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Turn{Role: RoleUser, Content: req.Message})
	return msgs
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
