// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package chatbot

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestOpenAIReply(t *testing.T) {
	client := &fakeHTTPClient{
		response: `{"model":"gpt-3.5-turbo-0125",` +
			`"choices":[{"message":{"content":"Paris is the capital of France."}}],` +
			`"usage":{"total_tokens":42}}`,
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", SystemPrompt: "be helpful"})
	require.NoError(t, err)
	p.client = client

	rep, err := p.Reply(context.Background(), Request{
		Message: "What is the capital of France?",
		History: []Turn{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "Hello!"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Paris is the capital of France.", rep.Content)
	assert.Equal(t, "gpt-3.5-turbo-0125", rep.Model)
	assert.Equal(t, 42, rep.TokensUsed)

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", client.lastReq.URL.String())
	assert.Equal(t, "Bearer sk-test", client.lastReq.Header.Get("Authorization"))
	assert.Equal(t, "application/json", client.lastReq.Header.Get("Content-Type"))

	var sent openaiRequest
	require.NoError(t, json.Unmarshal(client.lastBody, &sent))
	assert.Equal(t, "gpt-3.5-turbo", sent.Model)
	assert.Equal(t, defaultMaxTokens, sent.MaxTokens)
	assert.InDelta(t, defaultTemperature, sent.Temperature, 1e-9)
	require.Len(t, sent.Messages, 4)
	assert.Equal(t, Turn{Role: RoleSystem, Content: "be helpful"}, sent.Messages[0])
	assert.Equal(t, Turn{Role: RoleUser, Content: "hi"}, sent.Messages[1])
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "Hello!"}, sent.Messages[2])
	assert.Equal(t, Turn{Role: RoleUser, Content: "What is the capital of France?"}, sent.Messages[3])
}

func TestOpenAIReplyAuthError(t *testing.T) {
	client := &fakeHTTPClient{
		status:   http.StatusUnauthorized,
		response: `{"error":{"type":"invalid_api_key","message":"Incorrect API key provided"}}`,
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-bad"})
	require.NoError(t, err)
	p.client = client

	_, err = p.Reply(context.Background(), Request{Message: "hello"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "openai", apiErr.Provider)
	assert.True(t, apiErr.IsAuthError())
	assert.Contains(t, apiErr.Message, "Incorrect API key")

	// 4xx is the caller's problem, not an upstream outage.
	assert.True(t, p.IsHealthy())
}

func TestOpenAIReplyServerErrorMarksUnhealthy(t *testing.T) {
	client := &fakeHTTPClient{status: http.StatusServiceUnavailable, response: `overloaded`}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	p.client = client

	require.True(t, p.IsHealthy())
	_, err = p.Reply(context.Background(), Request{Message: "x"})
	require.Error(t, err)
	assert.False(t, p.IsHealthy())

	// A later success flips it back.
	client.status = http.StatusOK
	client.response = `{"choices":[{"message":{"content":"ok"}}]}`
	rep, err := p.Reply(context.Background(), Request{Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", rep.Content)
	assert.Equal(t, "gpt-3.5-turbo", rep.Model)
	assert.True(t, p.IsHealthy())
}

func TestOpenAIReplyTransportError(t *testing.T) {
	client := &fakeHTTPClient{err: context.DeadlineExceeded}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	p.client = client

	_, err = p.Reply(context.Background(), Request{Message: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsHealthy())
}
