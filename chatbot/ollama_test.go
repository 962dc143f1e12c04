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

func TestOllamaReply(t *testing.T) {
	client := &fakeHTTPClient{
		response: `{"model":"llama3.1:70b",` +
			`"message":{"role":"assistant","content":"Sure, happy to help."},` +
			`"prompt_eval_count":30,"eval_count":12}`,
	}
	p := NewOllamaProvider(OllamaConfig{Endpoint: "http://localhost:11434", SystemPrompt: "be kind"})
	p.client = client

	rep, err := p.Reply(context.Background(), Request{Message: "help me out"})
	require.NoError(t, err)

	assert.Equal(t, "Sure, happy to help.", rep.Content)
	assert.Equal(t, "llama3.1:70b", rep.Model)
	assert.Equal(t, 42, rep.TokensUsed)

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "http://localhost:11434/api/chat", client.lastReq.URL.String())

	var sent ollamaRequest
	require.NoError(t, json.Unmarshal(client.lastBody, &sent))
	assert.False(t, sent.Stream)
	assert.Equal(t, "llama3.1:70b", sent.Model)
	assert.Equal(t, defaultMaxTokens, sent.Options.NumPredict)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, Turn{Role: RoleSystem, Content: "be kind"}, sent.Messages[0])
	assert.Equal(t, Turn{Role: RoleUser, Content: "help me out"}, sent.Messages[1])
}

func TestOllamaReplyServerError(t *testing.T) {
	client := &fakeHTTPClient{status: http.StatusInternalServerError, response: `model not found`}
	p := NewOllamaProvider(OllamaConfig{})
	p.client = client

	_, err := p.Reply(context.Background(), Request{Message: "hi"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ollama", apiErr.Provider)
	assert.Contains(t, apiErr.Message, "model not found")
	assert.False(t, p.IsHealthy())
}

func TestOllamaDefaults(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, ollamaDefaultEndpoint, p.endpoint)
	assert.Equal(t, ollamaDefaultModel, p.model)
	assert.True(t, p.IsHealthy())
}
