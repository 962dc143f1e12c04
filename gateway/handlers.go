// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"modgate/platform/chatbot"
	"modgate/platform/metrics"
	"modgate/platform/moderation"
	"modgate/platform/rules"
	"modgate/platform/shared/logger"
)

var gatewayLog = logger.New("gateway")

// moderationUnavailableReply is delivered when the moderation layer itself
// fails. The wording is part of the product surface.
const moderationUnavailableReply = "I'm temporarily unable to process your request. Please try again in a moment."

// ChatRequest is the POST /api/v1/chat body.
type ChatRequest struct {
	Message   string `json:"message"`
	Region    string `json:"region,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// LLMProvider is accepted for compatibility with older clients; the
	// provider is selected at startup and cannot change per request.
	LLMProvider string `json:"llm_provider,omitempty"`
}

// ChatResponse is the moderated chat reply. ModerationInfo is present only
// when the reply was flagged.
type ChatResponse struct {
	Response       string                 `json:"response"`
	RequestID      string                 `json:"request_id"`
	IsModerated    bool                   `json:"is_moderated"`
	ModerationInfo map[string]interface{} `json:"moderation_info,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
}

// chatHandler generates a reply and routes it through moderation. Every
// delivered reply has passed the engine; if the moderation layer fails the
// client gets the canned unavailable reply, never the unmoderated one.
func chatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendGatewayError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		sendGatewayError(w, "Message is required", http.StatusBadRequest)
		return
	}
	region := rules.RegionGlobal
	if req.Region != "" {
		parsed, err := rules.ParseRegion(req.Region)
		if err != nil {
			sendGatewayError(w, fmt.Sprintf("Unknown region %q", req.Region), http.StatusBadRequest)
			return
		}
		region = parsed
	}

	ctx := r.Context()

	sessionID := req.SessionID
	var history []chatbot.Turn
	if sessions != nil {
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		if err := sessions.Touch(ctx, sessionID); err != nil {
			gatewayLog.ErrorWithErr(sessionID, "", "Failed to touch session", err, nil)
		} else if h, err := sessions.History(ctx, sessionID); err != nil {
			gatewayLog.ErrorWithErr(sessionID, "", "Failed to load session history", err, nil)
		} else {
			history = h
		}
	}

	reply, err := provider.Reply(ctx, chatbot.Request{Message: req.Message, History: history})
	if err != nil {
		gatewayLog.ErrorWithErr(sessionID, "", "Chatbot provider error", err, map[string]interface{}{
			"provider": provider.Name(),
		})
		sendGatewayError(w, "Error processing request", http.StatusInternalServerError)
		return
	}

	res, ok := moderateReply(ctx, req.Message, reply.Content, region, sessionID)
	if !ok {
		writeJSON(w, http.StatusOK, ChatResponse{
			Response:    moderationUnavailableReply,
			RequestID:   "error",
			IsModerated: true,
			ModerationInfo: map[string]interface{}{
				"error":   "moderation_failure",
				"flagged": true,
				"blocked": true,
			},
			SessionID: sessionID,
		})
		return
	}

	if sessions != nil {
		if err := sessions.RecordExchange(ctx, sessionID, res.RequestID, req.Message, res.FinalResponse, res.IsFlagged, res.IsBlocked); err != nil {
			gatewayLog.ErrorWithErr(sessionID, res.RequestID, "Failed to persist chat exchange", err, nil)
		}
	}

	resp := ChatResponse{
		Response:    res.FinalResponse,
		RequestID:   res.RequestID,
		IsModerated: res.IsFlagged,
		SessionID:   sessionID,
	}
	if res.IsFlagged {
		resp.ModerationInfo = map[string]interface{}{
			"flagged":         res.IsFlagged,
			"blocked":         res.IsBlocked,
			"latency_ms":      res.Latency.Seconds() * 1000,
			"rules_triggered": len(res.Triggered),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// moderateReply runs the engine under a recovery barrier. The engine never
// lets a failure escape by contract; this guard covers the rest of the
// moderation path so a broken deployment blocks replies instead of
// delivering them unmoderated.
func moderateReply(ctx context.Context, userMessage, botResponse string, region rules.Region, sessionID string) (res moderation.Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			gatewayLog.Error(sessionID, "", "Moderation layer failure - returning canned reply", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
			metrics.TrackInterception(false)
			ok = false
		}
	}()
	res = engine.Moderate(ctx, moderation.Request{
		UserMessage: userMessage,
		BotResponse: botResponse,
		Region:      region,
		SessionID:   sessionID,
	})
	return res, true
}

// rootHandler is a small service banner for humans hitting the base URL.
func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": []string{
			"POST /api/v1/chat",
			"GET /api/v1/admin/rules",
			"GET /api/v1/admin/audit-logs",
			"GET /api/v1/admin/stats",
			"GET /health",
			"GET /metrics",
		},
	})
}

// sendGatewayError writes a JSON error body with the given status.
func sendGatewayError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("Error encoding error response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
