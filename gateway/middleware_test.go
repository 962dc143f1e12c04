// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestLoggingAssignsRequestID(t *testing.T) {
	handler := requestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestLoggingHonorsIncomingRequestID(t *testing.T) {
	handler := requestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
	req.Header.Set("X-Request-ID", "upstream-id-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id-7", rec.Header().Get("X-Request-ID"))
}

// Health probes are not tagged or logged; load balancers hit them
// constantly.
func TestRequestLoggingSkipsHealth(t *testing.T) {
	handler := requestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Empty(t, rec.Header().Get("X-Request-ID"))
}
