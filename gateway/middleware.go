// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"modgate/platform/shared/logger"
)

var httpLog = logger.New("http")

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogging assigns every request an id (honoring an incoming
// X-Request-ID header) and logs one line per request. Health probes are
// excluded; load balancers poll them every few seconds.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		httpLog.InfoWithLatency("", requestID, "Request completed", time.Since(start).Seconds()*1000, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
		})
	})
}
