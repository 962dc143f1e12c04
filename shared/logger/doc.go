// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging for ModGate components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, engine, rules, audit, etc.)
  - Instance ID and container name (for distributed tracing)
  - Session ID (for conversation correlation)
  - Request ID (for per-moderation correlation with the audit trail)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("engine")

Log messages with session and request context:

	log.Info("sess-123", "req-456", "Moderation completed", map[string]interface{}{
	    "region":  "EU",
	    "blocked": false,
	})

Log errors with the underlying error attached:

	log.ErrorWithErr("sess-123", "req-456", "Rule refresh failed", err, nil)

Log with latency tracking:

	start := time.Now()
	// ... moderate ...
	log.InfoWithLatency("sess-123", "req-456", "Moderation completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"engine","instance_id":"i-abc123","container":"gateway-xyz",
	 "session_id":"sess-123","request_id":"req-456",
	 "message":"Moderation completed","fields":{"region":"EU"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
