// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the ModGate gateway service.
//
// The gateway is a synchronous moderation front door that:
// - Generates chatbot replies through a configurable provider
// - Routes every reply through the moderation engine before delivery
// - Persists an audit record for every moderated exchange
// - Exposes the admin rule API and Prometheus metrics
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	MODGATE_PORT - HTTP server port (default: 8080)
//	MODGATE_DATABASE_URL - PostgreSQL connection string for the rule store
//	MODGATE_AUDIT_DSN - audit backend DSN (default: the rule database)
//	MODGATE_JWT_SECRET - secret for admin service token validation
//
// For the full list see the gateway package documentation.
package main

import (
	"modgate/platform/gateway"
)

func main() {
	gateway.Run()
}
