// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// jwtSecret signs and verifies admin service tokens. Run sets it from the
// config before routes register; tests set it directly.
var jwtSecret []byte

func setJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

// ServiceIdentity is the caller identity carried by an admin service token.
type ServiceIdentity struct {
	Subject string
	Scope   string
}

// validateServiceToken parses an HMAC-signed service token. Tokens are
// rejected outright when no secret is configured, so a deployment that
// forgot the secret fails closed instead of exposing the admin API.
func validateServiceToken(tokenString string) (*ServiceIdentity, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("admin API disabled: no JWT secret configured")
	}
	if tokenString == "" {
		return nil, fmt.Errorf("token required")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &ServiceIdentity{
		Subject: getClaimString(claims, "sub"),
		Scope:   getClaimString(claims, "scope"),
	}, nil
}

// requireServiceToken guards the admin API with bearer service tokens.
func requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := validateServiceToken(bearerToken(r))
		if err != nil {
			sendGatewayError(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		gatewayLog.Debug("", "", "Admin request authorized", map[string]interface{}{
			"subject": identity.Subject,
			"method":  r.Method,
			"path":    r.URL.Path,
		})
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the Authorization bearer token, falling back to the
// X-Service-Token header used by internal callers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-Service-Token")
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}
