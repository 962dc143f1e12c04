// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const defaultSecretTTL = 5 * time.Minute

// secretsAPI is the slice of the Secrets Manager client the cache uses.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves provider API keys from AWS Secrets Manager ARNs and
// caches them so key lookups do not hit AWS on every provider restart.
type SecretCache struct {
	client secretsAPI
	mu     sync.RWMutex
	cache  map[string]secretEntry
	ttl    time.Duration
}

type secretEntry struct {
	key       string
	expiresAt time.Time
}

// NewSecretCache loads the AWS config for region (empty means the ambient
// default) with the given cache TTL (non-positive means 5 minutes).
func NewSecretCache(ctx context.Context, region string, ttl time.Duration) (*SecretCache, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultSecretTTL
	}
	return &SecretCache{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]secretEntry),
		ttl:    ttl,
	}, nil
}

// APIKey returns the API key stored at arn. The secret may be a bare
// string or a JSON object holding the key under "api_key", "key", or
// "value".
func (c *SecretCache) APIKey(ctx context.Context, arn string) (string, error) {
	c.mu.RLock()
	entry, ok := c.cache[arn]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.key, nil
	}

	log.Printf("Fetching secret %s from AWS Secrets Manager", maskARN(arn))
	result, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(arn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskARN(arn), err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskARN(arn))
	}

	key := apiKeyFromSecret(*result.SecretString)
	if key == "" {
		return "", fmt.Errorf("secret %s holds no API key", maskARN(arn))
	}

	c.mu.Lock()
	c.cache[arn] = secretEntry{key: key, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return key, nil
}

// Invalidate drops one cached secret, forcing a refetch on next use.
func (c *SecretCache) Invalidate(arn string) {
	c.mu.Lock()
	delete(c.cache, arn)
	c.mu.Unlock()
}

// apiKeyFromSecret accepts both secret layouts in use: a raw key string,
// or a JSON object with the key under a well-known field.
func apiKeyFromSecret(secret string) string {
	var fields map[string]string
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return secret
	}
	for _, name := range []string{"api_key", "key", "value"} {
		if v := fields[name]; v != "" {
			return v
		}
	}
	return ""
}

// maskARN keeps secret ARNs out of logs, showing only the tail.
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
