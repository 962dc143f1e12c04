// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

// Package archive ships rotated audit spool segments to object storage.
// The rotator asks the audit queue to swap its spool file, gzips the
// closed segment, and uploads it under a date-partitioned key. Segments
// stay on disk until their upload succeeds, so a dead bucket never loses
// records. The whole subsystem is optional; the gateway only starts it
// when an archive target is configured.
package archive

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Uploader stores one gzipped spool segment per call.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
	Close(ctx context.Context) error
}

// NewUploader selects a backend from the target URL and returns it along
// with the key prefix encoded in the URL path:
//
//	s3://bucket/prefix      AWS S3 or any S3-compatible endpoint
//	gs://bucket/prefix      Google Cloud Storage
//	az://container/prefix   Azure Blob Storage (connection string auth)
func NewUploader(ctx context.Context, target string) (Uploader, string, error) {
	scheme, bucket, prefix, err := parseTarget(target)
	if err != nil {
		return nil, "", err
	}

	var up Uploader
	switch scheme {
	case "s3":
		endpoint := os.Getenv("MODGATE_ARCHIVE_S3_ENDPOINT")
		up, err = NewS3Uploader(ctx, bucket, os.Getenv("AWS_REGION"), endpoint)
	case "gs":
		up, err = NewGCSUploader(ctx, bucket)
	case "az":
		up, err = NewAzureUploader(ctx, bucket)
	default:
		return nil, "", fmt.Errorf("unsupported archive scheme: %q", scheme)
	}
	if err != nil {
		return nil, "", err
	}
	return up, prefix, nil
}

// parseTarget splits scheme://bucket/prefix. The prefix may be empty.
func parseTarget(target string) (scheme, bucket, prefix string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid archive target: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", "", fmt.Errorf("invalid archive target %q: expected scheme://bucket/prefix", target)
	}
	return u.Scheme, u.Host, strings.Trim(u.Path, "/"), nil
}
