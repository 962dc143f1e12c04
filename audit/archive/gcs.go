// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSUploader ships segments to Google Cloud Storage using application
// default credentials.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader builds the client.
func NewGCSUploader(ctx context.Context, bucket string) (*GCSUploader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

// Upload writes one gzipped segment.
func (u *GCSUploader) Upload(ctx context.Context, key string, data []byte) error {
	w := u.client.Bucket(u.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/gzip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", u.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// Close releases the client.
func (u *GCSUploader) Close(ctx context.Context) error {
	return u.client.Close()
}
