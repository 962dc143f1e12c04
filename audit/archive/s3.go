// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader ships segments to AWS S3 or any S3-compatible endpoint
// (MinIO, Ceph) when an explicit endpoint is set.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds a client from the default credential chain. region
// falls back to us-east-1; a non-empty endpoint switches to path-style
// addressing for S3-compatible stores.
func NewS3Uploader(ctx context.Context, bucket, region, endpoint string) (*S3Uploader, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Uploader{client: s3.NewFromConfig(awsCfg, opts...), bucket: bucket}, nil
}

// Upload puts one gzipped segment.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// Close is a no-op; the S3 client holds no persistent connections.
func (u *S3Uploader) Close(ctx context.Context) error { return nil }
