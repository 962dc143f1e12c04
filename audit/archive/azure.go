// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureUploader ships segments to an Azure Blob Storage container.
type AzureUploader struct {
	client    *azblob.Client
	container string
}

// NewAzureUploader authenticates with AZURE_STORAGE_CONNECTION_STRING.
func NewAzureUploader(ctx context.Context, container string) (*AzureUploader, error) {
	connectionString := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if connectionString == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_CONNECTION_STRING is required for az:// archive targets")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return &AzureUploader{client: client, container: container}, nil
}

// Upload puts one gzipped segment.
func (u *AzureUploader) Upload(ctx context.Context, key string, data []byte) error {
	contentType := "application/gzip"
	_, err := u.client.UploadBuffer(ctx, u.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("failed to upload az://%s/%s: %w", u.container, key, err)
	}
	return nil
}

// Close is a no-op.
func (u *AzureUploader) Close(ctx context.Context) error { return nil }
