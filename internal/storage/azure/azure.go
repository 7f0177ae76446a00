// Package azure implements the Azure Blob Storage manifest store for the hub backend.
// Authentication uses a shared account key; the SHA256 of each blob is kept in blob metadata so
// integrity checks never need a full download.
package azure

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/napari-hub/hub-backend/internal/config"
	"github.com/napari-hub/hub-backend/internal/storage"
)

func init() {
	// Register Azure storage backend
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements the Storage interface for Azure Blob Storage
type AzureStorage struct {
	client        *azblob.Client
	containerName string
	accountName   string
}

// New creates a new Azure Blob Storage backend
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	// Create credential using shared key
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	// Create service URL
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)

	// Create client
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		containerName: cfg.ContainerName,
		accountName:   cfg.AccountName,
	}, nil
}

// Upload stores a blob in Azure Blob Storage with its SHA256 in blob metadata
func (s *AzureStorage) Upload(ctx context.Context, path string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	// Read all content to calculate checksum and upload
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	// Calculate SHA256 checksum
	hasher := sha256.New()
	hasher.Write(data)
	checksum := hex.EncodeToString(hasher.Sum(nil))

	// Get blob client for this path
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(path)

	// Upload the blob with metadata containing SHA256
	_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		Metadata: map[string]*string{
			"sha256": &checksum,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.UploadResult{
		Path:     path,
		Size:     int64(len(data)),
		Checksum: checksum,
	}, nil
}

// Download retrieves a blob from Azure Blob Storage
func (s *AzureStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	// Get blob client for this path
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(path)

	// Download the blob
	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}

	return resp.Body, nil
}

// Delete removes a blob from Azure Blob Storage
func (s *AzureStorage) Delete(ctx context.Context, path string) error {
	// Get blob client for this path
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(path)

	// Delete the blob
	_, err := blobClient.Delete(ctx, nil)
	if err != nil {
		// Azure SDK returns an error for non-existent blobs
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}

	return nil
}

// Exists checks if a blob exists at the specified path
func (s *AzureStorage) Exists(ctx context.Context, path string) (bool, error) {
	// Get blob client for this path
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(path)

	// Get blob properties to check existence
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		// Check if it's a "not found" error
		// Azure SDK uses bloberror.StorageError for these
		return false, nil
	}

	return true, nil
}

// GetMetadata retrieves blob metadata without downloading the entire blob
func (s *AzureStorage) GetMetadata(ctx context.Context, path string) (*storage.FileMetadata, error) {
	// Get blob client for this path
	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(path)

	// Get blob properties
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob properties: %w", err)
	}

	// Azure stores MD5 natively, so the SHA256 has to come from blob metadata
	var checksum string
	if props.Metadata != nil {
		if sha256Val, ok := props.Metadata["sha256"]; ok && sha256Val != nil {
			checksum = *sha256Val
		}
	}

	// If no stored checksum, download and compute
	if checksum == "" {
		reader, err := s.Download(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to download for checksum: %w", err)
		}
		defer reader.Close()

		hasher := sha256.New()
		if _, err := io.Copy(hasher, reader); err != nil {
			return nil, fmt.Errorf("failed to compute checksum: %w", err)
		}
		checksum = hex.EncodeToString(hasher.Sum(nil))
	}

	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}

	var lastModified time.Time
	if props.LastModified != nil {
		lastModified = *props.LastModified
	}

	return &storage.FileMetadata{
		Path:         path,
		Size:         size,
		Checksum:     checksum,
		LastModified: lastModified,
	}, nil
}

// List returns the names of all blobs under the given prefix
func (s *AzureStorage) List(ctx context.Context, prefix string) ([]string, error) {
	pager := s.client.NewListBlobsFlatPager(s.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}

	return names, nil
}

// EnsureContainer creates the container if it doesn't exist
func (s *AzureStorage) EnsureContainer(ctx context.Context) error {
	containerClient := s.client.ServiceClient().NewContainerClient(s.containerName)

	// Try to create the container
	_, err := containerClient.Create(ctx, nil)
	if err != nil {
		// Container might already exist, which is fine
		// Azure returns an error if it exists, but we can ignore it
		// A more robust check would parse the error type
		return nil
	}

	return nil
}

// DeletePrefix deletes all blobs under a given prefix. Used when a plugin is
// removed from the index and its manifests should no longer be retained.
func (s *AzureStorage) DeletePrefix(ctx context.Context, prefix string) error {
	names, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := s.Delete(ctx, name); err != nil {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}

	return nil
}
