// Package storage defines the Backend interface and common types for the blob
// stores that hold plugin distribution manifests.
//
// Manifests are written by the external discovery pipeline under
// manifests/<plugin>/<version>.json; the update job reads them back when
// building DISTRIBUTION metadata fragments.
//
// New backends are added by implementing the Storage interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
// This means adding a new backend requires no changes to the factory or main
// package — only a blank import in cmd/server/main.go.
package storage

import (
	"context"
	"io"
	"time"
)

// Storage defines the interface for all manifest blob store backends
type Storage interface {
	// Upload stores a blob and returns the storage result with path and checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves a blob and returns a reader
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes a blob from storage
	Delete(ctx context.Context, path string) error

	// Exists checks if a blob exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata retrieves blob metadata (size, checksum, modification time)
	// without downloading the entire blob
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)

	// List returns the paths of all blobs under the given prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// UploadResult contains information about an uploaded blob
type UploadResult struct {
	// Path is the storage path where the blob was stored
	Path string

	// Size is the blob size in bytes
	Size int64

	// Checksum is the SHA256 hash of the blob contents
	Checksum string
}

// FileMetadata contains metadata about a stored blob
type FileMetadata struct {
	// Path is the storage path of the blob
	Path string

	// Size is the blob size in bytes
	Size int64

	// Checksum is the SHA256 hash of the blob contents
	Checksum string

	// LastModified is the timestamp when the blob was last modified
	LastModified time.Time
}
