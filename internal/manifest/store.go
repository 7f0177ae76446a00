package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/napari-hub/hub-backend/internal/storage"
)

const blobPrefix = "manifests/"

// maxManifestSize caps how much of a deposited blob is read; contribution
// manifests are small JSON documents.
const maxManifestSize = 4 << 20

// Key identifies one deposited manifest blob.
type Key struct {
	Name    string
	Version string
}

// Store reads and writes manifest documents in blob storage at
// manifests/<plugin>/<version>.json. The discovery pipeline deposits blobs;
// the update job lists and promotes them into distribution fragments.
type Store struct {
	backend storage.Storage
}

// NewStore wraps a storage backend as a manifest store.
func NewStore(backend storage.Storage) *Store {
	return &Store{backend: backend}
}

// BlobPath returns the storage path for one plugin version's manifest.
func BlobPath(name, version string) string {
	return blobPrefix + name + "/" + version + ".json"
}

// Get returns the deposited manifest document for a plugin version, or
// (nil, nil) when nothing has been deposited yet.
func (s *Store) Get(ctx context.Context, name, version string) (map[string]any, error) {
	blobPath := BlobPath(name, version)

	exists, err := s.backend.Exists(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check manifest %s: %w", blobPath, err)
	}
	if !exists {
		return nil, nil
	}

	reader, err := s.backend.Download(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download manifest %s: %w", blobPath, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", blobPath, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", blobPath, err)
	}
	return doc, nil
}

// Put deposits a manifest document for a plugin version, overwriting any
// prior deposit.
func (s *Store) Put(ctx context.Context, name, version string, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode manifest for %s %s: %w", name, version, err)
	}

	blobPath := BlobPath(name, version)
	if _, err := s.backend.Upload(ctx, blobPath, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("failed to upload manifest %s: %w", blobPath, err)
	}
	return nil
}

// PutError deposits an error marker so the failure is visible to the
// formatter instead of looking like a pending discovery.
func (s *Store) PutError(ctx context.Context, name, version, message string) error {
	return s.Put(ctx, name, version, map[string]any{ErrorKey: message})
}

// ListDeposited enumerates every deposited manifest. Blobs whose path does
// not match manifests/<name>/<version>.json are skipped.
func (s *Store) ListDeposited(ctx context.Context) ([]Key, error) {
	paths, err := s.backend.List(ctx, blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}

	var keys []Key
	for _, p := range paths {
		rel := strings.TrimPrefix(p, blobPrefix)
		dir, file := path.Split(rel)
		name := strings.Trim(dir, "/")
		version := strings.TrimSuffix(file, ".json")
		if name == "" || version == "" || version == file || strings.Contains(name, "/") {
			continue
		}
		keys = append(keys, Key{Name: name, Version: version})
	}
	return keys, nil
}
