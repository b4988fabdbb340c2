package blob

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
)

// DiskStore writes attachments under a local directory, one subdirectory
// per owner. Returned URLs are paths under urlPrefix, served by the API.
type DiskStore struct {
	root      string
	urlPrefix string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root, urlPrefix string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create upload dir: %w", err)
	}
	return &DiskStore{root: root, urlPrefix: urlPrefix}, nil
}

// Put validates and writes the payload, returning its public URL path.
// originalName is only recorded in the stored filename for operator
// convenience; the name served to clients is a fresh UUID.
func (d *DiskStore) Put(_ context.Context, data []byte, mimeType, ownerID, originalName string) (string, error) {
	ext, err := Validate(data, mimeType)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(d.root, filepath.Base(ownerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: create owner dir: %w", err)
	}

	name := uuid.New().String() + ext
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write attachment: %w", err)
	}

	return path.Join(d.urlPrefix, filepath.Base(ownerID), name), nil
}

// Open resolves a stored attachment path back to the local file. The
// relative path comes from the URL, so it is cleaned and confined to root.
func (d *DiskStore) Open(rel string) (*os.File, error) {
	clean := filepath.Clean("/" + rel)
	f, err := os.Open(filepath.Join(d.root, clean))
	if err != nil {
		return nil, fmt.Errorf("blob: open attachment: %w", err)
	}
	return f, nil
}
