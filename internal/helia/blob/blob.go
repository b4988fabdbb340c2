// Package blob stores uploaded chat attachments. Validation (mime type,
// size) happens here, before anything touches the message log.
package blob

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedType is returned for mime types outside the image
	// allowlist.
	ErrUnsupportedType = errors.New("blob: unsupported content type")
	// ErrTooLarge is returned when the payload exceeds MaxSize.
	ErrTooLarge = errors.New("blob: payload too large")
)

// MaxSize caps attachment payloads at 10 MiB.
const MaxSize = 10 << 20

// allowedTypes maps accepted image mime types to their file extension.
var allowedTypes = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/bmp":     ".bmp",
	"image/webp":    ".webp",
	"image/tiff":    ".tiff",
	"image/svg+xml": ".svg",
}

// Store persists attachment bytes and returns a URL path the API serves.
type Store interface {
	Put(ctx context.Context, data []byte, mimeType, ownerID, originalName string) (string, error)
}

// Validate checks the payload against the allowlist and size cap. It
// returns the canonical file extension for the mime type.
func Validate(data []byte, mimeType string) (string, error) {
	ext, ok := allowedTypes[mimeType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if len(data) > MaxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return ext, nil
}
