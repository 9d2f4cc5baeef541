// Package storage defines the interface for archiving rendered PDFs.
// This abstraction keeps the service independent of a specific backend
// (Google Cloud Storage, the local filesystem, or memory for tests).
package storage

import (
	"context"
	"io"
)

// Provider persists one rendered artifact and returns its location URI.
type Provider interface {
	// PutObject uploads data under the given object path and returns the
	// URI of the stored artifact.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOpProvider discards every artifact. It is the default when archiving is
// disabled.
type NoOpProvider struct{}

// PutObject for NoOpProvider does nothing and reports an empty URI.
func (NoOpProvider) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", nil
}
