// Package storage keeps published scheme snapshots in object storage: a
// local directory tree or an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidPath    = errors.New("invalid object path")
)

// ObjectStorage is a flat key/value store addressed by slash-separated
// object paths.
type ObjectStorage interface {
	// Put writes data to objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object at objectPath. A missing object yields an
	// error matching ErrObjectNotFound.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns, sorted, every object path starting with prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// checkPath rejects paths that are empty, absolute, or that climb out of
// the store with "." or ".." segments.
func checkPath(objectPath string) error {
	if objectPath == "" || strings.HasPrefix(objectPath, "/") || strings.ContainsRune(objectPath, '\\') {
		return fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	for _, seg := range strings.Split(objectPath, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
		}
	}
	return nil
}

func notFound(objectPath string) error {
	return fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
}
