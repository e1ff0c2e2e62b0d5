// Package storage holds certificate documents. Two backends exist: a
// filesystem store rooted in the workspace and an S3 store for shared
// deployments. Workflow code only sees the Store interface.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("storage: object not found")

type Store interface {
	// Put writes the object under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
