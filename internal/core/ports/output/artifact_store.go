package ports

import (
	"context"
	"io"
)

// ArtifactStore is a deterministically-keyed object store for repackaged
// model archives. Writes to an existing key overwrite; they never create
// duplicates, which is what makes repackaging retries safe.
type ArtifactStore interface {
	// Put stores the object under key and returns its durable location.
	Put(ctx context.Context, key string, body io.ReadSeeker) (string, error)

	// Exists reports whether an object is already stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object under key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Location returns the durable location an object stored under key
	// would have, without touching the store.
	Location(key string) string
}
