// Package docstore speaks to the document store holding the hub's offline
// direct-message queue, shared memory, and conversation tails. The store is
// either a remote daemon reached over a length-prefixed TCP protocol or an
// embedded bbolt database.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound marks a missing document key.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrNotConnected marks a request attempted while the store link is down.
	ErrNotConnected = errors.New("docstore: not connected")
	// ErrTimeout marks a request that exceeded its deadline.
	ErrTimeout = errors.New("docstore: request timed out")
	// ErrCorrupt marks a document whose body fails its integrity hash.
	ErrCorrupt = errors.New("docstore: document body fails integrity check")
)

// Document is one stored record: opaque metadata plus body bytes under a key.
type Document struct {
	Key  string
	Meta []byte
	Body []byte
}

// Store is the document-store contract used by the router and memory layers.
type Store interface {
	PutDocument(ctx context.Context, key string, meta, body []byte) error
	GetDocument(ctx context.Context, key string) (*Document, error)
	DeleteDocument(ctx context.Context, key string) error
	ListDocuments(ctx context.Context) ([]string, error)
	Close() error
}
