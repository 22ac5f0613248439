// Package remotestore persists baskets in the hosted per-user document
// store. Each basket item is one document scoped to (userId, itemId), so a
// partial write failure only affects one item.
package remotestore

import "context"

// ServerTimestamp is a placeholder value for document fields. Document
// store implementations replace it with a server-assigned time on write.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// Document is one record in a collection.
type Document struct {
	ID     string
	Fields map[string]any
}

// DocumentStore is the remote backend collaborator: collection-scoped CRUD
// with batch delete and realtime subscription.
//
// Implementations return errors wrapping the model sentinels (ErrNetwork,
// ErrTimeout, ErrPermissionDenied, ErrNotFound) so callers can classify
// failures without knowing the transport.
type DocumentStore interface {
	// Set creates or replaces a document. With merge, existing fields not
	// present in fields are kept.
	Set(ctx context.Context, collection, id string, fields map[string]any, merge bool) error

	// Get reads one document.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Update patches fields on an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes one document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// List returns every document in the collection.
	List(ctx context.Context, collection string) ([]Document, error)

	// BatchDelete removes the given documents in one backend round trip.
	BatchDelete(ctx context.Context, collection string, ids []string) error

	// Subscribe invokes fn with the full collection contents now and after
	// every remote change, until the returned cancel func is called.
	Subscribe(ctx context.Context, collection string, fn func([]Document)) (cancel func(), err error)
}
