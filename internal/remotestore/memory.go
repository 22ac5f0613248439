package remotestore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"basket-core/internal/model"
)

// MemoryDocumentStore is an in-process DocumentStore used by tests and by
// basketd in development mode. It honors ServerTimestamp placeholders and
// supports fault injection for degraded-mode paths.
type MemoryDocumentStore struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	subs        map[int]subscription
	nextSubID   int

	offline bool
	denied  bool
	latency time.Duration
	now     func() time.Time
}

type subscription struct {
	collection string
	fn         func([]Document)
}

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[int]subscription),
		now:         time.Now,
	}
}

// SetOffline makes every call fail with a network error until reset.
func (m *MemoryDocumentStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetDenied makes every call fail with permission denied until reset.
func (m *MemoryDocumentStore) SetDenied(denied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied = denied
}

// SetLatency delays every call, for timeout tests.
func (m *MemoryDocumentStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetNowFunc overrides the server clock used for timestamp placeholders.
func (m *MemoryDocumentStore) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryDocumentStore) gate(ctx context.Context) error {
	m.mu.Lock()
	offline, denied, latency := m.offline, m.denied, m.latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return fmt.Errorf("memory docstore: %w", model.ErrTimeout)
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory docstore: %w", model.ErrTimeout)
	}
	if denied {
		return fmt.Errorf("memory docstore: %w", model.ErrPermissionDenied)
	}
	if offline {
		return fmt.Errorf("memory docstore: %w", model.ErrNetwork)
	}
	return nil
}

func (m *MemoryDocumentStore) Set(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]map[string]any)
		m.collections[collection] = coll
	}
	doc := coll[id]
	if doc == nil || !merge {
		doc = make(map[string]any)
	}
	for k, v := range fields {
		if _, isPlaceholder := v.(serverTimestamp); isPlaceholder {
			v = m.now()
		}
		doc[k] = v
	}
	coll[id] = doc
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *MemoryDocumentStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("document %s/%s: %w", collection, id, model.ErrNotFound)
	}
	return &Document{ID: id, Fields: maps.Clone(doc)}, nil
}

func (m *MemoryDocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	doc, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("document %s/%s: %w", collection, id, model.ErrNotFound)
	}
	for k, v := range fields {
		if _, isPlaceholder := v.(serverTimestamp); isPlaceholder {
			v = m.now()
		}
		doc[k] = v
	}
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *MemoryDocumentStore) Delete(ctx context.Context, collection, id string) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.collections[collection], id)
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *MemoryDocumentStore) List(ctx context.Context, collection string) ([]Document, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(collection), nil
}

func (m *MemoryDocumentStore) BatchDelete(ctx context.Context, collection string, ids []string) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.collections[collection], id)
	}
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *MemoryDocumentStore) Subscribe(ctx context.Context, collection string, fn func([]Document)) (func(), error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = subscription{collection: collection, fn: fn}
	initial := m.snapshotLocked(collection)
	m.mu.Unlock()

	// Initial delivery mirrors realtime-listener semantics.
	fn(initial)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}, nil
}

func (m *MemoryDocumentStore) snapshotLocked(collection string) []Document {
	coll := m.collections[collection]
	docs := make([]Document, 0, len(coll))
	for id, fields := range coll {
		docs = append(docs, Document{ID: id, Fields: maps.Clone(fields)})
	}
	return docs
}

func (m *MemoryDocumentStore) notify(collection string) {
	m.mu.Lock()
	var fns []func([]Document)
	var snap []Document
	for _, sub := range m.subs {
		if sub.collection == collection {
			if snap == nil {
				snap = m.snapshotLocked(collection)
			}
			fns = append(fns, sub.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
