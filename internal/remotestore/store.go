package remotestore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"basket-core/internal/model"
)

// batchDeleteChunk caps ids per batch delete call, mirroring backend write
// batch limits.
const batchDeleteChunk = 500

// Store persists baskets as per-item documents under the owner's cart
// container. Layout:
//
//	users/{uid}/cart/current            container doc, updatedAt touched on writes
//	users/{uid}/cart/current/items/{id} one doc per basket item
type Store struct {
	docs   DocumentStore
	logger *slog.Logger
}

// New creates a remote basket store over the document store collaborator.
func New(docs DocumentStore, logger *slog.Logger) *Store {
	return &Store{docs: docs, logger: logger}
}

func cartCollection(owner model.Owner) string {
	return "users/" + owner.UserID + "/cart"
}

func itemsCollection(owner model.Owner) string {
	return cartCollection(owner) + "/current/items"
}

// Load returns the owner's basket, newest first.
func (s *Store) Load(ctx context.Context, owner model.Owner) ([]model.BasketItem, error) {
	if owner.IsGuest() {
		return nil, model.NewInvalidArgumentError("owner", "guest baskets are not stored remotely")
	}
	docs, err := s.docs.List(ctx, itemsCollection(owner))
	if err != nil {
		return nil, fmt.Errorf("loading basket for %s: %w", owner, err)
	}

	items := make([]model.BasketItem, 0, len(docs))
	for _, d := range docs {
		items = append(items, itemFromDoc(d))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AddedAt.After(items[j].AddedAt)
	})
	return items, nil
}

// SaveItem writes one item record and touches the cart container. A missing
// item id gets a client-generated document id. Returns the item as stored.
func (s *Store) SaveItem(ctx context.Context, owner model.Owner, item model.BasketItem) (model.BasketItem, error) {
	if owner.IsGuest() {
		return item, model.NewInvalidArgumentError("owner", "guest baskets are not stored remotely")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if err := s.touchContainer(ctx, owner); err != nil {
		return item, err
	}
	if err := s.docs.Set(ctx, itemsCollection(owner), item.ID, itemFields(item), false); err != nil {
		return item, fmt.Errorf("saving item %s for %s: %w", item.ID, owner, err)
	}
	return item, nil
}

// SetQuantity patches the quantity field of one item record.
func (s *Store) SetQuantity(ctx context.Context, owner model.Owner, itemID string, quantity int) error {
	if err := s.docs.Update(ctx, itemsCollection(owner), itemID, map[string]any{
		"quantity": quantity,
	}); err != nil {
		return fmt.Errorf("updating quantity of %s for %s: %w", itemID, owner, err)
	}
	return s.touchContainer(ctx, owner)
}

// DeleteItem removes one item record.
func (s *Store) DeleteItem(ctx context.Context, owner model.Owner, itemID string) error {
	if err := s.docs.Delete(ctx, itemsCollection(owner), itemID); err != nil {
		return fmt.Errorf("deleting item %s for %s: %w", itemID, owner, err)
	}
	return s.touchContainer(ctx, owner)
}

// Clear removes every item record with chunked batch deletes. Chunks run
// concurrently; the basket is small, but the chunking keeps each call under
// backend batch limits.
func (s *Store) Clear(ctx context.Context, owner model.Owner) error {
	coll := itemsCollection(owner)
	docs, err := s.docs.List(ctx, coll)
	if err != nil {
		return fmt.Errorf("listing items to clear for %s: %w", owner, err)
	}
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(ids); start += batchDeleteChunk {
		end := min(start+batchDeleteChunk, len(ids))
		chunk := ids[start:end]
		g.Go(func() error {
			return s.docs.BatchDelete(gctx, coll, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("clearing basket for %s: %w", owner, err)
	}
	return s.touchContainer(ctx, owner)
}

// Subscribe feeds the owner's basket to fn on every remote change, newest
// first. Used for realtime sync while a user is signed in.
func (s *Store) Subscribe(ctx context.Context, owner model.Owner, fn func([]model.BasketItem)) (cancel func(), err error) {
	return s.docs.Subscribe(ctx, itemsCollection(owner), func(docs []Document) {
		items := make([]model.BasketItem, 0, len(docs))
		for _, d := range docs {
			items = append(items, itemFromDoc(d))
		}
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].AddedAt.After(items[j].AddedAt)
		})
		fn(items)
	})
}

func (s *Store) touchContainer(ctx context.Context, owner model.Owner) error {
	err := s.docs.Set(ctx, cartCollection(owner), "current", map[string]any{
		"updatedAt": ServerTimestamp,
	}, true)
	if err != nil {
		return fmt.Errorf("touching cart container for %s: %w", owner, err)
	}
	return nil
}

// itemFields serializes an item to its document form. AddedAt, when unset,
// is server-assigned.
func itemFields(it model.BasketItem) map[string]any {
	fields := map[string]any{
		"productName":     it.Name,
		"productPrice":    it.UnitPriceMinorUnits,
		"productImage":    it.ImageURL,
		"productCategory": it.Category,
		"quantity":        it.Quantity,
		"selectedSize":    it.SelectedSize,
		"selectedColor":   it.SelectedColor,
	}
	if it.AddedAt.IsZero() {
		fields["addedAt"] = ServerTimestamp
	} else {
		fields["addedAt"] = it.AddedAt
	}
	return fields
}

// itemFromDoc maps a document to the canonical item shape. Backend field
// spellings varied across script generations (name/productName,
// price/productPrice); that mapping lives here and nowhere else.
func itemFromDoc(d Document) model.BasketItem {
	it := model.BasketItem{
		ID:                  d.ID,
		Name:                stringField(d.Fields, "productName", "name", "title"),
		UnitPriceMinorUnits: intField(d.Fields, "productPrice", "price"),
		ImageURL:            stringField(d.Fields, "productImage", "image"),
		Category:            stringField(d.Fields, "productCategory", "category"),
		Quantity:            int(intField(d.Fields, "quantity")),
		SelectedSize:        stringField(d.Fields, "selectedSize"),
		SelectedColor:       stringField(d.Fields, "selectedColor"),
	}
	if it.Quantity < 1 {
		it.Quantity = 1
	}
	if ts, ok := d.Fields["addedAt"].(time.Time); ok {
		it.AddedAt = ts
	}
	return it
}

func stringField(fields map[string]any, names ...string) string {
	for _, n := range names {
		if v, ok := fields[n].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intField(fields map[string]any, names ...string) int64 {
	for _, n := range names {
		switch v := fields[n].(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		case string:
			if v != "" {
				return model.ParseMinorUnits(v)
			}
		}
	}
	return 0
}
