// Package basket is the public surface of the reconciliation core. It wraps
// the reconciler with the operation set embedders integrate against and a
// single subscription channel carrying full snapshots.
//
// All mutations are serialized per owner by the reconciler underneath;
// callers may invoke the facade from any goroutine.
package basket

import (
	"context"

	"basket-core/internal/model"
	"basket-core/internal/reconcile"
)

// Event re-exports the reconciler notification so embedders depend on this
// package only.
type Event = reconcile.Event

// Notification kinds.
const (
	EventChanged  = reconcile.EventChanged
	EventDegraded = reconcile.EventDegraded
)

// Basket is the basket facade. Construct with New around a running
// reconciler; the zero value is not usable.
type Basket struct {
	rec *reconcile.Reconciler
}

func New(rec *reconcile.Reconciler) *Basket {
	return &Basket{rec: rec}
}

// Add puts quantity units of the described product into the basket. The
// descriptor typically comes from the page's product extractor; display
// prices must be converted with model.ParseDisplayPrice before this call.
// Adding an already-present variant increments its quantity instead of
// creating a second row.
func (b *Basket) Add(ctx context.Context, desc model.Descriptor, quantity int) error {
	return b.rec.Add(ctx, desc, quantity)
}

// Remove deletes the identified item. Removing an id that is not in the
// basket is a no-op; removal is idempotent.
func (b *Basket) Remove(ctx context.Context, itemID string) error {
	return b.rec.Remove(ctx, itemID)
}

// SetQuantity sets an item's quantity. Zero or negative removes the item.
func (b *Basket) SetQuantity(ctx context.Context, itemID string, quantity int) error {
	return b.rec.SetQuantity(ctx, itemID, quantity)
}

// Clear empties the basket.
func (b *Basket) Clear(ctx context.Context) error {
	return b.rec.Clear(ctx)
}

// Snapshot returns the current basket state without waiting on the remote
// store. The result can be momentarily stale; use Refresh to force a
// round trip.
func (b *Basket) Snapshot() model.Snapshot {
	return b.rec.Snapshot()
}

// Refresh reloads the basket from its active store and returns the fresh
// snapshot. Concurrent refreshes share one load.
func (b *Basket) Refresh(ctx context.Context) (model.Snapshot, error) {
	return b.rec.Refresh(ctx)
}

// Totals computes totals for the current snapshot.
func (b *Basket) Totals() model.Totals {
	return b.rec.Snapshot().Totals
}

// Count returns the total unit count across all items.
func (b *Basket) Count() int {
	return b.rec.Snapshot().Totals.ItemCount
}

// TotalMinor returns the grand total in minor currency units.
func (b *Basket) TotalMinor() int64 {
	return b.rec.Snapshot().Totals.TotalMinor
}

// Item returns the item with the given id from the current snapshot.
func (b *Basket) Item(itemID string) (model.BasketItem, bool) {
	snap := b.rec.Snapshot()
	if idx := model.FindByID(snap.Items, itemID); idx >= 0 {
		return snap.Items[idx], true
	}
	return model.BasketItem{}, false
}

// Subscribe registers a listener for basket notifications. Every event
// carries a full snapshot, so listeners never read back after an event.
// The returned func cancels the registration.
func (b *Basket) Subscribe(fn func(Event)) (cancel func()) {
	return b.rec.Notify(fn)
}
