package basket

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"basket-core/internal/auth"
	"basket-core/internal/localstore"
	"basket-core/internal/model"
	"basket-core/internal/reconcile"
	"basket-core/internal/remotestore"
)

func newBasket(t *testing.T) (*Basket, *auth.ManualProvider) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	local := localstore.New(localstore.NewMemoryKV(), logger)
	remote := remotestore.New(remotestore.NewMemoryDocumentStore(), logger)
	provider := auth.NewManualProvider()
	session := auth.NewSession(provider, logger)
	rec := reconcile.New(session, local, remote, logger, reconcile.Config{})
	t.Cleanup(func() {
		rec.Close()
		session.Close()
	})
	return New(rec), provider
}

func TestAddAndCount(t *testing.T) {
	b, _ := newBasket(t)
	ctx := context.Background()

	desc := model.Descriptor{Name: "Trail Shoe", UnitPriceMinorUnits: 8900, SelectedSize: "42"}
	if err := b.Add(ctx, desc, 2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(ctx, model.Descriptor{Name: "Wool Sock", UnitPriceMinorUnits: 1200}, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := b.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
	// 2*8900 + 1200 = 19000 subtotal, free delivery, 950 tax.
	if got := b.TotalMinor(); got != 19950 {
		t.Errorf("TotalMinor = %d, want 19950", got)
	}
}

func TestItemLookup(t *testing.T) {
	b, _ := newBasket(t)
	ctx := context.Background()

	if err := b.Add(ctx, model.Descriptor{Name: "Parka", UnitPriceMinorUnits: 12000}, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	id := b.Snapshot().Items[0].ID

	item, ok := b.Item(id)
	if !ok || item.Name != "Parka" {
		t.Errorf("Item(%q) = %+v, %v; want the parka", id, item, ok)
	}
	if _, ok := b.Item("missing"); ok {
		t.Error("Item of unknown id reported found")
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	b, _ := newBasket(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []model.Snapshot
	cancel := b.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Snapshot)
		mu.Unlock()
	})
	defer cancel()

	if err := b.Add(ctx, model.Descriptor{Name: "Parka", UnitPriceMinorUnits: 12000}, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no notification after Add")
	}
	last := got[len(got)-1]
	if len(last.Items) != 1 || last.Totals.SubtotalMinor != 12000 {
		t.Errorf("last snapshot = %+v, want the parka with subtotal 12000", last)
	}
}

func TestClear(t *testing.T) {
	b, _ := newBasket(t)
	ctx := context.Background()

	if err := b.Add(ctx, model.Descriptor{Name: "Parka", UnitPriceMinorUnits: 12000}, 2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := b.Count(); got != 0 {
		t.Errorf("Count after Clear = %d, want 0", got)
	}
}
