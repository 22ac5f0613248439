// Package viewsync drives a renderer collaborator from basket
// notifications. Bursts of events inside one tick collapse into a single
// render of the latest snapshot, and prices cross this boundary already
// formatted so the renderer stays presentation-only.
package viewsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"basket-core/internal/basket"
	"basket-core/internal/model"
)

// defaultTick matches one frame at 60Hz.
const defaultTick = 16 * time.Millisecond

// Renderer receives the prepared view. Implemented by the embedding page
// bridge; a slow or panicking renderer must not stall basket operations.
type Renderer interface {
	Render(view View)
}

// LineItem is one rendered basket row.
type LineItem struct {
	ID             string
	Name           string
	ImageURL       string
	SelectedSize   string
	SelectedColor  string
	Quantity       int
	UnitPrice      string
	LineTotal      string
	PendingRemoval bool
}

// View is the full render payload.
type View struct {
	Items       []LineItem
	ItemCount   int
	Subtotal    string
	DeliveryFee string
	Tax         string
	Total       string
	SignedIn    bool
	Degraded    bool
}

// Config tunes the syncer. Zero values select defaults.
type Config struct {
	Tick  time.Duration
	Clock clock.Clock
}

// Syncer coalesces basket events into renderer calls.
type Syncer struct {
	renderer Renderer
	logger   *slog.Logger
	clk      clock.Clock
	tick     time.Duration

	mu        sync.Mutex
	latest    model.Snapshot
	dirty     bool
	armed     bool
	closed    bool
	pending   map[string]struct{}
	cancelSub func()
}

// New subscribes to the basket and renders its current snapshot once
// immediately so the page never shows an empty frame.
func New(b *basket.Basket, renderer Renderer, logger *slog.Logger, cfg Config) *Syncer {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	s := &Syncer{
		renderer: renderer,
		logger:   logger,
		clk:      cfg.Clock,
		tick:     cfg.Tick,
		pending:  make(map[string]struct{}),
	}
	s.cancelSub = b.Subscribe(s.onEvent)

	snap := b.Snapshot()
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
	s.render(snap)
	return s
}

// Close stops event handling. A tick already in flight may still render.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancelSub
	s.cancelSub = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// MarkPendingRemoval flags an item so the renderer can show it struck
// through while the removal is in flight. The flag clears itself once a
// snapshot without the item arrives.
func (s *Syncer) MarkPendingRemoval(itemID string) {
	s.mu.Lock()
	s.pending[itemID] = struct{}{}
	snap := s.latest
	s.mu.Unlock()
	// Re-render promptly: the strike-through should not wait for the next
	// basket event.
	s.render(snap)
}

func (s *Syncer) onEvent(e basket.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latest = e.Snapshot
	s.dirty = true
	if s.armed {
		return
	}
	s.armed = true
	s.clk.AfterFunc(s.tick, s.flush)
}

func (s *Syncer) flush() {
	s.mu.Lock()
	s.armed = false
	if s.closed || !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	snap := s.latest
	s.mu.Unlock()

	s.render(snap)
}

func (s *Syncer) render(snap model.Snapshot) {
	view := s.buildView(snap)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("renderer panicked", slog.Any("panic", p))
		}
	}()
	s.renderer.Render(view)
}

func (s *Syncer) buildView(snap model.Snapshot) View {
	s.mu.Lock()
	// Items gone from the snapshot have completed their removal; their
	// pending flags are stale.
	for id := range s.pending {
		if model.FindByID(snap.Items, id) < 0 {
			delete(s.pending, id)
		}
	}
	pending := make(map[string]struct{}, len(s.pending))
	for id := range s.pending {
		pending[id] = struct{}{}
	}
	s.mu.Unlock()

	view := View{
		ItemCount:   snap.Totals.ItemCount,
		Subtotal:    model.FormatPrice(snap.Totals.SubtotalMinor),
		DeliveryFee: model.FormatPrice(snap.Totals.DeliveryFeeMinor),
		Tax:         model.FormatPrice(snap.Totals.TaxMinor),
		Total:       model.FormatPrice(snap.Totals.TotalMinor),
		SignedIn:    !snap.Owner.IsGuest(),
		Degraded:    snap.Degraded,
	}
	for _, it := range snap.Items {
		_, isPending := pending[it.ID]
		view.Items = append(view.Items, LineItem{
			ID:             it.ID,
			Name:           it.Name,
			ImageURL:       it.ImageURL,
			SelectedSize:   it.SelectedSize,
			SelectedColor:  it.SelectedColor,
			Quantity:       it.Quantity,
			UnitPrice:      model.FormatPrice(it.UnitPriceMinorUnits),
			LineTotal:      model.FormatPrice(it.LineTotalMinor()),
			PendingRemoval: isPending,
		})
	}
	return view
}
