// Package localstore persists baskets in device-local key-value storage.
//
// The guest basket lives in a fixed slot; authenticated users get a mirror
// slot keyed by user id that doubles as the degraded-mode fallback. Each
// slot holds one serialized array: a single point of failure is acceptable
// at basket scale, so there is no per-item record splitting here.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/mod/semver"

	"basket-core/internal/model"
)

const (
	// guestSlot is the storage key for the anonymous basket. The name is
	// load-bearing: it must match what page scripts historically wrote.
	guestSlot = "basket"

	// userSlotPrefix namespaces per-user mirror slots.
	userSlotPrefix = "basket_"

	// schemaVersion tags stored payloads. Loads accept any payload with
	// the same major version; anything else is treated as corrupt.
	schemaVersion = "v1.0.0"
)

// payload is the serialized slot format. Version is a compare-and-swap
// counter bumped on every save, so concurrent tabs detect lost updates.
type payload struct {
	Schema  string       `json:"schema"`
	Version int64        `json:"version"`
	Items   []storedItem `json:"items"`
}

// storedItem tolerates the legacy field spellings that accumulated in old
// page scripts (name/productName, price strings with currency symbols).
// Mapping to the canonical shape happens here, once, at load time.
type storedItem struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	ProductName   string `json:"productName,omitempty"`
	PriceMinor    int64  `json:"price_minor,omitempty"`
	NewPrice      string `json:"newPrice,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	ImgURL        string `json:"imgUrl,omitempty"`
	Category      string `json:"category,omitempty"`
	Quantity      int    `json:"quantity"`
	SelectedSize  string `json:"selectedSize,omitempty"`
	SelectedColor string `json:"selectedColor,omitempty"`
	AddedAt       int64  `json:"added_at,omitempty"` // unix millis
}

// Store reads and writes baskets in a KV collaborator.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// New creates a local basket store over the given KV collaborator.
func New(kv KV, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Slot returns the storage key for an owner.
func Slot(owner model.Owner) string {
	if owner.IsGuest() {
		return guestSlot
	}
	return userSlotPrefix + owner.UserID
}

// Load returns the owner's basket items and the payload version for
// subsequent compare-and-swap saves.
//
// A missing slot is an empty basket at version 0. A corrupt slot is also an
// empty basket: it is logged and never surfaced to the caller.
func (s *Store) Load(owner model.Owner) ([]model.BasketItem, int64, error) {
	slot := Slot(owner)
	raw, ok := s.kv.Get(slot)
	if !ok {
		return nil, 0, nil
	}

	p, err := decode(raw)
	if err != nil {
		s.logger.Warn("treating unreadable basket slot as empty",
			slog.String("slot", slot),
			slog.Any("error", model.NewCorruptError(slot, err)),
		)
		return nil, 0, nil
	}

	items := make([]model.BasketItem, 0, len(p.Items))
	for _, st := range p.Items {
		items = append(items, st.canonical())
	}
	return items, p.Version, nil
}

// Save writes the owner's basket, bumping the payload version.
//
// expectVersion must be the version returned by the last Load (or Save); if
// the slot has moved on since, Save fails with ErrConflict and writes
// nothing, so a concurrent tab's update is never overwritten blindly.
func (s *Store) Save(owner model.Owner, items []model.BasketItem, expectVersion int64) (int64, error) {
	slot := Slot(owner)

	if raw, ok := s.kv.Get(slot); ok {
		current, err := decode(raw)
		if err == nil && current.Version != expectVersion {
			return 0, model.NewConflictError(slot)
		}
		// An unreadable current payload loses to the incoming write.
	} else if expectVersion != 0 {
		return 0, model.NewConflictError(slot)
	}

	next := payload{
		Schema:  schemaVersion,
		Version: expectVersion + 1,
		Items:   make([]storedItem, 0, len(items)),
	}
	for _, it := range items {
		next.Items = append(next.Items, fromCanonical(it))
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encoding basket slot %s: %w", slot, err)
	}
	if err := s.kv.Set(slot, string(raw)); err != nil {
		if errors.Is(err, model.ErrQuotaExceeded) {
			return 0, model.NewQuotaExceededError(slot)
		}
		return 0, fmt.Errorf("writing basket slot %s: %w", slot, err)
	}
	return next.Version, nil
}

// Remove deletes the owner's slot entirely.
func (s *Store) Remove(owner model.Owner) {
	s.kv.Remove(Slot(owner))
}

// Watch invokes fn whenever another writer (a different tab) changes the
// owner's slot. The caller must re-read; the notification carries no data.
func (s *Store) Watch(owner model.Owner, fn func()) (cancel func()) {
	slot := Slot(owner)
	return s.kv.Watch(func(key string) {
		if key == slot {
			fn()
		}
	})
}

func decode(raw string) (*payload, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// Legacy slots held a bare item array with no envelope.
		var legacy []storedItem
		if legacyErr := json.Unmarshal([]byte(raw), &legacy); legacyErr == nil {
			return &payload{Schema: schemaVersion, Version: 0, Items: legacy}, nil
		}
		return nil, err
	}
	if p.Schema == "" {
		p.Schema = schemaVersion
	}
	if !semver.IsValid(p.Schema) || semver.Major(p.Schema) != semver.Major(schemaVersion) {
		return nil, fmt.Errorf("unsupported schema %q", p.Schema)
	}
	return &p, nil
}

func (st storedItem) canonical() model.BasketItem {
	name := st.Name
	if name == "" {
		name = st.ProductName
	}
	price := st.PriceMinor
	if price == 0 && st.NewPrice != "" {
		price = model.ParseDisplayPrice(st.NewPrice)
	}
	image := st.ImageURL
	if image == "" {
		image = st.ImgURL
	}
	qty := st.Quantity
	if qty < 1 {
		qty = 1
	}

	it := model.BasketItem{
		ID:                  st.ID,
		Name:                name,
		UnitPriceMinorUnits: price,
		ImageURL:            image,
		Category:            st.Category,
		Quantity:            qty,
		SelectedSize:        st.SelectedSize,
		SelectedColor:       st.SelectedColor,
	}
	if st.AddedAt > 0 {
		it.AddedAt = time.UnixMilli(st.AddedAt)
	}
	if it.ID == "" {
		it.ID = it.DerivedID()
	}
	return it
}

func fromCanonical(it model.BasketItem) storedItem {
	st := storedItem{
		ID:            it.ID,
		Name:          it.Name,
		PriceMinor:    it.UnitPriceMinorUnits,
		ImageURL:      it.ImageURL,
		Category:      it.Category,
		Quantity:      it.Quantity,
		SelectedSize:  it.SelectedSize,
		SelectedColor: it.SelectedColor,
	}
	if !it.AddedAt.IsZero() {
		st.AddedAt = it.AddedAt.UnixMilli()
	}
	return st
}
