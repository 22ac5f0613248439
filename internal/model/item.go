// Package model defines the canonical basket data model and error taxonomy.
// All backend-specific field mapping happens at the store boundary; every
// consumer sees exactly one item shape.
package model

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// BasketItem is one line in a basket.
//
// Within one basket no two items share the same (Name, SelectedSize,
// SelectedColor) tuple; adding a duplicate increments Quantity of the
// existing item instead of appending.
type BasketItem struct {
	// ID is the remote document id for remote items, or a key derived from
	// name+size+color for guest items. Stable across loads.
	ID string `json:"id"`

	Name string `json:"name"`

	// UnitPriceMinorUnits is the price in pence. Display formatting is
	// always derived, never stored.
	UnitPriceMinorUnits int64 `json:"unit_price_minor_units"`

	ImageURL string `json:"image_url,omitempty"`
	Category string `json:"category,omitempty"`

	Quantity int `json:"quantity"`

	SelectedSize  string `json:"selected_size,omitempty"`
	SelectedColor string `json:"selected_color,omitempty"`

	// AddedAt orders items (server-assigned for remote, local clock for
	// guest). Never used for identity.
	AddedAt time.Time `json:"added_at"`
}

// VariantKey returns the identity tuple for duplicate detection.
func (it BasketItem) VariantKey() string {
	return it.Name + "\x00" + it.SelectedSize + "\x00" + it.SelectedColor
}

// DerivedID returns the deterministic id used for items that have no
// backend-assigned document id.
func (it BasketItem) DerivedID() string {
	return strconv.FormatUint(xxhash.Sum64String(it.VariantKey()), 16)
}

// LineTotalMinor returns the line subtotal in minor units.
func (it BasketItem) LineTotalMinor() int64 {
	return it.UnitPriceMinorUnits * int64(it.Quantity)
}

// Descriptor is the caller-supplied product description for Add. It comes
// from the external product-descriptor provider (page scraping or catalog
// lookup); the store boundary turns it into a canonical BasketItem.
type Descriptor struct {
	Name                string `json:"name"`
	UnitPriceMinorUnits int64  `json:"unit_price_minor_units"`
	ImageURL            string `json:"image_url,omitempty"`
	Category            string `json:"category,omitempty"`
	SelectedSize        string `json:"selected_size,omitempty"`
	SelectedColor       string `json:"selected_color,omitempty"`
}

// Validate rejects descriptors that cannot become a basket item.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return NewInvalidArgumentError("name", "must not be empty")
	}
	if d.UnitPriceMinorUnits < 0 {
		return NewInvalidArgumentError("unit_price_minor_units", "must not be negative")
	}
	return nil
}

// Item builds a canonical BasketItem from the descriptor.
// The id is derived; remote saves replace it with the document id.
func (d Descriptor) Item(quantity int, now time.Time) BasketItem {
	it := BasketItem{
		Name:                d.Name,
		UnitPriceMinorUnits: d.UnitPriceMinorUnits,
		ImageURL:            d.ImageURL,
		Category:            d.Category,
		Quantity:            quantity,
		SelectedSize:        d.SelectedSize,
		SelectedColor:       d.SelectedColor,
		AddedAt:             now,
	}
	it.ID = it.DerivedID()
	return it
}

// Snapshot is the full externally visible basket state, carried on every
// basketChanged notification.
type Snapshot struct {
	Owner    Owner        `json:"owner"`
	Items    []BasketItem `json:"items"`
	Totals   Totals       `json:"totals"`
	Degraded bool         `json:"degraded"`
}

// CloneItems returns a defensive copy so listeners cannot mutate shared
// reconciler state.
func CloneItems(items []BasketItem) []BasketItem {
	if items == nil {
		return nil
	}
	out := make([]BasketItem, len(items))
	copy(out, items)
	return out
}

// FindByID returns the index of the item with the given id, or -1.
func FindByID(items []BasketItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// FindVariant returns the index of the item matching the variant key, or -1.
func FindVariant(items []BasketItem, key string) int {
	for i, it := range items {
		if it.VariantKey() == key {
			return i
		}
	}
	return -1
}
