// Package reconcile decides where the basket lives at every moment and
// keeps the two backing stores consistent across authentication
// transitions. It owns the owner state machine, serializes mutations per
// owner, and is the single source of basketChanged notifications.
package reconcile

import "basket-core/internal/model"

// MergePlan describes the remote mutations that fold a guest basket into a
// user basket. Matching is by variant key (name+size+color), never by id:
// guest ids are derived locally and mean nothing to the remote store.
type MergePlan struct {
	// ToInsert are guest items with no variant match in the user basket.
	ToInsert []model.BasketItem

	// ToIncrement are quantity bumps for variant matches. NewQuantity is
	// the sum of both sides.
	ToIncrement []QuantityBump
}

// QuantityBump raises an existing remote item's quantity.
type QuantityBump struct {
	ItemID      string // remote document id
	NewQuantity int
	// Source is the guest item this bump came from, for failure reporting.
	Source model.BasketItem
}

// IsEmpty returns true if the guest basket contributes nothing.
func (p *MergePlan) IsEmpty() bool {
	return len(p.ToInsert) == 0 && len(p.ToIncrement) == 0
}

// PlanMerge computes the merge of guest items into user items.
//
// For each guest item: a user item with the same variant key absorbs its
// quantity; otherwise the guest item is inserted as a new remote record.
// Duplicate guest rows for one variant (legacy payloads allowed them)
// collapse into a single mutation.
func PlanMerge(guest, user []model.BasketItem) *MergePlan {
	plan := &MergePlan{}

	userByVariant := make(map[string]model.BasketItem, len(user))
	for _, it := range user {
		userByVariant[it.VariantKey()] = it
	}

	for _, g := range coalesceVariants(guest) {
		if u, exists := userByVariant[g.VariantKey()]; exists {
			plan.ToIncrement = append(plan.ToIncrement, QuantityBump{
				ItemID:      u.ID,
				NewQuantity: u.Quantity + g.Quantity,
				Source:      g,
			})
		} else {
			item := g
			item.ID = "" // remote store assigns the document id
			plan.ToInsert = append(plan.ToInsert, item)
		}
	}
	return plan
}

// coalesceVariants folds rows sharing a variant key into one row carrying
// the summed quantity, preserving first-seen order.
func coalesceVariants(items []model.BasketItem) []model.BasketItem {
	out := make([]model.BasketItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		key := it.VariantKey()
		if i, seen := index[key]; seen {
			out[i].Quantity += it.Quantity
			continue
		}
		index[key] = len(out)
		out = append(out, it)
	}
	return out
}

// MergeReport records the per-item outcome of applying a MergePlan. The
// merge is all-or-nothing per item but not transactional across items:
// merged guest items leave guest storage, unmerged ones stay for retry.
type MergeReport struct {
	Merged   []model.BasketItem
	Unmerged []model.BasketItem
	Errs     []error
}

// FullyMerged returns true when every guest item landed remotely.
func (r *MergeReport) FullyMerged() bool {
	return len(r.Unmerged) == 0
}

// FlushPlan describes the remote mutations that bring a user basket up to
// date with the local mirror after a degraded episode. Unlike a merge it is
// not additive: the mirror already holds the user's intended state.
//
// Removals are driven by explicit tombstones recorded while degraded, never
// by absence from the mirror, so items added from another device while this
// one was offline survive the flush.
type FlushPlan struct {
	ToInsert []model.BasketItem
	ToSet    []QuantityBump
	ToDelete []string
}

// IsEmpty returns true if no flush mutations are needed.
func (p *FlushPlan) IsEmpty() bool {
	return len(p.ToInsert) == 0 && len(p.ToSet) == 0 && len(p.ToDelete) == 0
}

// PlanFlush diffs the mirror (desired) against the remote basket (current).
//
//  1. Mirror items missing remotely are inserted
//  2. Variant matches with differing quantities are set to the mirror value
//  3. Tombstoned ids still present remotely are deleted
func PlanFlush(current, mirror []model.BasketItem, tombstones map[string]struct{}) *FlushPlan {
	plan := &FlushPlan{}

	currentByVariant := make(map[string]model.BasketItem, len(current))
	currentByID := make(map[string]struct{}, len(current))
	for _, it := range current {
		currentByVariant[it.VariantKey()] = it
		currentByID[it.ID] = struct{}{}
	}

	for _, m := range mirror {
		cur, exists := currentByVariant[m.VariantKey()]
		if !exists {
			item := m
			item.ID = ""
			plan.ToInsert = append(plan.ToInsert, item)
			continue
		}
		if cur.Quantity != m.Quantity {
			plan.ToSet = append(plan.ToSet, QuantityBump{
				ItemID:      cur.ID,
				NewQuantity: m.Quantity,
				Source:      m,
			})
		}
	}

	for id := range tombstones {
		if _, exists := currentByID[id]; exists {
			plan.ToDelete = append(plan.ToDelete, id)
		}
	}
	return plan
}
