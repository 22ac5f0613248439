package model

const (
	// freeDeliveryThresholdMinor is the subtotal above which delivery is
	// free (strictly greater than £100.00).
	freeDeliveryThresholdMinor = 10000

	// deliveryFeeMinor is the flat delivery fee below the threshold.
	deliveryFeeMinor = 500

	// taxRatePercent is the flat tax rate applied to the subtotal.
	taxRatePercent = 5
)

// Totals is derived from a snapshot's items. It is a pure function of the
// basket, never persisted separately.
type Totals struct {
	SubtotalMinor    int64 `json:"subtotal_minor"`
	DeliveryFeeMinor int64 `json:"delivery_fee_minor"`
	TaxMinor         int64 `json:"tax_minor"`
	TotalMinor       int64 `json:"total_minor"`
	ItemCount        int   `json:"item_count"`
}

// CalculateTotals computes basket totals from items.
// Delivery is free above £100; tax is 5% of the subtotal, rounded half up.
func CalculateTotals(items []BasketItem) Totals {
	var t Totals
	for _, it := range items {
		t.SubtotalMinor += it.LineTotalMinor()
		t.ItemCount += it.Quantity
	}
	if t.SubtotalMinor <= freeDeliveryThresholdMinor {
		t.DeliveryFeeMinor = deliveryFeeMinor
	}
	t.TaxMinor = roundPercent(t.SubtotalMinor, taxRatePercent)
	t.TotalMinor = t.SubtotalMinor + t.DeliveryFeeMinor + t.TaxMinor
	return t
}

// roundPercent returns rate% of amount rounded half up, in integer
// arithmetic to avoid float drift on large baskets.
func roundPercent(amount int64, rate int64) int64 {
	return (amount*rate + 50) / 100
}
