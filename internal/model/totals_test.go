package model

import "testing"

func TestCalculateTotals_DeliveryThreshold(t *testing.T) {
	tests := []struct {
		name         string
		subtotal     int64
		wantDelivery int64
	}{
		{"just above threshold", 10001, 0},
		{"exactly at threshold", 10000, 500},
		{"below threshold", 9999, 500},
		{"well above threshold", 250000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := []BasketItem{{Name: "jacket", UnitPriceMinorUnits: tt.subtotal, Quantity: 1}}
			got := CalculateTotals(items)
			if got.SubtotalMinor != tt.subtotal {
				t.Errorf("SubtotalMinor = %d, want %d", got.SubtotalMinor, tt.subtotal)
			}
			if got.DeliveryFeeMinor != tt.wantDelivery {
				t.Errorf("DeliveryFeeMinor = %d, want %d", got.DeliveryFeeMinor, tt.wantDelivery)
			}
		})
	}
}

func TestCalculateTotals_TaxRounding(t *testing.T) {
	tests := []struct {
		subtotal int64
		wantTax  int64
	}{
		{199, 10},  // 9.95 rounds up
		{100, 5},   // exact
		{189, 9},   // 9.45 rounds down
		{10, 1},    // 0.5 rounds up
		{0, 0},
	}

	for _, tt := range tests {
		items := []BasketItem{{Name: "belt", UnitPriceMinorUnits: tt.subtotal, Quantity: 1}}
		got := CalculateTotals(items)
		if got.TaxMinor != tt.wantTax {
			t.Errorf("subtotal %d: TaxMinor = %d, want %d", tt.subtotal, got.TaxMinor, tt.wantTax)
		}
	}
}

func TestCalculateTotals_SumsLinesAndQuantities(t *testing.T) {
	items := []BasketItem{
		{Name: "gloves", UnitPriceMinorUnits: 2500, Quantity: 2},
		{Name: "scarf", UnitPriceMinorUnits: 1800, Quantity: 3},
	}

	got := CalculateTotals(items)

	if got.SubtotalMinor != 2*2500+3*1800 {
		t.Errorf("SubtotalMinor = %d, want %d", got.SubtotalMinor, 2*2500+3*1800)
	}
	if got.ItemCount != 5 {
		t.Errorf("ItemCount = %d, want 5", got.ItemCount)
	}
	wantTotal := got.SubtotalMinor + got.DeliveryFeeMinor + got.TaxMinor
	if got.TotalMinor != wantTotal {
		t.Errorf("TotalMinor = %d, want %d", got.TotalMinor, wantTotal)
	}
}
