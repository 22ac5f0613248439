package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"basket-core/internal/auth"
	"basket-core/internal/basket"
	"basket-core/internal/localstore"
	"basket-core/internal/model"
	"basket-core/internal/reconcile"
	"basket-core/internal/remotestore"
)

// testStack builds the full handler stack over in-memory collaborators.
func testStack(t *testing.T) (*http.ServeMux, *remotestore.MemoryDocumentStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	docs := remotestore.NewMemoryDocumentStore()
	local := localstore.New(localstore.NewMemoryKV(), logger)
	remote := remotestore.New(docs, logger)
	provider := auth.NewManualProvider()
	session := auth.NewSession(provider, logger)
	rec := reconcile.New(session, local, remote, logger, reconcile.Config{})
	t.Cleanup(func() {
		rec.Close()
		session.Close()
	})

	h := New(basket.New(rec), provider, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, docs
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) model.Snapshot {
	t.Helper()
	var snap model.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v\nBody: %s", err, w.Body.String())
	}
	return snap
}

func TestHealth(t *testing.T) {
	mux, _ := testStack(t)
	w := doJSON(t, mux, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}
}

func TestGetEmptyBasket(t *testing.T) {
	mux, _ := testStack(t)
	w := doJSON(t, mux, "GET", "/basket", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	snap := decodeSnapshot(t, w)
	if len(snap.Items) != 0 {
		t.Errorf("items = %d, want 0", len(snap.Items))
	}
	if snap.Totals.DeliveryFeeMinor != 500 {
		t.Errorf("delivery fee = %d, want flat 500", snap.Totals.DeliveryFeeMinor)
	}
}

func TestAddItem(t *testing.T) {
	mux, _ := testStack(t)

	w := doJSON(t, mux, "POST", "/basket/items", AddItemRequest{
		Name:                "Trail Shoe",
		UnitPriceMinorUnits: 8900,
		SelectedSize:        "42",
		Quantity:            2,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201\nBody: %s", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if len(snap.Items) != 1 || snap.Items[0].Quantity != 2 {
		t.Errorf("snapshot = %+v, want one row of 2", snap.Items)
	}
}

func TestAddItemDisplayPrice(t *testing.T) {
	mux, _ := testStack(t)

	w := doJSON(t, mux, "POST", "/basket/items", AddItemRequest{
		Name:         "Parka",
		DisplayPrice: "£1,234.56",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201\nBody: %s", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.Items[0].UnitPriceMinorUnits != 123456 {
		t.Errorf("price = %d, want 123456 parsed from display string", snap.Items[0].UnitPriceMinorUnits)
	}
}

func TestAddItemValidation(t *testing.T) {
	mux, _ := testStack(t)

	w := doJSON(t, mux, "POST", "/basket/items", AddItemRequest{UnitPriceMinorUnits: 100})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400\nBody: %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if resp.Error.Code != "INVALID_ARGUMENT" {
		t.Errorf("error code = %s, want INVALID_ARGUMENT", resp.Error.Code)
	}
}

func TestSetQuantityAndRemove(t *testing.T) {
	mux, _ := testStack(t)

	w := doJSON(t, mux, "POST", "/basket/items", AddItemRequest{
		Name: "Parka", UnitPriceMinorUnits: 12000,
	})
	snap := decodeSnapshot(t, w)
	id := snap.Items[0].ID

	w = doJSON(t, mux, "PUT", "/basket/items/"+id+"/quantity", SetQuantityRequest{Quantity: 4})
	if w.Code != http.StatusOK {
		t.Fatalf("SetQuantity status = %d\nBody: %s", w.Code, w.Body.String())
	}
	if got := decodeSnapshot(t, w).Items[0].Quantity; got != 4 {
		t.Errorf("quantity = %d, want 4", got)
	}

	w = doJSON(t, mux, "DELETE", "/basket/items/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Remove status = %d", w.Code)
	}
	if got := len(decodeSnapshot(t, w).Items); got != 0 {
		t.Errorf("items after remove = %d, want 0", got)
	}

	// Removing again stays a 200 no-op.
	w = doJSON(t, mux, "DELETE", "/basket/items/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("second Remove status = %d, want 200", w.Code)
	}
}

func TestClear(t *testing.T) {
	mux, _ := testStack(t)

	doJSON(t, mux, "POST", "/basket/items", AddItemRequest{Name: "A", UnitPriceMinorUnits: 100})
	doJSON(t, mux, "POST", "/basket/items", AddItemRequest{Name: "B", UnitPriceMinorUnits: 200})

	w := doJSON(t, mux, "POST", "/basket/clear", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Clear status = %d", w.Code)
	}
	if got := len(decodeSnapshot(t, w).Items); got != 0 {
		t.Errorf("items after clear = %d, want 0", got)
	}
}

func TestSignInMergesOverREST(t *testing.T) {
	mux, _ := testStack(t)

	doJSON(t, mux, "POST", "/basket/items", AddItemRequest{
		Name: "Trail Shoe", UnitPriceMinorUnits: 8900, Quantity: 2,
	})

	w := doJSON(t, mux, "POST", "/session/sign-in", SignInRequest{UserID: "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("sign-in status = %d\nBody: %s", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.Owner.IsGuest() {
		t.Error("owner still guest after sign-in")
	}
	if len(snap.Items) != 1 || snap.Items[0].Quantity != 2 {
		t.Errorf("merged snapshot = %+v, want the shoes carried over", snap.Items)
	}

	w = doJSON(t, mux, "POST", "/session/sign-out", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sign-out status = %d", w.Code)
	}
	snap = decodeSnapshot(t, w)
	if !snap.Owner.IsGuest() || len(snap.Items) != 0 {
		t.Errorf("after sign-out owner=%v items=%d, want empty guest", snap.Owner, len(snap.Items))
	}
}

func TestSignInRequiresUserID(t *testing.T) {
	mux, _ := testStack(t)

	w := doJSON(t, mux, "POST", "/session/sign-in", SignInRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestPermissionDeniedMapsTo403(t *testing.T) {
	mux, docs := testStack(t)

	doJSON(t, mux, "POST", "/session/sign-in", SignInRequest{UserID: "u1"})
	docs.SetDenied(true)

	w := doJSON(t, mux, "POST", "/basket/items", AddItemRequest{
		Name: "Parka", UnitPriceMinorUnits: 12000,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("Status = %d, want 403\nBody: %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if resp.Error.Code != "PERMISSION_DENIED" {
		t.Errorf("error code = %s, want PERMISSION_DENIED", resp.Error.Code)
	}
}

func TestOfflineAddStillSucceeds(t *testing.T) {
	mux, docs := testStack(t)

	doJSON(t, mux, "POST", "/session/sign-in", SignInRequest{UserID: "u1"})
	docs.SetOffline(true)

	w := doJSON(t, mux, "POST", "/basket/items", AddItemRequest{
		Name: "Parka", UnitPriceMinorUnits: 12000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201: offline writes park locally\nBody: %s", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if !snap.Degraded {
		t.Error("snapshot not flagged degraded")
	}
	if len(snap.Items) != 1 {
		t.Errorf("items = %d, want the parked parka", len(snap.Items))
	}
}

func TestBadJSONBody(t *testing.T) {
	mux, _ := testStack(t)

	req := httptest.NewRequest("POST", "/basket/items", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}
