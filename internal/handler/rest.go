package handler

import (
	"net/http"
	"strings"

	"basket-core/internal/auth"
	"basket-core/internal/model"
)

// AddItemRequest is the body of POST /basket/items. Either the minor-unit
// price or a display price string must be provided; the display form
// accepts what product pages render ("£89.00", "1,234.56").
type AddItemRequest struct {
	Name                string `json:"name"`
	UnitPriceMinorUnits int64  `json:"unit_price_minor_units,omitempty"`
	DisplayPrice        string `json:"display_price,omitempty"`
	ImageURL            string `json:"image_url,omitempty"`
	Category            string `json:"category,omitempty"`
	SelectedSize        string `json:"selected_size,omitempty"`
	SelectedColor       string `json:"selected_color,omitempty"`
	Quantity            int    `json:"quantity"`
}

// Descriptor converts the request into a model descriptor, resolving the
// display price when no minor-unit price was sent.
func (req *AddItemRequest) Descriptor() model.Descriptor {
	price := req.UnitPriceMinorUnits
	if price == 0 && req.DisplayPrice != "" {
		price = model.ParseDisplayPrice(req.DisplayPrice)
	}
	return model.Descriptor{
		Name:                strings.TrimSpace(req.Name),
		UnitPriceMinorUnits: price,
		ImageURL:            req.ImageURL,
		Category:            req.Category,
		SelectedSize:        req.SelectedSize,
		SelectedColor:       req.SelectedColor,
	}
}

// SetQuantityRequest is the body of PUT /basket/items/{id}/quantity.
type SetQuantityRequest struct {
	Quantity int `json:"quantity"`
}

// SignInRequest is the body of POST /session/sign-in.
type SignInRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (h *Handler) handleGetBasket(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.basket.Snapshot())
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.basket.Refresh(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if err := h.basket.Add(r.Context(), req.Descriptor(), quantity); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.basket.Snapshot())
}

func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req SetQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.basket.SetQuantity(r.Context(), r.PathValue("id"), req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.basket.Snapshot())
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.basket.Remove(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.basket.Snapshot())
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.basket.Clear(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.basket.Snapshot())
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.UserID == "" {
		h.writeError(w, model.NewInvalidArgumentError("user_id", "must not be empty"))
		return
	}
	h.session.SignIn(auth.Identity{
		ID:          req.UserID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	h.writeJSON(w, http.StatusOK, h.basket.Snapshot())
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	h.session.SignOut()
	h.writeJSON(w, http.StatusOK, h.basket.Snapshot())
}
