// Package handler provides the HTTP surface of basketd: a REST API over
// the basket facade plus an MCP endpoint exposing the same operations as
// agent tools.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"basket-core/internal/auth"
	"basket-core/internal/basket"
	"basket-core/internal/model"
)

// SessionControl drives sign-in state. Satisfied by auth.ManualProvider;
// deployments with a real identity bridge leave it nil and the session
// endpoints return 404.
type SessionControl interface {
	SignIn(identity auth.Identity)
	SignOut()
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	basket  *basket.Basket
	session SessionControl
	logger  *slog.Logger
}

// New creates a Handler over the basket facade. session may be nil.
func New(b *basket.Basket, session SessionControl, logger *slog.Logger) *Handler {
	return &Handler{
		basket:  b,
		session: session,
		logger:  logger,
	}
}

// RegisterRoutes registers all HTTP routes with the given ServeMux.
// Uses Go 1.22+ method routing patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /basket", h.handleGetBasket)
	mux.HandleFunc("POST /basket/refresh", h.handleRefresh)
	mux.HandleFunc("POST /basket/items", h.handleAddItem)
	mux.HandleFunc("PUT /basket/items/{id}/quantity", h.handleSetQuantity)
	mux.HandleFunc("DELETE /basket/items/{id}", h.handleRemoveItem)
	mux.HandleFunc("POST /basket/clear", h.handleClear)

	if h.session != nil {
		mux.HandleFunc("POST /session/sign-in", h.handleSignIn)
		mux.HandleFunc("POST /session/sign-out", h.handleSignOut)
	}

	// MCP transport - JSON-RPC endpoint using official MCP SDK
	mux.Handle("/mcp", h.NewMCPHandler())

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends an error response. The basket error taxonomy maps onto
// HTTP statuses; messages marked user-visible pass through, everything
// else collapses to a generic message so internals never leak.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)

	code := "INTERNAL_ERROR"
	message := "an internal error occurred"
	var be *model.BasketError
	if errors.As(err, &be) {
		code = be.Code
		if be.Visible {
			message = be.Message
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("error", err.Error()))
	}

	h.writeJSON(w, status, errorResponse{
		Error: errorBody{
			Code:    code,
			Message: message,
		},
	})
}

// httpStatus maps the error taxonomy onto HTTP statuses.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the JSON structure for error responses.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MaxRequestBodySize limits JSON request bodies to 1MB to prevent DoS.
const MaxRequestBodySize = 1 << 20 // 1MB

// decodeJSON reads JSON from request body into v.
// Limits body size to MaxRequestBodySize to prevent memory exhaustion.
func decodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Don't expose internal error details to client
		return model.NewInvalidArgumentError("body", "invalid JSON")
	}
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
