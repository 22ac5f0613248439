// MCP transport handler using the official MCP Go SDK.
// Exposes basket operations as agent tools.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"basket-core/internal/model"
)

// === MCP Tool Input Types ===

// BasketAddInput is the input schema for the basket_add tool.
type BasketAddInput struct {
	Name                string `json:"name" jsonschema:"product name,required"`
	UnitPriceMinorUnits int64  `json:"unit_price_minor_units,omitempty" jsonschema:"unit price in minor currency units (pence)"`
	DisplayPrice        string `json:"display_price,omitempty" jsonschema:"display price string such as £89.00, used when no minor-unit price is given"`
	ImageURL            string `json:"image_url,omitempty" jsonschema:"product image URL"`
	Category            string `json:"category,omitempty" jsonschema:"product category"`
	SelectedSize        string `json:"selected_size,omitempty" jsonschema:"selected size variant"`
	SelectedColor       string `json:"selected_color,omitempty" jsonschema:"selected color variant"`
	Quantity            int    `json:"quantity,omitempty" jsonschema:"units to add, defaults to 1"`
}

// BasketRemoveInput is the input schema for the basket_remove tool.
type BasketRemoveInput struct {
	ItemID string `json:"item_id" jsonschema:"basket item id,required"`
}

// BasketSetQuantityInput is the input schema for basket_set_quantity.
type BasketSetQuantityInput struct {
	ItemID   string `json:"item_id" jsonschema:"basket item id,required"`
	Quantity int    `json:"quantity" jsonschema:"new quantity; zero or less removes the item,required"`
}

// BasketClearInput is the input schema for basket_clear.
type BasketClearInput struct{}

// BasketGetInput is the input schema for basket_get.
type BasketGetInput struct{}

// NewMCPServer creates an MCP server with basket tools registered.
// The server exposes the same operations as the REST API but via MCP protocol.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "basket-core",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{
			Instructions: "Shopping basket operations. Use these tools to inspect " +
				"and modify the customer's basket; every mutation returns the " +
				"full basket snapshot with totals.",
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "basket_add",
		Description: "Add a product to the basket. Adding a variant that is already present increments its quantity.",
	}, h.mcpBasketAdd)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "basket_remove",
		Description: "Remove an item from the basket. Removing an unknown id is a no-op.",
	}, h.mcpBasketRemove)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "basket_set_quantity",
		Description: "Set an item's quantity. Zero or less removes the item.",
	}, h.mcpBasketSetQuantity)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "basket_clear",
		Description: "Remove every item from the basket.",
	}, h.mcpBasketClear)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "basket_get",
		Description: "Get the current basket snapshot with items and totals.",
	}, h.mcpBasketGet)

	return server
}

// NewMCPHandler returns an HTTP handler for the MCP endpoint.
// Mount this at /mcp on your mux.
func (h *Handler) NewMCPHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return server },
		nil,
	)
}

// === Tool Handlers ===

func (h *Handler) mcpBasketAdd(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input BasketAddInput,
) (*mcp.CallToolResult, *model.Snapshot, error) {
	quantity := input.Quantity
	if quantity == 0 {
		quantity = 1
	}
	price := input.UnitPriceMinorUnits
	if price == 0 && input.DisplayPrice != "" {
		price = model.ParseDisplayPrice(input.DisplayPrice)
	}

	desc := model.Descriptor{
		Name:                input.Name,
		UnitPriceMinorUnits: price,
		ImageURL:            input.ImageURL,
		Category:            input.Category,
		SelectedSize:        input.SelectedSize,
		SelectedColor:       input.SelectedColor,
	}
	if err := h.basket.Add(ctx, desc, quantity); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.snapshot(), nil
}

func (h *Handler) mcpBasketRemove(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input BasketRemoveInput,
) (*mcp.CallToolResult, *model.Snapshot, error) {
	if input.ItemID == "" {
		return nil, nil, h.mcpError(model.NewInvalidArgumentError("item_id", "must not be empty"))
	}
	if err := h.basket.Remove(ctx, input.ItemID); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.snapshot(), nil
}

func (h *Handler) mcpBasketSetQuantity(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input BasketSetQuantityInput,
) (*mcp.CallToolResult, *model.Snapshot, error) {
	if input.ItemID == "" {
		return nil, nil, h.mcpError(model.NewInvalidArgumentError("item_id", "must not be empty"))
	}
	if err := h.basket.SetQuantity(ctx, input.ItemID, input.Quantity); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.snapshot(), nil
}

func (h *Handler) mcpBasketClear(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input BasketClearInput,
) (*mcp.CallToolResult, *model.Snapshot, error) {
	if err := h.basket.Clear(ctx); err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, h.snapshot(), nil
}

func (h *Handler) mcpBasketGet(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input BasketGetInput,
) (*mcp.CallToolResult, *model.Snapshot, error) {
	return nil, h.snapshot(), nil
}

func (h *Handler) snapshot() *model.Snapshot {
	snap := h.basket.Snapshot()
	if snap.Items == nil {
		// MCP schema validation requires arrays, never null.
		snap.Items = []model.BasketItem{}
	}
	return &snap
}

// mcpError converts basket errors to MCP-friendly errors. Messages marked
// user-visible pass through; everything else collapses so internals never
// reach the agent.
func (h *Handler) mcpError(err error) error {
	var be *model.BasketError
	if errors.As(err, &be) && be.Visible {
		return fmt.Errorf("%s: %s", be.Code, be.Message)
	}
	h.logger.Error("mcp internal error", "error", err.Error())
	return fmt.Errorf("internal error")
}
