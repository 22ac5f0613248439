package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"basket-core/internal/model"
)

// jsonrpcRequest is a JSON-RPC 2.0 request structure for testing.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonrpcResponse is a JSON-RPC 2.0 response structure for testing.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolCallParams represents the params for tools/call method.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// callToolResult is the expected result structure from a tool call.
type callToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

func TestMCPServerCreation(t *testing.T) {
	mux, _ := testStack(t)
	if mux == nil {
		t.Fatal("testStack returned nil mux")
	}
}

func TestMCPToolsList(t *testing.T) {
	mux, _ := testStack(t)
	sessionID := initMCPSession(t, mux)

	listReq := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      2,
		Method:  "tools/list",
	}

	listBody, _ := json.Marshal(listReq)
	httpReq := httptest.NewRequest("POST", "/mcp", bytes.NewReader(listBody))
	setMCPHeaders(httpReq, sessionID)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httpReq)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d\nBody: %s", w.Code, http.StatusOK, w.Body.String())
	}

	jsonData, err := parseSSEResponse(w.Body.String())
	if err != nil {
		t.Fatalf("Failed to parse SSE response: %v", err)
	}

	var resp jsonrpcResponse
	if err := json.Unmarshal(jsonData, &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("Unexpected error: %+v", resp.Error)
	}

	var toolsResult struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &toolsResult); err != nil {
		t.Fatalf("Failed to parse tools result: %v", err)
	}

	expectedTools := map[string]bool{
		"basket_add":          false,
		"basket_remove":       false,
		"basket_set_quantity": false,
		"basket_clear":        false,
		"basket_get":          false,
	}
	for _, tool := range toolsResult.Tools {
		if _, ok := expectedTools[tool.Name]; ok {
			expectedTools[tool.Name] = true
		}
	}
	for name, found := range expectedTools {
		if !found {
			t.Errorf("Expected tool %q not found in tools list", name)
		}
	}
}

func TestMCPBasketAddAndGet(t *testing.T) {
	mux, _ := testStack(t)
	sessionID := initMCPSession(t, mux)

	snap := callBasketTool(t, mux, sessionID, "basket_add", map[string]any{
		"name":                   "Trail Shoe",
		"unit_price_minor_units": 8900,
		"selected_size":          "42",
		"quantity":               2,
	})
	if len(snap.Items) != 1 || snap.Items[0].Quantity != 2 {
		t.Fatalf("snapshot after add = %+v, want one row of 2", snap.Items)
	}
	if snap.Totals.SubtotalMinor != 17800 {
		t.Errorf("subtotal = %d, want 17800", snap.Totals.SubtotalMinor)
	}

	snap = callBasketTool(t, mux, sessionID, "basket_get", map[string]any{})
	if len(snap.Items) != 1 {
		t.Errorf("basket_get items = %d, want 1", len(snap.Items))
	}
}

func TestMCPBasketAddDisplayPrice(t *testing.T) {
	mux, _ := testStack(t)
	sessionID := initMCPSession(t, mux)

	snap := callBasketTool(t, mux, sessionID, "basket_add", map[string]any{
		"name":          "Parka",
		"display_price": "£89.00",
	})
	if snap.Items[0].UnitPriceMinorUnits != 8900 {
		t.Errorf("price = %d, want 8900 parsed from the display string", snap.Items[0].UnitPriceMinorUnits)
	}
}

func TestMCPBasketSetQuantityAndRemove(t *testing.T) {
	mux, _ := testStack(t)
	sessionID := initMCPSession(t, mux)

	snap := callBasketTool(t, mux, sessionID, "basket_add", map[string]any{
		"name":                   "Parka",
		"unit_price_minor_units": 12000,
	})
	id := snap.Items[0].ID

	snap = callBasketTool(t, mux, sessionID, "basket_set_quantity", map[string]any{
		"item_id":  id,
		"quantity": 5,
	})
	if snap.Items[0].Quantity != 5 {
		t.Errorf("quantity = %d, want 5", snap.Items[0].Quantity)
	}

	snap = callBasketTool(t, mux, sessionID, "basket_remove", map[string]any{
		"item_id": id,
	})
	if len(snap.Items) != 0 {
		t.Errorf("items after remove = %d, want 0", len(snap.Items))
	}
}

func TestMCPBasketClear(t *testing.T) {
	mux, _ := testStack(t)
	sessionID := initMCPSession(t, mux)

	callBasketTool(t, mux, sessionID, "basket_add", map[string]any{
		"name": "A", "unit_price_minor_units": 100,
	})
	callBasketTool(t, mux, sessionID, "basket_add", map[string]any{
		"name": "B", "unit_price_minor_units": 200,
	})

	snap := callBasketTool(t, mux, sessionID, "basket_clear", map[string]any{})
	if len(snap.Items) != 0 {
		t.Errorf("items after clear = %d, want 0", len(snap.Items))
	}
}

func TestMCPBasketAddInvalid(t *testing.T) {
	mux, _ := testStack(t)
	sessionID := initMCPSession(t, mux)

	result := rawBasketTool(t, mux, sessionID, "basket_add", map[string]any{
		"unit_price_minor_units": 100,
	})
	if !result.IsError {
		t.Error("expected tool error for a nameless product")
	}
	if len(result.Content) > 0 && !strings.Contains(result.Content[0].Text, "INVALID_ARGUMENT") {
		t.Errorf("error text = %q, want INVALID_ARGUMENT code", result.Content[0].Text)
	}
}

// callBasketTool invokes a tool and decodes the snapshot from its result.
func callBasketTool(t *testing.T, mux *http.ServeMux, sessionID, tool string, args map[string]any) model.Snapshot {
	t.Helper()
	result := rawBasketTool(t, mux, sessionID, tool, args)
	if result.IsError {
		t.Fatalf("tool %s returned error: %+v", tool, result.Content)
	}
	if len(result.Content) == 0 || result.Content[0].Type != "text" {
		t.Fatalf("tool %s returned no text content", tool)
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(result.Content[0].Text), &snap); err != nil {
		t.Fatalf("parsing snapshot from tool result: %v\nText: %s", err, result.Content[0].Text)
	}
	return snap
}

func rawBasketTool(t *testing.T, mux *http.ServeMux, sessionID, tool string, args map[string]any) callToolResult {
	t.Helper()
	rawArgs, _ := json.Marshal(args)
	callReq := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      2,
		Method:  "tools/call",
		Params: toolCallParams{
			Name:      tool,
			Arguments: rawArgs,
		},
	}

	body, _ := json.Marshal(callReq)
	httpReq := httptest.NewRequest("POST", "/mcp", bytes.NewReader(body))
	setMCPHeaders(httpReq, sessionID)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httpReq)

	if w.Code != http.StatusOK {
		t.Fatalf("tool %s status = %d\nBody: %s", tool, w.Code, w.Body.String())
	}

	jsonData, err := parseSSEResponse(w.Body.String())
	if err != nil {
		t.Fatalf("Failed to parse SSE response: %v", err)
	}

	var resp jsonrpcResponse
	if err := json.Unmarshal(jsonData, &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("tool %s JSON-RPC error: %+v", tool, resp.Error)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	return result
}

// setMCPHeaders sets the required headers for MCP Streamable HTTP requests.
func setMCPHeaders(req *http.Request, sessionID string) {
	req.Header.Set("Content-Type", "application/json")
	// MCP Streamable HTTP requires Accept header with both json and event-stream
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
}

// parseSSEResponse extracts JSON data from SSE formatted response.
// SSE format: "event: message\ndata: {json}\n\n"
func parseSSEResponse(body string) ([]byte, error) {
	lines := strings.Split(body, "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: ")), nil
		}
	}
	// If no SSE format found, assume plain JSON
	return []byte(body), nil
}

// initMCPSession initializes an MCP session and returns the session ID.
func initMCPSession(t *testing.T, mux *http.ServeMux) string {
	t.Helper()

	initReq := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": "2025-06-18",
			"clientInfo":      map[string]string{"name": "test", "version": "1.0"},
			"capabilities":    map[string]any{},
		},
	}

	body, _ := json.Marshal(initReq)
	httpReq := httptest.NewRequest("POST", "/mcp", bytes.NewReader(body))
	setMCPHeaders(httpReq, "")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httpReq)

	if w.Code != http.StatusOK {
		t.Fatalf("Failed to initialize MCP session: %s", w.Body.String())
	}

	return w.Header().Get("Mcp-Session-Id")
}
