// basketctl is a CLI tool for exercising a running basketd.
// Each command performs a single operation, making it composable for scripts.
//
// Commands:
//
//	basketctl add -server URL -name NAME -price MINOR [-qty N] [-size S] [-color C]
//	basketctl get -server URL
//	basketctl setqty -server URL -id <item-id> -qty N
//	basketctl remove -server URL -id <item-id>
//	basketctl clear -server URL
//	basketctl signin -server URL -user ID [-email ADDR]
//	basketctl signout -server URL
//	basketctl refresh -server URL
//
// Examples:
//
//	ID=$(basketctl add -server http://localhost:8080 -name "Running Shoe" -price 8900 -q)
//	basketctl setqty -server http://localhost:8080 -id $ID -qty 3
//	basketctl signin -server http://localhost:8080 -user user-1 -email a@example.com
//	basketctl get -server http://localhost:8080
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var client = &http.Client{Timeout: 30 * time.Second}

// Global flags (apply to all commands)
var (
	serverURL string
	quiet     bool
	noColor   bool
	verbose   bool
)

// ANSI color codes
var (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		disableColors()
	}
}

func disableColors() {
	colorReset, colorRed, colorGreen, colorYellow = "", "", "", ""
	colorCyan, colorGray, colorBold = "", "", ""
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "add":
		runAdd(args)
	case "get":
		runGet(args)
	case "setqty":
		runSetQuantity(args)
	case "remove":
		runRemove(args)
	case "clear":
		runClear(args)
	case "signin":
		runSignIn(args)
	case "signout":
		runSignOut(args)
	case "refresh":
		runRefresh(args)
	case "-h", "-help", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `basketctl - basket daemon test tool

Usage:
  basketctl <command> [options]

Commands:
  add      Add an item to the basket
  get      Show current basket state
  setqty   Set an item's quantity
  remove   Remove an item
  clear    Empty the basket
  signin   Sign the session in (merges guest basket)
  signout  Sign the session out
  refresh  Force a reload from the active store

Examples:
  # Add an item and capture its ID
  ID=$(basketctl add -server http://localhost:8080 -name "Running Shoe" -price 8900 -q)

  # Bump the quantity
  basketctl setqty -server http://localhost:8080 -id "$ID" -qty 3

  # Sign in and watch the guest basket merge
  basketctl signin -server http://localhost:8080 -user user-1
  basketctl get -server http://localhost:8080

Run 'basketctl <command> -h' for command-specific options.
`)
}

// addGlobalFlags wires the flags shared by every command.
func addGlobalFlags(fs *flag.FlagSet) {
	fs.StringVar(&serverURL, "server", "http://localhost:8080", "basketd base URL")
	fs.BoolVar(&quiet, "q", false, "Quiet mode - minimal output")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&verbose, "v", false, "Verbose - show full request/response")
}

// =============================================================================
// ADD COMMAND
// =============================================================================

func runAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	addGlobalFlags(fs)
	var name, display, size, color, category, image string
	var price int64
	var quantity int
	fs.StringVar(&name, "name", "", "Product name (required)")
	fs.Int64Var(&price, "price", 0, "Unit price in minor units")
	fs.StringVar(&display, "display-price", "", "Display price, e.g. \"£89.00\" (alternative to -price)")
	fs.IntVar(&quantity, "qty", 1, "Quantity")
	fs.StringVar(&size, "size", "", "Selected size")
	fs.StringVar(&color, "color", "", "Selected color")
	fs.StringVar(&category, "category", "", "Product category")
	fs.StringVar(&image, "image", "", "Product image URL")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl add -name NAME -price MINOR [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	if name == "" || (price == 0 && display == "") {
		fs.Usage()
		os.Exit(1)
	}

	reqBody := map[string]interface{}{
		"name":     name,
		"quantity": quantity,
	}
	if price != 0 {
		reqBody["unit_price_minor_units"] = price
	}
	if display != "" {
		reqBody["display_price"] = display
	}
	if size != "" {
		reqBody["selected_size"] = size
	}
	if color != "" {
		reqBody["selected_color"] = color
	}
	if category != "" {
		reqBody["category"] = category
	}
	if image != "" {
		reqBody["image_url"] = image
	}

	resp, err := doRequest("POST", "/basket/items", reqBody)
	if err != nil {
		fatal("Failed to add item: %v", err)
	}

	itemID := findItemID(resp, name, size, color)
	if quiet {
		fmt.Println(itemID)
	} else {
		printSuccess("Item added")
		fmt.Printf("  ID: %s%s%s\n", colorCyan, itemID, colorReset)
		printTotals(resp)
	}
}

// findItemID locates the just-added variant in the returned snapshot.
func findItemID(snapshot map[string]interface{}, name, size, color string) string {
	items, ok := snapshot["items"].([]interface{})
	if !ok {
		return ""
	}
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		if m["name"] == name &&
			stringOrEmpty(m["selected_size"]) == size &&
			stringOrEmpty(m["selected_color"]) == color {
			id, _ := m["id"].(string)
			return id
		}
	}
	return ""
}

func stringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}

// =============================================================================
// GET COMMAND
// =============================================================================

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addGlobalFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl get [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	resp, err := doRequest("GET", "/basket", nil)
	if err != nil {
		fatal("Failed to get basket: %v", err)
	}

	printSnapshot(resp)
}

// =============================================================================
// SETQTY COMMAND
// =============================================================================

func runSetQuantity(args []string) {
	fs := flag.NewFlagSet("setqty", flag.ExitOnError)
	addGlobalFlags(fs)
	var itemID string
	var quantity int
	fs.StringVar(&itemID, "id", "", "Item ID (required)")
	fs.IntVar(&quantity, "qty", 0, "New quantity (required, 0 removes the item)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl setqty -id <item-id> -qty N [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	if itemID == "" {
		fs.Usage()
		os.Exit(1)
	}

	reqBody := map[string]interface{}{"quantity": quantity}
	resp, err := doRequest("PUT", "/basket/items/"+url.PathEscape(itemID)+"/quantity", reqBody)
	if err != nil {
		fatal("Failed to set quantity: %v", err)
	}

	printSuccess("Quantity updated")
	printTotals(resp)
}

// =============================================================================
// REMOVE COMMAND
// =============================================================================

func runRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	addGlobalFlags(fs)
	var itemID string
	fs.StringVar(&itemID, "id", "", "Item ID (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl remove -id <item-id> [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	if itemID == "" {
		fs.Usage()
		os.Exit(1)
	}

	resp, err := doRequest("DELETE", "/basket/items/"+url.PathEscape(itemID), nil)
	if err != nil {
		fatal("Failed to remove item: %v", err)
	}

	printSuccess("Item removed")
	printTotals(resp)
}

// =============================================================================
// CLEAR COMMAND
// =============================================================================

func runClear(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	addGlobalFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl clear [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	if _, err := doRequest("POST", "/basket/clear", nil); err != nil {
		fatal("Failed to clear basket: %v", err)
	}

	printSuccess("Basket cleared")
}

// =============================================================================
// SESSION COMMANDS
// =============================================================================

func runSignIn(args []string) {
	fs := flag.NewFlagSet("signin", flag.ExitOnError)
	addGlobalFlags(fs)
	var userID, email, displayName string
	fs.StringVar(&userID, "user", "", "User ID (required)")
	fs.StringVar(&email, "email", "", "User email")
	fs.StringVar(&displayName, "display-name", "", "User display name")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl signin -user ID [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	if userID == "" {
		fs.Usage()
		os.Exit(1)
	}

	reqBody := map[string]interface{}{"user_id": userID}
	if email != "" {
		reqBody["email"] = email
	}
	if displayName != "" {
		reqBody["display_name"] = displayName
	}

	resp, err := doRequest("POST", "/session/sign-in", reqBody)
	if err != nil {
		fatal("Failed to sign in: %v", err)
	}

	printSuccess("Signed in as %s", userID)
	printTotals(resp)
}

func runSignOut(args []string) {
	fs := flag.NewFlagSet("signout", flag.ExitOnError)
	addGlobalFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl signout [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	if _, err := doRequest("POST", "/session/sign-out", nil); err != nil {
		fatal("Failed to sign out: %v", err)
	}

	printSuccess("Signed out")
}

// =============================================================================
// REFRESH COMMAND
// =============================================================================

func runRefresh(args []string) {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	addGlobalFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: basketctl refresh [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if noColor {
		disableColors()
	}

	resp, err := doRequest("POST", "/basket/refresh", nil)
	if err != nil {
		fatal("Failed to refresh: %v", err)
	}

	printSuccess("Basket refreshed")
	printSnapshot(resp)
}

// =============================================================================
// HTTP
// =============================================================================

func doRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	var reqBody io.Reader
	var reqJSON []byte

	if body != nil {
		var err error
		reqJSON, err = json.MarshalIndent(body, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(reqJSON)
	}

	reqURL := serverURL + path
	req, err := http.NewRequest(method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if !quiet {
		printRequest(method, path, reqJSON)
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)

	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if !quiet {
		printResponse(resp.StatusCode, respBody, duration)
		if resp.Header.Get("X-Basket-Degraded") == "true" {
			printWarning("Basket is in degraded mode - changes queued locally")
		}
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	return result, nil
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func printRequest(method, path string, body []byte) {
	fmt.Printf("\n%s▶ REQUEST%s %s%s %s%s\n", colorYellow, colorReset, colorBold, method, path, colorReset)
	if body != nil {
		printJSON(body, "  ")
	}
}

func printResponse(status int, body []byte, duration time.Duration) {
	statusColor := colorGreen
	if status >= 400 {
		statusColor = colorRed
	}
	fmt.Printf("\n%s◀ RESPONSE%s %s%d%s (%v)\n", colorCyan, colorReset, statusColor, status, colorReset, duration)
	printJSON(body, "  ")
}

func printJSON(data []byte, prefix string) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, prefix, "  "); err != nil {
		fmt.Printf("%s%s\n", prefix, string(data))
		return
	}

	output := pretty.String()
	if !verbose {
		lines := strings.Split(output, "\n")
		if len(lines) > 30 {
			lines = append(lines[:25], fmt.Sprintf("%s  %s(%d more lines, use -v for full output)%s", prefix, colorGray, len(lines)-25, colorReset))
			output = strings.Join(lines, "\n")
		}
	}
	fmt.Println(output)
}

func printSuccess(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf("%s✓ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
	}
}

func printWarning(format string, args ...interface{}) {
	fmt.Printf("%s⚠ %s%s\n", colorYellow, fmt.Sprintf(format, args...), colorReset)
}

// printSnapshot renders a basket snapshot as a line-item table.
func printSnapshot(snapshot map[string]interface{}) {
	if quiet {
		if items, ok := snapshot["items"].([]interface{}); ok {
			fmt.Println(len(items))
		}
		return
	}

	owner, _ := snapshot["owner"].(string)
	fmt.Printf("  Owner: %s%s%s\n", colorCyan, owner, colorReset)
	if degraded, _ := snapshot["degraded"].(bool); degraded {
		printWarning("Degraded mode - remote store unreachable")
	}

	items, _ := snapshot["items"].([]interface{})
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		variant := stringOrEmpty(m["selected_size"])
		if c := stringOrEmpty(m["selected_color"]); c != "" {
			if variant != "" {
				variant += "/"
			}
			variant += c
		}
		if variant != "" {
			variant = " (" + variant + ")"
		}
		qty, _ := m["quantity"].(float64)
		fmt.Printf("  - %s%s%s%s x%d @ %s\n",
			colorBold, m["name"], colorReset, variant, int(qty), formatMinor(m["unit_price_minor_units"]))
	}

	printTotals(snapshot)
}

// printTotals renders the totals block from a snapshot response.
func printTotals(snapshot map[string]interface{}) {
	if quiet {
		return
	}
	totals, ok := snapshot["totals"].(map[string]interface{})
	if !ok {
		return
	}
	fmt.Printf("  Subtotal: %s  Delivery: %s  Tax: %s\n",
		formatMinor(totals["subtotal_minor"]),
		formatMinor(totals["delivery_fee_minor"]),
		formatMinor(totals["tax_minor"]))
	fmt.Printf("  Total: %s%s%s\n", colorGreen, formatMinor(totals["total_minor"]), colorReset)
}

func formatMinor(v interface{}) string {
	switch val := v.(type) {
	case float64:
		return fmt.Sprintf("£%.2f", val/100)
	case int64:
		return fmt.Sprintf("£%.2f", float64(val)/100)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}
