package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"basket-core/internal/model"
	"basket-core/internal/transport"
)

// =============================================================================
// HOSTED DOCUMENT API CLIENT
// =============================================================================
//
// The hosted backend exposes a document REST API keyed by collection path:
//
//	GET    /v1/{collection}                 list documents
//	PUT    /v1/{collection}/{id}            create/replace (?merge=true to merge)
//	PATCH  /v1/{collection}/{id}            update fields
//	DELETE /v1/{collection}/{id}            delete
//	POST   /v1/{collection}:batchDelete     {"ids": [...]}
//
// Field values serialize as JSON; the server-timestamp placeholder is sent
// as the sentinel string "__server_timestamp__", which the backend replaces
// at commit time. Realtime subscription is approximated by polling: the
// backend has no push channel on this surface, and basket collections are
// tiny.
// =============================================================================

const (
	userAgent = "basket-core/1.0"

	serverTimestampWire = "__server_timestamp__"

	// subscribePollInterval paces the polling loop behind Subscribe.
	subscribePollInterval = 3 * time.Second
)

// ClientConfig configures the document API client.
type ClientConfig struct {
	BaseURL string
	APIKey  string

	// Timeout bounds each HTTP call.
	Timeout time.Duration

	// BrowserTLS selects the uTLS browser-fingerprint transport for
	// CDN-fronted backends.
	BrowserTLS bool
}

// Client is the hosted document API HTTP client. Implements DocumentStore.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a document API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.BrowserTLS {
		httpClient.Transport = transport.NewBrowserTransport(timeout)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}
}

func (c *Client) Set(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	path := c.docURL(collection, id)
	if merge {
		path += "?merge=true"
	}
	return c.do(ctx, http.MethodPut, path, wireFields(fields), nil)
}

func (c *Client) Get(ctx context.Context, collection, id string) (*Document, error) {
	var body wireDocument
	if err := c.do(ctx, http.MethodGet, c.docURL(collection, id), nil, &body); err != nil {
		return nil, err
	}
	return body.document(), nil
}

func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, c.docURL(collection, id), wireFields(fields), nil)
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	err := c.do(ctx, http.MethodDelete, c.docURL(collection, id), nil, nil)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) List(ctx context.Context, collection string) ([]Document, error) {
	var body struct {
		Documents []wireDocument `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, c.collectionURL(collection), nil, &body); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	docs := make([]Document, 0, len(body.Documents))
	for _, wd := range body.Documents {
		docs = append(docs, *wd.document())
	}
	return docs, nil
}

func (c *Client) BatchDelete(ctx context.Context, collection string, ids []string) error {
	payload := map[string]any{"ids": ids}
	return c.do(ctx, http.MethodPost, c.collectionURL(collection)+":batchDelete", payload, nil)
}

// Subscribe polls the collection and invokes fn whenever the contents
// change. The first delivery happens after the initial fetch.
func (c *Client) Subscribe(ctx context.Context, collection string, fn func([]Document)) (func(), error) {
	docs, err := c.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	fn(docs)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		last := fingerprint(docs)
		ticker := time.NewTicker(subscribePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
			docs, err := c.List(pollCtx, collection)
			if err != nil {
				// Transient; next tick retries.
				continue
			}
			if fp := fingerprint(docs); fp != last {
				last = fp
				fn(docs)
			}
		}
	}()
	return cancel, nil
}

func (c *Client) collectionURL(collection string) string {
	parts := strings.Split(collection, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.baseURL + "/v1/" + strings.Join(parts, "/")
}

func (c *Client) docURL(collection, id string) string {
	return c.collectionURL(collection) + "/" + url.PathEscape(id)
}

// do executes one API call, classifying failures into the error taxonomy.
func (c *Client) do(ctx context.Context, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return model.NewTimeoutError(method + " " + rawURL)
		}
		return model.NewNetworkError(method+" "+rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.NewPermissionDeniedError(method + " " + rawURL)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, rawURL, model.ErrNotFound)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.NewNetworkError(method+" "+rawURL,
			fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return model.NewNetworkError(method+" "+rawURL, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// wireFields swaps timestamp placeholders for their wire sentinel.
func wireFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, isPlaceholder := v.(serverTimestamp); isPlaceholder {
			out[k] = serverTimestampWire
			continue
		}
		out[k] = v
	}
	return out
}

// wireDocument is the API's document representation. Timestamps arrive as
// RFC 3339 strings and are mapped to time.Time here.
type wireDocument struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func (wd wireDocument) document() *Document {
	fields := make(map[string]any, len(wd.Fields))
	for k, v := range wd.Fields {
		if s, ok := v.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				fields[k] = ts
				continue
			}
		}
		fields[k] = v
	}
	return &Document{ID: wd.ID, Fields: fields}
}

// fingerprint summarizes collection contents for change detection,
// insensitive to listing order.
func fingerprint(docs []Document) string {
	lines := make([]string, 0, len(docs))
	for _, d := range docs {
		lines = append(lines, fmt.Sprintf("%s=%v@%v", d.ID, d.Fields["quantity"], d.Fields["addedAt"]))
	}
	sort.Strings(lines)
	return strings.Join(lines, ";")
}
