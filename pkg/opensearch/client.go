// Package opensearch is a minimal typed client for the platform's
// OpenSearch-compatible search store. It covers exactly the surface the
// alerting engine needs: search with aggregations, count, document indexing,
// and index management, with transparent retries on transient failures.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/vaultize/alerting/pkg/tlsutil"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxInflight = 16
)

// retryDelays paces the internal retries on transport errors and 5xx
// responses before a failure surfaces to the caller.
var retryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1500 * time.Millisecond}

// ClientConfig holds the connection settings for the search store.
type ClientConfig struct {
	BaseURL     string
	Username    string
	Password    string
	VerifyTLS   bool
	Fingerprint string
	// Timeout bounds each operation including internal retries.
	Timeout time.Duration
	// MaxInflight caps concurrent requests against the store.
	MaxInflight int64
	UserAgent   string
	// OnRequest, when set, is invoked after every operation for metrics.
	OnRequest func(op string, ok bool)
}

// Client talks to one search store endpoint.
type Client struct {
	baseURL    string
	username   string
	password   string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
	inflight   *semaphore.Weighted
	onRequest  func(op string, ok bool)

	succeeded atomic.Bool
}

// NewClient validates the config and builds a client. It does not contact
// the store.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("store URL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL %q: %w", cfg.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("store URL %q must use http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = defaultMaxInflight
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "vaultize-alerting"
	}

	return &Client{
		baseURL:   base,
		username:  cfg.Username,
		password:  cfg.Password,
		userAgent: userAgent,
		timeout:   timeout,
		// The client-level timeout stays generous; per-operation contexts
		// enforce the real budget.
		httpClient: tlsutil.NewHTTPClient(cfg.VerifyTLS, cfg.Fingerprint, 0),
		inflight:   semaphore.NewWeighted(maxInflight),
		onRequest:  cfg.OnRequest,
	}, nil
}

// EverSucceeded reports whether any operation has completed successfully
// since the client was created. Readiness checks key off this.
func (c *Client) EverSucceeded() bool {
	return c.succeeded.Load()
}

// SearchResult is the decoded portion of a search response the engine cares
// about.
type SearchResult struct {
	TookMs       int64
	TimedOut     bool
	TotalHits    int64
	Hits         []Hit
	Aggregations json.RawMessage
}

// Hit is one document returned by a search.
type Hit struct {
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
}

type searchResponse struct {
	Took     int64 `json:"took"`
	TimedOut bool  `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value    int64  `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations json.RawMessage `json:"aggregations"`
}

// Search runs a query against one or more indices.
func (c *Client) Search(ctx context.Context, indices []string, body any) (*SearchResult, error) {
	var resp searchResponse
	target := strings.Join(indices, ",")
	if err := c.do(ctx, "search", http.MethodPost, "/"+target+"/_search", target, body, &resp); err != nil {
		return nil, err
	}
	return &SearchResult{
		TookMs:       resp.Took,
		TimedOut:     resp.TimedOut,
		TotalHits:    resp.Hits.Total.Value,
		Hits:         resp.Hits.Hits,
		Aggregations: resp.Aggregations,
	}, nil
}

// Count returns the number of documents matching query across indices.
func (c *Client) Count(ctx context.Context, indices []string, query any) (int64, error) {
	body := map[string]any{}
	if query != nil {
		body["query"] = query
	}
	var resp struct {
		Count int64 `json:"count"`
	}
	target := strings.Join(indices, ",")
	if err := c.do(ctx, "count", http.MethodPost, "/"+target+"/_count", target, body, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Index writes doc into index. With a non-empty id the write is an upsert at
// that id; with an empty id the store assigns one.
func (c *Client) Index(ctx context.Context, index, id string, doc any) error {
	if id != "" {
		return c.do(ctx, "index", http.MethodPut, "/"+index+"/_doc/"+url.PathEscape(id), index, doc, nil)
	}
	return c.do(ctx, "index", http.MethodPost, "/"+index+"/_doc", index, doc, nil)
}

// IndexExists checks for the presence of an index.
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	err := c.do(ctx, "index_exists", http.MethodHead, "/"+index, index, nil, nil)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// CreateIndex creates an index with the given settings and mappings body.
// Racing against another creator is fine: already-exists counts as success.
func (c *Client) CreateIndex(ctx context.Context, index string, body any) error {
	err := c.do(ctx, "create_index", http.MethodPut, "/"+index, index, body, nil)
	if err != nil {
		if se, ok := AsStoreError(err); ok && strings.Contains(se.Reason, "resource_already_exists") {
			return nil
		}
		return err
	}
	return nil
}

// Info returns the store's root endpoint payload.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var resp InfoResponse
	if err := c.do(ctx, "info", http.MethodGet, "/", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InfoResponse is the store identification payload.
type InfoResponse struct {
	Name        string `json:"name"`
	ClusterName string `json:"cluster_name"`
	Version     struct {
		Number string `json:"number"`
	} `json:"version"`
}

// do runs one operation: acquires an inflight slot, applies the operation
// timeout, and retries transient failures with fixed pacing. A 2xx body is
// decoded into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path, index string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return newStoreError(KindDecode, op, index, fmt.Errorf("encode request: %w", err))
		}
	}

	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return newStoreError(KindTransport, op, index, err)
	}
	defer c.inflight.Release(1)

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr *StoreError
	for attempt := 0; ; attempt++ {
		storeErr := c.once(opCtx, op, method, path, index, payload, out)
		if storeErr == nil {
			c.succeeded.Store(true)
			if c.onRequest != nil {
				c.onRequest(op, true)
			}
			return nil
		}
		lastErr = storeErr

		if !storeErr.Retryable() || attempt >= len(retryDelays) {
			break
		}
		log.Debug().
			Str("op", op).
			Str("index", index).
			Int("attempt", attempt+1).
			Err(storeErr).
			Msg("store request failed, retrying")

		select {
		case <-opCtx.Done():
			if c.onRequest != nil {
				c.onRequest(op, false)
			}
			return lastErr
		case <-time.After(retryDelays[attempt]):
		}
	}
	if c.onRequest != nil {
		c.onRequest(op, false)
	}
	return lastErr
}

// once performs a single HTTP exchange.
func (c *Client) once(ctx context.Context, op, method, path, index string, payload []byte, out any) *StoreError {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return newStoreError(KindTransport, op, index, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newStoreError(KindTransport, op, index, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return newStoreError(KindDecode, op, index, err)
			}
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		se := newStoreError(KindNotFound, op, index, nil)
		se.StatusCode = resp.StatusCode
		se.Reason = readReason(resp.Body)
		return se
	case resp.StatusCode == http.StatusBadRequest:
		se := newStoreError(KindRejected, op, index, nil)
		se.StatusCode = resp.StatusCode
		se.Reason = readReason(resp.Body)
		return se
	default:
		se := newStoreError(KindStatus, op, index, nil)
		se.StatusCode = resp.StatusCode
		se.Reason = readReason(resp.Body)
		return se
	}
}

// readReason pulls the error reason out of a store error body, falling back
// to a raw snippet for non-JSON responses.
func readReason(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var parsed struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Type != "" {
		if parsed.Error.Reason != "" {
			return parsed.Error.Type + ": " + parsed.Error.Reason
		}
		return parsed.Error.Type
	}
	return strings.TrimSpace(string(raw))
}
