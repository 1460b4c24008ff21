package memengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// HTTPClient talks to a remote memory engine over its REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	filter  func(raw string) string
}

var _ Engine = (*HTTPClient)(nil)

type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) HTTPOption {
	return func(h *HTTPClient) {
		h.apiKey = key
	}
}

// WithResponseFilter installs a filter applied to each raw response body
// before JSON decoding. This is the interception point for response repair:
// shape-level corruption is fixed without touching the decode path.
func WithResponseFilter(f func(raw string) string) HTTPOption {
	return func(h *HTTPClient) {
		h.filter = f
	}
}

// NewHTTP creates an engine client for the given base URL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return goerr.Wrap(err, "failed to encode request body")
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return goerr.Wrap(err, "failed to build request", goerr.V("path", path))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return goerr.Wrap(ErrUnavailable, "request failed",
			goerr.V("path", path),
			goerr.V("cause", err.Error()))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return goerr.Wrap(ErrUnavailable, "failed to read response",
			goerr.V("path", path))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return goerr.Wrap(ErrNotFound, "engine returned 404",
			goerr.V("path", path))
	case resp.StatusCode >= 500:
		return goerr.Wrap(ErrUnavailable, "engine error",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", truncate(string(raw), 256)))
	case resp.StatusCode >= 400:
		return goerr.New("engine rejected request",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", truncate(string(raw), 256)))
	}

	if out == nil {
		return nil
	}

	text := string(raw)
	if h.filter != nil {
		text = h.filter(text)
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		return goerr.Wrap(ErrMalformedResponse, "failed to decode response",
			goerr.V("path", path),
			goerr.V("detail", err.Error()),
			goerr.V("body", truncate(text, 256)))
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (h *HTTPClient) Add(ctx context.Context, req *AddRequest) (*Result, error) {
	var out Result
	if err := h.do(ctx, http.MethodPost, "/v1/memories/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) Search(ctx context.Context, req *SearchRequest) (*Result, error) {
	var out Result
	if err := h.do(ctx, http.MethodPost, "/v1/memories/search/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) GetAll(ctx context.Context, userKey string) (*Result, error) {
	var out Result
	path := "/v1/memories/?user_id=" + url.QueryEscape(userKey)
	if err := h.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HTTPClient) Get(ctx context.Context, memoryID, userKey string) (map[string]any, error) {
	var out map[string]any
	path := fmt.Sprintf("/v1/memories/%s/?user_id=%s",
		url.PathEscape(memoryID), url.QueryEscape(userKey))
	if err := h.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) Update(ctx context.Context, req *UpdateRequest) (map[string]any, error) {
	var out map[string]any
	path := "/v1/memories/" + url.PathEscape(req.MemoryID) + "/"
	if err := h.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) Delete(ctx context.Context, memoryID, userKey string) (map[string]any, error) {
	var out map[string]any
	path := fmt.Sprintf("/v1/memories/%s/?user_id=%s",
		url.PathEscape(memoryID), url.QueryEscape(userKey))
	if err := h.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) DeleteAll(ctx context.Context, userKey string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/memories/?user_id=" + url.QueryEscape(userKey)
	if err := h.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) BatchUpdate(ctx context.Context, userKey string, updates []MemoryUpdate) (map[string]any, error) {
	var out map[string]any
	body := map[string]any{"user_id": userKey, "memories": updates}
	if err := h.do(ctx, http.MethodPut, "/v1/batch/", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) BatchDelete(ctx context.Context, userKey string, memoryIDs []string) (map[string]any, error) {
	var out map[string]any
	body := map[string]any{"user_id": userKey, "memory_ids": memoryIDs}
	if err := h.do(ctx, http.MethodDelete, "/v1/batch/", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) History(ctx context.Context, memoryID, userKey string) ([]map[string]any, error) {
	var out []map[string]any
	path := fmt.Sprintf("/v1/memories/%s/history/?user_id=%s",
		url.PathEscape(memoryID), url.QueryEscape(userKey))
	if err := h.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPClient) Entities(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := h.do(ctx, http.MethodGet, "/v1/entities/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
