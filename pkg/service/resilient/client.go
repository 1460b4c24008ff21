// Package resilient wraps the engine boundary with fault absorption: write
// operations walk an ordered chain of reduced-fidelity retries after
// structural failures, read operations degrade to canonical empty results,
// and every returned envelope is shape-normalized.
package resilient

import (
	"context"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/memgate/memgate/pkg/adapter/memengine"
	"github.com/memgate/memgate/pkg/utils/logging"
)

// maxFallbackTextLen bounds the input during the truncation fallback. The
// shortening side effect is accepted: fact fidelity is traded for
// availability.
const maxFallbackTextLen = 200

// emergencyExcerptLen bounds the original text preserved in emergency-storage
// metadata.
const emergencyExcerptLen = 100

// truncateText cuts s to at most max bytes without splitting a UTF-8 rune.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Client wraps an Engine. It is stateless across calls; each call's fallback
// logic operates only on its own inputs, so one shared instance serves all
// sessions.
type Client struct {
	engine memengine.Engine
}

// New wraps the given engine.
func New(engine memengine.Engine) *Client {
	return &Client{engine: engine}
}

// fallback is one reduced-fidelity retry strategy for Add.
type fallback struct {
	name   string
	mutate func(req *memengine.AddRequest)
}

func addFallbacks(orig *memengine.AddRequest) []fallback {
	return []fallback{
		{
			name: "without inference (direct storage)",
			mutate: func(req *memengine.AddRequest) {
				req.Infer = false
			},
		},
		{
			name: "with minimal metadata",
			mutate: func(req *memengine.AddRequest) {
				req.Metadata = map[string]any{"source": "resilient_fallback"}
			},
		},
		{
			name: "with retry flag",
			mutate: func(req *memengine.AddRequest) {
				req.Infer = true
				md := make(map[string]any, len(orig.Metadata)+1)
				for k, v := range orig.Metadata {
					md[k] = v
				}
				md["retry_attempt"] = true
				req.Metadata = md
			},
		},
		{
			name: "with truncated text",
			mutate: func(req *memengine.AddRequest) {
				req.Infer = true
				req.Text = truncateText(req.Text, maxFallbackTextLen)
			},
		},
	}
}

// Add stores text through the engine. Structural failures are absorbed by the
// fallback chain; non-structural failures surface immediately. When every
// strategy is exhausted Add returns a canonical empty result carrying a
// diagnostic payload instead of an error, so callers can degrade gracefully.
func (c *Client) Add(ctx context.Context, req *memengine.AddRequest) (*memengine.Result, error) {
	logger := logging.From(ctx)

	result, err := c.engine.Add(ctx, req)
	if err == nil {
		if result == nil {
			err = goerr.New("engine returned nil result")
		} else {
			return result.Normalize(), nil
		}
	}

	if !isParseFailure(err) {
		// Non-structural failures are not masked.
		return nil, err
	}

	logger.Warn("structural failure on add, entering fallback chain",
		"error", err.Error())

	for _, fb := range addFallbacks(req) {
		retry := *req
		fb.mutate(&retry)

		fbResult, fbErr := c.engine.Add(ctx, &retry)
		if fbErr != nil || fbResult == nil {
			logger.Warn("fallback strategy failed", "strategy", fb.name)
			continue
		}

		logger.Info("fallback strategy succeeded",
			"strategy", fb.name,
			"results", len(fbResult.Results))
		return fbResult.Normalize(), nil
	}

	// Final emergency attempt: verbatim storage with a truncated record of
	// the original text kept in metadata.
	excerpt := truncateText(req.Text, emergencyExcerptLen)
	emergency := &memengine.AddRequest{
		Text:    req.Text,
		UserKey: req.UserKey,
		Infer:   false,
		Metadata: map[string]any{
			"emergency_storage": true,
			"original_text":     excerpt,
		},
	}
	if final, finalErr := c.engine.Add(ctx, emergency); finalErr == nil && final != nil {
		logger.Warn("emergency storage succeeded, check engine configuration")
		return final.Normalize(), nil
	}

	logger.Error("all storage strategies exhausted", "text_length", len(req.Text))

	paramKeys := []string{"user_id"}
	if req.Metadata != nil {
		paramKeys = append(paramKeys, "metadata")
	}
	result = &memengine.Result{
		Diagnostic: map[string]any{
			"all_strategies_failed": true,
			"original_text_length":  len(req.Text),
			"param_keys":            paramKeys,
		},
	}
	return result.Normalize(), nil
}

// Search queries the engine; any failure degrades to an empty result.
func (c *Client) Search(ctx context.Context, req *memengine.SearchRequest) *memengine.Result {
	result, err := c.engine.Search(ctx, req)
	if err != nil || result == nil {
		if err != nil {
			logging.From(ctx).Error("engine search failed", "error", err.Error())
		}
		return (&memengine.Result{}).Normalize()
	}
	return result.Normalize()
}

// GetAll lists the engine's memories; any failure degrades to an empty result.
func (c *Client) GetAll(ctx context.Context, userKey string) *memengine.Result {
	result, err := c.engine.GetAll(ctx, userKey)
	if err != nil || result == nil {
		if err != nil {
			logging.From(ctx).Error("engine get_all failed", "error", err.Error())
		}
		return (&memengine.Result{}).Normalize()
	}
	return result.Normalize()
}

// DeleteAll removes all engine memories for the user; failures degrade to a
// result carrying the error message.
func (c *Client) DeleteAll(ctx context.Context, userKey string) map[string]any {
	result, err := c.engine.DeleteAll(ctx, userKey)
	if err != nil {
		logging.From(ctx).Error("engine delete_all failed", "error", err.Error())
		return map[string]any{"message": "Error during deletion: " + err.Error()}
	}
	if result == nil {
		return map[string]any{}
	}
	return result
}

// The remaining operations delegate directly; their failures are the
// dispatcher's to convert into caller-visible error strings.

func (c *Client) Get(ctx context.Context, memoryID, userKey string) (map[string]any, error) {
	return c.engine.Get(ctx, memoryID, userKey)
}

func (c *Client) Update(ctx context.Context, req *memengine.UpdateRequest) (map[string]any, error) {
	return c.engine.Update(ctx, req)
}

func (c *Client) Delete(ctx context.Context, memoryID, userKey string) (map[string]any, error) {
	return c.engine.Delete(ctx, memoryID, userKey)
}

func (c *Client) BatchUpdate(ctx context.Context, userKey string, updates []memengine.MemoryUpdate) (map[string]any, error) {
	return c.engine.BatchUpdate(ctx, userKey, updates)
}

func (c *Client) BatchDelete(ctx context.Context, userKey string, memoryIDs []string) (map[string]any, error) {
	return c.engine.BatchDelete(ctx, userKey, memoryIDs)
}

func (c *Client) History(ctx context.Context, memoryID, userKey string) ([]map[string]any, error) {
	return c.engine.History(ctx, memoryID, userKey)
}

func (c *Client) Entities(ctx context.Context) ([]map[string]any, error) {
	return c.engine.Entities(ctx)
}
