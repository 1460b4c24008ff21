// Package backend owns the singleton resilient engine client. The client is
// built lazily from the persisted engine configuration and rebuilt whenever
// the configuration fingerprint changes, so a config update takes effect
// without a process restart.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/memgate/memgate/pkg/adapter/memengine"
	"github.com/memgate/memgate/pkg/repository"
	"github.com/memgate/memgate/pkg/service/repair"
	"github.com/memgate/memgate/pkg/service/resilient"
	"github.com/memgate/memgate/pkg/utils/logging"
)

// ConfigKey is the repository config key holding the engine configuration.
const ConfigKey = "engine"

const (
	KindLocal = "local"
	KindHTTP  = "http"
)

// Config selects and parameterizes the memory engine.
type Config struct {
	Kind    string `json:"kind" yaml:"kind"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

func (c *Config) Validate() error {
	switch c.Kind {
	case KindLocal:
		return nil
	case KindHTTP:
		if c.BaseURL == "" {
			return goerr.New("base_url is required for http engine")
		}
		return nil
	default:
		return goerr.New("unknown engine kind", goerr.V("kind", c.Kind))
	}
}

// Fingerprint returns a stable digest of the configuration. Two configs with
// the same fingerprint build identical clients.
func (c *Config) Fingerprint() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", goerr.Wrap(err, "failed to fingerprint engine config")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Holder caches one resilient client and rebuilds it when the persisted
// configuration changes. Get is safe for concurrent use.
type Holder struct {
	repo      repository.Repository
	generator memengine.Generator
	pinned    memengine.Engine

	mu          sync.Mutex
	client      *resilient.Client
	fingerprint string
}

type Option func(*Holder)

// WithGenerator sets the fact-extraction generator used by the local engine.
func WithGenerator(g memengine.Generator) Option {
	return func(h *Holder) {
		h.generator = g
	}
}

// WithEngine pins the holder to a fixed engine, bypassing config-driven
// construction. The resilient wrapper is still applied.
func WithEngine(e memengine.Engine) Option {
	return func(h *Holder) {
		h.pinned = e
	}
}

func NewHolder(repo repository.Repository, opts ...Option) *Holder {
	h := &Holder{repo: repo}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Get returns the resilient client for the current persisted configuration,
// building or rebuilding it as needed.
func (h *Holder) Get(ctx context.Context) (*resilient.Client, error) {
	cfg, err := h.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	fp, err := cfg.Fingerprint()
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil && h.fingerprint == fp {
		return h.client, nil
	}

	engine, err := h.build(cfg)
	if err != nil {
		return nil, err
	}

	if h.client != nil {
		logging.From(ctx).Info("engine configuration changed, rebuilding client",
			slog.String("kind", cfg.Kind))
	}

	h.client = resilient.New(engine)
	h.fingerprint = fp
	return h.client, nil
}

// Invalidate drops the cached client so the next Get rebuilds it even if the
// fingerprint is unchanged.
func (h *Holder) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.client = nil
	h.fingerprint = ""
}

func (h *Holder) loadConfig(ctx context.Context) (*Config, error) {
	raw, err := h.repo.GetConfig(ctx, ConfigKey)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load engine config")
	}
	if raw == nil {
		// No persisted config means the self-contained engine.
		return &Config{Kind: KindLocal}, nil
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to decode engine config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (h *Holder) build(cfg *Config) (memengine.Engine, error) {
	if h.pinned != nil {
		return h.pinned, nil
	}

	switch cfg.Kind {
	case KindLocal:
		var opts []memengine.LocalOption
		if h.generator != nil {
			opts = append(opts, memengine.WithGenerator(resilient.WrapGenerator(h.generator)))
		}
		return memengine.NewLocal(opts...), nil

	case KindHTTP:
		opts := []memengine.HTTPOption{
			memengine.WithResponseFilter(repair.Repair),
		}
		if cfg.APIKey != "" {
			opts = append(opts, memengine.WithAPIKey(cfg.APIKey))
		}
		return memengine.NewHTTP(cfg.BaseURL, opts...), nil

	default:
		return nil, goerr.New("unknown engine kind", goerr.V("kind", cfg.Kind))
	}
}
