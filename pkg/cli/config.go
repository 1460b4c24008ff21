package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/memgate/memgate/pkg/repository"
	"github.com/memgate/memgate/pkg/service/backend"
	"github.com/memgate/memgate/pkg/utils/logging"
)

// config holds configuration values
type config struct {
	// Server
	addr string

	// Repository
	dbPath string

	// Engine
	engineConfigPath string
	engineKind       string
	engineBaseURL    string
	engineAPIKey     string

	// Logging
	logLevel  string
	logFormat string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db-path",
			Aliases:     []string{"d"},
			Usage:       "Path to the SQLite database (empty for in-memory)",
			Sources:     cli.EnvVars("MEMGATE_DB_PATH"),
			Destination: &cfg.dbPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MEMGATE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console or json)",
			Value:       "console",
			Sources:     cli.EnvVars("MEMGATE_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// engineFlags returns flags selecting and parameterizing the memory engine
func engineFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "engine-config",
			Usage:       "Path to a YAML engine configuration file",
			Sources:     cli.EnvVars("MEMGATE_ENGINE_CONFIG"),
			Destination: &cfg.engineConfigPath,
		},
		&cli.StringFlag{
			Name:        "engine",
			Usage:       "Engine kind (local or http)",
			Sources:     cli.EnvVars("MEMGATE_ENGINE"),
			Destination: &cfg.engineKind,
		},
		&cli.StringFlag{
			Name:        "engine-url",
			Usage:       "Base URL of the http engine",
			Sources:     cli.EnvVars("MEMGATE_ENGINE_URL"),
			Destination: &cfg.engineBaseURL,
		},
		&cli.StringFlag{
			Name:        "engine-api-key",
			Usage:       "API key for the http engine",
			Sources:     cli.EnvVars("MEMGATE_ENGINE_API_KEY"),
			Destination: &cfg.engineAPIKey,
		},
	}
}

// setupLogger configures the default logger from config
func (cfg *config) setupLogger() {
	logging.SetDefault(logging.New(cfg.logLevel, cfg.logFormat, os.Stdout))
}

// newRepository creates a new repository instance
func (cfg *config) newRepository() (repository.Repository, error) {
	if cfg.dbPath == "" {
		return repository.NewMemory(), nil
	}
	return repository.NewSQLite(cfg.dbPath)
}

// engineConfig resolves the engine configuration from file or flags. A nil
// return means nothing was specified and any persisted config stands.
func (cfg *config) engineConfig() (*backend.Config, error) {
	if cfg.engineConfigPath != "" {
		raw, err := os.ReadFile(cfg.engineConfigPath)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read engine config file",
				goerr.V("path", cfg.engineConfigPath))
		}
		var ec backend.Config
		if err := yaml.Unmarshal(raw, &ec); err != nil {
			return nil, goerr.Wrap(err, "failed to parse engine config file",
				goerr.V("path", cfg.engineConfigPath))
		}
		if err := ec.Validate(); err != nil {
			return nil, err
		}
		return &ec, nil
	}

	if cfg.engineKind == "" {
		return nil, nil
	}
	ec := &backend.Config{
		Kind:    cfg.engineKind,
		BaseURL: cfg.engineBaseURL,
		APIKey:  cfg.engineAPIKey,
	}
	if err := ec.Validate(); err != nil {
		return nil, err
	}
	return ec, nil
}

// seedEngineConfig persists the resolved engine configuration so the backend
// holder, and any later restart, builds the same client.
func (cfg *config) seedEngineConfig(ctx context.Context, repo repository.Repository) error {
	ec, err := cfg.engineConfig()
	if err != nil {
		return err
	}
	if ec == nil {
		return nil
	}

	raw, err := json.Marshal(ec)
	if err != nil {
		return goerr.Wrap(err, "failed to encode engine config")
	}
	return repo.SetConfig(ctx, backend.ConfigKey, raw)
}
