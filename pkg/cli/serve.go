package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/memgate/memgate/pkg/server"
	"github.com/memgate/memgate/pkg/service/backend"
	"github.com/memgate/memgate/pkg/service/session"
	"github.com/memgate/memgate/pkg/usecase/memory"
	"github.com/memgate/memgate/pkg/utils/logging"
)

func serveCommand() *cli.Command {
	var cfg config

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "Listen address",
			Value:       "127.0.0.1:8765",
			Sources:     cli.EnvVars("MEMGATE_ADDR"),
			Destination: &cfg.addr,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, engineFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Start the memory gateway server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return runServe(ctx, &cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config) error {
	cfg.setupLogger()
	logger := logging.Default()

	repo, err := cfg.newRepository()
	if err != nil {
		return goerr.Wrap(err, "failed to open repository")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("failed to close repository", "error", err.Error())
		}
	}()

	if err := cfg.seedEngineConfig(ctx, repo); err != nil {
		return err
	}

	holder := backend.NewHolder(repo)
	registry := session.NewRegistry()
	uc := memory.New(repo, holder)

	httpServer := &http.Server{
		Addr:              cfg.addr,
		Handler:           server.New(registry, uc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting memory gateway", "addr", cfg.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shut down server")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "server failed")
	}
}
