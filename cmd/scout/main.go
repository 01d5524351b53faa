// Command scout runs the agent server: it drives the plan-ground-review-act
// loop against an OS-automation endpoint and exposes session management over
// HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	scout "github.com/nevindra/scout"
	"github.com/nevindra/scout/automation"
	"github.com/nevindra/scout/internal/config"
	"github.com/nevindra/scout/observer"
	"github.com/nevindra/scout/provider/gemini"
	"github.com/nevindra/scout/store/fs"
	"github.com/nevindra/scout/store/postgres"
	"github.com/nevindra/scout/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scout:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to TOML config (default scout.toml)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load(configPath)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var gen scout.Generator = gemini.New(cfg.LLM.APIKey)
	var runner scout.ComputerRunner = automation.New(cfg.Automation.Endpoint,
		automation.WithToken(cfg.Automation.Token),
		automation.WithLogger(logger),
	)

	loopOpts := []scout.LoopOption{
		scout.WithLoopLogger(logger),
		scout.WithLoopEmitter(scout.NewEmitter(scout.WithEmitterLogger(logger))),
	}

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, "scout")
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		gen = observer.WrapGenerator(gen, inst)
		runner = observer.WrapRunner(runner, inst)
		loopOpts = append(loopOpts, scout.WithLoopTracer(observer.NewTracer()))
	}

	runtime := scout.NewRuntime(runner)
	loop := scout.NewLoop(store, gen, runtime, cfg.Grounding.Model, loopOpts...)
	manager := scout.NewManager(store, loop, scout.WithManagerLogger(logger))
	defer manager.Close()

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: newServer(manager, cfg.LLM.Model, logger).routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openStore builds the configured persistence backend. The postgres pool is
// created here and closed through the Store's Close.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (scout.Store, error) {
	switch cfg.Store.Backend {
	case "fs":
		return fs.New(cfg.Store.Root, fs.WithLogger(logger))
	case "sqlite":
		st := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		st := postgres.New(pool, postgres.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &poolStore{Store: st, pool: pool}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// poolStore ties the pgx pool's lifetime to the Store.
type poolStore struct {
	*postgres.Store
	pool *pgxpool.Pool
}

func (p *poolStore) Close() error {
	p.pool.Close()
	return nil
}
