package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridforce/fleet/internal/config"
	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/core/db"
	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/internal/core/keydir"
	"github.com/gridforce/fleet/internal/core/session"
	"github.com/gridforce/fleet/internal/orchestrator"
)

const (
	defaultKeyDir   = "./keys"
	shutdownTimeout = 10 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Fleet server: node connections, sessions and telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, config.NewLogger(os.Stderr))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Server, logger *slog.Logger) error {
	slog.SetDefault(logger)

	registry := fleet.NewRegistry(logger)
	engine := session.NewEngine(registry, logger)
	engine.SetReplayBuffer(cfg.ReplayBufferBytes)

	opts := orchestrator.Options{
		Registry:  registry,
		Engine:    engine,
		StaticDir: cfg.StaticDir,
		Logger:    logger,
	}
	var (
		book      auth.Phonebook
		registrar orchestrator.KeyRegistrar
		records   orchestrator.ProvisioningLog
	)

	if cfg.Database.Enabled() {
		store, err := db.Open(cfg.Database.DSN(), logger)
		if err != nil {
			return err
		}
		defer store.Close()
		store.SetChallengeTTL(cfg.ChallengeTTL)

		book = store
		registrar = store
		records = store
		opts.Sink = store
		opts.Status = store
		opts.Documents = store
	} else {
		path := cfg.KeyDir
		if path == "" {
			path = defaultKeyDir
		}
		dir, err := keydir.Open(path, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := dir.Watch(ctx); err != nil {
				logger.Error("key directory watch stopped", "dir", path, "error", err)
			}
		}()
		logger.Warn("no database configured, keeping challenges in memory", "key_dir", path)

		book = auth.NewPhonebook(dir, auth.NewChallengeTable(cfg.ChallengeTTL))
		registrar = orchestrator.KeyRegistrarFunc(dir.Add)
	}
	opts.Authenticator = auth.NewAuthenticator(book, cfg.SecureAuth, logger)

	provisioner, err := orchestrator.NewProvisioner(engine, registrar, records, cfg.ProvisionScript, cfg.PublicURL, logger)
	if err != nil {
		return err
	}
	opts.Provisioner = provisioner

	hub := orchestrator.NewHub(opts)
	go registry.RunJanitor(ctx, cfg.StaleAfter/3, cfg.StaleAfter)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           hub.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening", "addr", cfg.HTTPAddr, "secure_auth", cfg.SecureAuth)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	engine.KillAll(-1, "[SERVER] Server shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
