package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gridforce/fleet/internal/config"
	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/node"
	"github.com/gridforce/fleet/internal/platform/container"
	"github.com/gridforce/fleet/internal/platform/hwinfo"
	"github.com/gridforce/fleet/internal/platform/process"
)

func main() {
	root := &cobra.Command{
		Use:           "provider",
		Short:         "Fleet node agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), keygenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "provider:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and serve sessions until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := config.NewLogger(os.Stderr)
			slog.SetDefault(logger)

			cfg, err := config.LoadNode(configPath)
			if err != nil {
				return err
			}
			var key *ecdsa.PrivateKey
			if cfg.SecureAuth {
				if key, err = auth.LoadPrivateKey(cfg.PrivateKeyPath); err != nil {
					return err
				}
			} else {
				logger.Warn("secure auth disabled, connecting with the bare node uid")
			}

			spawner, cleanup, err := newSpawner(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			collector := hwinfo.Collector{DiskPath: "/", CPUInterval: time.Second}
			return node.New(cfg, key, spawner, collector, logger).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "node config file (YAML)")
	return cmd
}

func newSpawner(ctx context.Context, cfg *config.Node, logger *slog.Logger) (process.Spawner, func(), error) {
	if cfg.Executor != config.ExecutorDocker {
		return process.PTY{Env: []string{"TERM=xterm-256color"}}, func() {}, nil
	}
	docker, err := container.NewExec(cfg.DockerContainer, "", logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DockerImage != "" {
		if err := docker.Ensure(ctx, cfg.DockerImage); err != nil {
			docker.Close()
			return nil, nil, err
		}
	}
	return docker, func() { docker.Close() }, nil
}

func keygenCmd() *cobra.Command {
	var (
		out    string
		keyDir string
		uid    string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity and key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if uid == "" {
				uid = uuid.NewString()
			}
			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(auth.EncodePrivateKey(key)+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			pub := auth.EncodePublicKey(&key.PublicKey)
			if keyDir != "" {
				path := filepath.Join(keyDir, uid+".pub")
				if err := os.WriteFile(path, []byte(pub+"\n"), 0o644); err != nil {
					return fmt.Errorf("failed to write public key: %w", err)
				}
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "uid:         %s\n", uid)
			fmt.Fprintf(w, "private key: %s\n", out)
			fmt.Fprintf(w, "public key:  %s\n", pub)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "node.key", "where to write the private key")
	cmd.Flags().StringVar(&keyDir, "key-dir", "", "server key directory to drop <uid>.pub into")
	cmd.Flags().StringVar(&uid, "uid", "", "node uid (default: a new random one)")
	return cmd
}
