package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridforce/fleet/internal/config"
	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/operator"
	"github.com/gridforce/fleet/pkg/protocol"
)

// exitError carries a remote return value out as the process exit status.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate the fleet: shells, scripts and node provisioning",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "operator identity file (node config YAML)")
	root.AddCommand(nodesCmd(), shellCmd(), joinCmd(), scriptCmd(), addNodeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code & 0xff)
	case err != nil:
		fmt.Fprintln(os.Stderr, "fleetctl:", err)
		os.Exit(1)
	}
}

// connect dials the server as the configured operator and serves the
// connection in the background.
func connect(ctx context.Context) (*operator.Client, error) {
	logger := config.NewLogger(os.Stderr)
	cfg, err := config.LoadNode(configPath)
	if err != nil {
		return nil, err
	}
	var key *ecdsa.PrivateKey
	if cfg.SecureAuth {
		if key, err = auth.LoadPrivateKey(cfg.PrivateKeyPath); err != nil {
			return nil, err
		}
	}
	c, err := operator.Dial(ctx, cfg, key, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := c.Serve(ctx); err != nil {
			logger.Debug("connection ended", "error", err)
		}
	}()
	return c, nil
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List connected nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			nodes, err := c.Nodes(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UID\tONLINE\tLAST SEEN\tGENERATION")
			for _, n := range nodes {
				seen := time.Unix(n.LastSeen, 0).Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%t\t%s\t%d\n", n.UID, n.Online, seen, n.Generation)
			}
			return w.Flush()
		},
	}
}

func addNodeCmd() *cobra.Command {
	var req protocol.NodeAdditionRequest
	cmd := &cobra.Command{
		Use:   "add-node",
		Short: "Provision a new node over SSH from an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.AddNode(&req); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for {
				select {
				case m := <-c.Additions():
					fmt.Fprintf(out, "%s: %s %s\n", m.NodeUID, m.State, m.Message)
					switch m.State {
					case protocol.AdditionInstalled:
						return nil
					case protocol.AdditionFailed:
						return exitError{code: 1}
					}
				case s := <-c.Adopted():
					go func() { _, _ = s.Copy(out) }()
				case <-c.Done():
					return errors.New("connection to server lost")
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				}
			}
		},
	}
	cmd.Flags().StringVar(&req.IP, "ip", "", "address of the machine to provision")
	cmd.Flags().StringVar(&req.Username, "user", "root", "SSH user on the new machine")
	cmd.Flags().StringVar(&req.Password, "password", "", "SSH and sudo password")
	cmd.Flags().StringVar(&req.SourceNodeUID, "via", "", "uid of the node that opens the SSH connection")
	_ = cmd.MarkFlagRequired("ip")
	_ = cmd.MarkFlagRequired("via")
	return cmd
}
