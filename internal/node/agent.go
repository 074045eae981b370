// Package node is the agent running on every supervised machine.
package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridforce/fleet/internal/config"
	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/internal/platform/process"
	"github.com/gridforce/fleet/internal/platform/wsconn"
	"github.com/gridforce/fleet/pkg/protocol"
)

// serverPeer names the server side of the agent's connection in logs.
const serverPeer = "server"

// Collector produces the periodic hardware sample.
type Collector interface {
	Packet(ctx context.Context) (*protocol.HardwareState, error)
}

// Agent keeps a connection to the server open, runs the sessions it is asked
// to and reports telemetry.
type Agent struct {
	cfg       *config.Node
	key       *ecdsa.PrivateKey
	collector Collector
	client    *http.Client
	logger    *slog.Logger
	sessions  *sessions

	current atomic.Pointer[fleet.Connection]
}

// New builds an agent. key may be nil when secure auth is disabled; collector
// may be nil to disable hardware telemetry.
func New(cfg *config.Node, key *ecdsa.PrivateKey, spawner process.Spawner, collector Collector, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node", cfg.UID)
	a := &Agent{
		cfg:       cfg,
		key:       key,
		collector: collector,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
	a.sessions = newSessions(spawner, a.send, logger)
	return a
}

// Run connects and serves until ctx is done, reconnecting after every
// failure.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.connect(ctx)
		if ctx.Err() != nil {
			a.sessions.killAll()
			return nil
		}
		a.logger.Warn("disconnected from server", "error", err, "retry_in", a.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			a.sessions.killAll()
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

func (a *Agent) connect(ctx context.Context) error {
	token, err := a.Token(ctx)
	if err != nil {
		return err
	}
	conn, err := wsconn.Dial(ctx, a.cfg.ConnectURL(token))
	if err != nil {
		return err
	}
	a.logger.Info("connected to server", "url", a.cfg.ServerRootPath)
	return a.Serve(ctx, conn)
}

// Token fetches a challenge and signs it.
func (a *Agent) Token(ctx context.Context) (string, error) {
	return FetchToken(ctx, a.client, a.cfg, a.key)
}

// FetchToken asks the preauth endpoint for a salt and signs it with key. With
// secure auth disabled the bare uid is the token.
func FetchToken(ctx context.Context, client *http.Client, cfg *config.Node, key *ecdsa.PrivateKey) (string, error) {
	if !cfg.SecureAuth {
		return cfg.UID, nil
	}
	if key == nil {
		return "", errors.New("secure auth enabled but no private key loaded")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PreauthURL(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("preauth request: %w", err)
	}
	defer resp.Body.Close()

	var answer struct {
		PreauthKey string `json:"preauth_key"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return "", fmt.Errorf("preauth response: %w", err)
	}
	if answer.PreauthKey == "" {
		return "", fmt.Errorf("preauth refused (%s): %s", resp.Status, answer.Message)
	}
	return auth.CraftToken(cfg.UID, answer.PreauthKey, key)
}

// Serve runs one server connection over t until it ends.
func (a *Agent) Serve(ctx context.Context, t fleet.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := fleet.NewConnection(serverPeer, t, a.logger)
	a.current.Store(c)
	defer a.current.CompareAndSwap(c, nil)

	var wg sync.WaitGroup
	if a.collector != nil && a.cfg.TelemetryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.reportHardware(ctx, c)
		}()
	}
	for _, path := range a.cfg.LogFiles {
		tail := &LogTail{Path: path, Logger: a.logger}
		wg.Add(1)
		go func() {
			defer wg.Done()
			tail.Run(ctx, c.Send)
		}()
	}
	for _, unit := range a.cfg.JournalUnits {
		journal := &JournalTail{Unit: unit, Logger: a.logger}
		wg.Add(1)
		go func() {
			defer wg.Done()
			journal.Run(ctx, c.Send)
		}()
	}

	err := c.Serve(ctx, a.dispatch)
	cancel()
	wg.Wait()
	return err
}

// send delivers p on the current connection. Output produced while
// disconnected is dropped.
func (a *Agent) send(p protocol.Packet) error {
	c := a.current.Load()
	if c == nil {
		return fleet.ErrClosed
	}
	return c.Send(p)
}

func (a *Agent) dispatch(ctx context.Context, _ *fleet.Connection, p protocol.Packet) error {
	switch p := p.(type) {
	case *protocol.InteractiveSession:
		return a.sessions.handle(ctx, p)
	case *protocol.FileTransfer:
		if err := WriteFile(p); err != nil {
			return err
		}
		a.logger.Info("file received", "path", p.Path, "bytes", len(p.Content))
		return nil
	case *protocol.NodeStatus:
		a.logger.Debug("ignoring node status")
		return nil
	default:
		return fmt.Errorf("unexpected %s packet from server", p.Type())
	}
}

func (a *Agent) reportHardware(ctx context.Context, c *fleet.Connection) {
	ticker := time.NewTicker(a.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		p, err := a.collector.Packet(ctx)
		if err != nil {
			a.logger.Warn("hardware sample failed", "error", err)
		} else if err := c.Send(p); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
		}
	}
}
