// Package operator is the client side used by humans and automation to drive
// sessions on the fleet.
package operator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gridforce/fleet/internal/config"
	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/internal/node"
	"github.com/gridforce/fleet/internal/platform/wsconn"
	"github.com/gridforce/fleet/pkg/protocol"
)

const adoptedBacklog = 64

// Client is one operator connection to the server. Serve must be running for
// any of the request methods to receive answers.
type Client struct {
	conn   *fleet.Connection
	logger *slog.Logger

	mu        sync.Mutex
	streams   map[string]*Stream
	adopted   chan *Stream
	nodeLists chan []protocol.NodeInfo
	additions chan *protocol.NodeAdditionManagement
}

// New wraps an established transport.
func New(t fleet.Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:      fleet.NewConnection("server", t, logger),
		logger:    logger,
		streams:   make(map[string]*Stream),
		adopted:   make(chan *Stream, adoptedBacklog),
		nodeLists: make(chan []protocol.NodeInfo, 1),
		additions: make(chan *protocol.NodeAdditionManagement, adoptedBacklog),
	}
}

// Dial authenticates as cfg.UID and connects.
func Dial(ctx context.Context, cfg *config.Node, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	token, err := node.FetchToken(ctx, nil, cfg, key)
	if err != nil {
		return nil, err
	}
	conn, err := wsconn.Dial(ctx, cfg.ConnectURL(token))
	if err != nil {
		return nil, err
	}
	return New(conn, logger), nil
}

// Serve pumps the connection until it closes. Open streams are terminated
// when it returns.
func (c *Client) Serve(ctx context.Context) error {
	err := c.conn.Serve(ctx, c.dispatch)
	c.mu.Lock()
	for id, s := range c.streams {
		s.finish(-1, "[CLIENT] Connection to server lost.")
		delete(c.streams, id)
	}
	c.mu.Unlock()
	return err
}

func (c *Client) Close() error { return c.conn.Close() }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Launch starts executable on target and returns the new session.
func (c *Client) Launch(target, executable string) (*Stream, error) {
	s := c.track(uuid.NewString(), target)
	err := c.conn.Send(&protocol.InteractiveSession{UUID: s.ID, TargetMachine: target, Executable: executable})
	if err != nil {
		c.forget(s.ID)
		return nil, err
	}
	return s, nil
}

// Join observes an existing session.
func (c *Client) Join(id string) (*Stream, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	s := c.track(id, "")
	if err := c.conn.Send(&protocol.InteractiveSession{UUID: id, Action: protocol.ActionRegister}); err != nil {
		c.forget(id)
		return nil, err
	}
	return s, nil
}

// RunScript asks the server to run script on every target. The sessions it
// opens arrive on Adopted.
func (c *Client) RunScript(script, interpreter, mode string, targets ...string) error {
	if len(targets) == 0 {
		return errors.New("no targets given")
	}
	return c.conn.Send(&protocol.ScriptInteractiveSession{
		Script:      script,
		Targets:     targets,
		Interpreter: interpreter,
		Mode:        mode,
	})
}

// Adopted yields sessions the server opened on this client's behalf, such as
// script runs and node provisioning.
func (c *Client) Adopted() <-chan *Stream { return c.adopted }

// Nodes lists the nodes currently connected to the server.
func (c *Client) Nodes(ctx context.Context) ([]protocol.NodeInfo, error) {
	if err := c.conn.Send(&protocol.NodeStatus{Action: protocol.NodeStatusList}); err != nil {
		return nil, err
	}
	select {
	case nodes := <-c.nodeLists:
		return nodes, nil
	case <-c.conn.Done():
		return nil, fleet.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AddNode asks the server to provision a new node through the source node.
// Progress arrives on Additions.
func (c *Client) AddNode(req *protocol.NodeAdditionRequest) error {
	return c.conn.Send(req)
}

func (c *Client) Additions() <-chan *protocol.NodeAdditionManagement { return c.additions }

func (c *Client) track(id, target string) *Stream {
	s := newStream(c, id, target)
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()
	return s
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Client) dispatch(ctx context.Context, _ *fleet.Connection, p protocol.Packet) error {
	switch p := p.(type) {
	case *protocol.InteractiveSession:
		c.deliver(ctx, p)
		return nil
	case *protocol.NodeStatus:
		select {
		case c.nodeLists <- p.NodeStatus:
		default:
			c.logger.Debug("dropping unrequested node list")
		}
		return nil
	case *protocol.NodeAdditionManagement:
		select {
		case c.additions <- p:
		default:
			c.logger.Warn("dropping node addition update", "node", p.NodeUID, "state", p.State)
		}
		return nil
	case *protocol.HardwareState, *protocol.LogEntry, *protocol.DemoProcState:
		return nil
	default:
		return fmt.Errorf("unexpected %s packet from server", p.Type())
	}
}

func (c *Client) deliver(ctx context.Context, p *protocol.InteractiveSession) {
	c.mu.Lock()
	s, ok := c.streams[p.UUID]
	if !ok {
		s = newStream(c, p.UUID, p.TargetMachine)
		c.streams[p.UUID] = s
	}
	if p.Terminal() {
		delete(c.streams, p.UUID)
	}
	c.mu.Unlock()

	if !ok {
		select {
		case c.adopted <- s:
		default:
			c.logger.Warn("no reader for adopted session", "session", p.UUID)
		}
	}
	if p.Terminal() {
		s.finish(*p.ReturnValue, string(p.Value))
		return
	}
	s.push(ctx, p.Value)
}
