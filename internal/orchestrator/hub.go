// Package orchestrator is the fleet server: it authenticates node
// connections, keeps the registry and routes their packets.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/internal/core/session"
	"github.com/gridforce/fleet/internal/core/telemetry"
	"github.com/gridforce/fleet/pkg/protocol"
)

const rejectionMessage = "Authentication failed"

// StatusStore records node presence. The database store implements it.
type StatusStore interface {
	MarkOnline(uid, ip string) error
	MarkOffline(uid string) error
}

type Options struct {
	Registry      *fleet.Registry
	Engine        *session.Engine
	Authenticator *auth.Authenticator
	Sink          telemetry.Sink
	Status        StatusStore
	Provisioner   *Provisioner
	Documents     DocumentStore
	// StaticDir is served under /static/ when set.
	StaticDir string
	Logger    *slog.Logger
}

// Hub wires connections to the registry, the session engine and the
// telemetry sink.
type Hub struct {
	registry    *fleet.Registry
	engine      *session.Engine
	auth        *auth.Authenticator
	recorder    *telemetry.Recorder
	status      StatusStore
	provisioner *Provisioner
	documents   DocumentStore
	staticDir   string
	logger      *slog.Logger
	handlers    map[string]fleet.Handler
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.LogSink{Logger: logger}
	}
	h := &Hub{
		registry:    opts.Registry,
		engine:      opts.Engine,
		auth:        opts.Authenticator,
		recorder:    telemetry.NewRecorder(sink, logger),
		status:      opts.Status,
		provisioner: opts.Provisioner,
		documents:   opts.Documents,
		staticDir:   opts.StaticDir,
		logger:      logger,
	}
	h.handlers = map[string]fleet.Handler{
		protocol.TypeHardwareState:       h.handleTelemetry,
		protocol.TypeLogEntry:            h.handleTelemetry,
		protocol.TypeDemoProcState:       h.handleTelemetry,
		protocol.TypeInteractiveSession:  h.handleInteractiveSession,
		protocol.TypeScriptInteractive:   h.handleScript,
		protocol.TypeNodeStatus:          h.handleNodeStatus,
		protocol.TypeNodeAdditionRequest: h.handleNodeAddition,
	}
	return h
}

func (h *Hub) Registry() *fleet.Registry { return h.registry }
func (h *Hub) Engine() *session.Engine   { return h.engine }

// Transport is a fleet.Transport that can tell where it comes from.
type Transport interface {
	fleet.Transport
	RemoteAddr() string
}

// Accept authenticates token and serves t until it disconnects. A failed
// handshake is answered with a rejection message before closing.
func (h *Hub) Accept(ctx context.Context, token string, t Transport) error {
	uid, ok := h.auth.VerifyToken(token)
	if !ok {
		h.logger.Warn("rejecting connection", "node", uid, "remote", t.RemoteAddr())
		_ = t.WriteText(ctx, rejectionMessage)
		_ = t.Close()
		return fmt.Errorf("authentication failed for %q", uid)
	}

	c := fleet.NewConnection(uid, t, h.logger)
	gen := h.registry.Install(c)
	if h.status != nil {
		if err := h.status.MarkOnline(uid, t.RemoteAddr()); err != nil {
			h.logger.Error("failed to record node online", "node", uid, "error", err)
		}
	}
	defer func() {
		if h.registry.Release(uid, gen) && h.status != nil {
			if err := h.status.MarkOffline(uid); err != nil {
				h.logger.Error("failed to record node offline", "node", uid, "error", err)
			}
		}
	}()

	err := c.Serve(ctx, h.dispatch)
	if err != nil {
		h.logger.Warn("connection ended", "node", uid, "generation", gen, "error", err)
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, c *fleet.Connection, p protocol.Packet) error {
	handle, ok := h.handlers[p.Type()]
	if !ok {
		return fmt.Errorf("no handler for %s packets", p.Type())
	}
	return handle(ctx, c, p)
}

func (h *Hub) handleTelemetry(ctx context.Context, c *fleet.Connection, p protocol.Packet) error {
	err := h.recorder.Record(ctx, c.UID(), p)
	if errors.Is(err, telemetry.ErrNotTelemetry) {
		return fmt.Errorf("%w: %v", fleet.ErrProtocol, err)
	}
	return err
}

func (h *Hub) handleInteractiveSession(ctx context.Context, c *fleet.Connection, p protocol.Packet) error {
	err := h.engine.HandlePacket(ctx, c, p.(*protocol.InteractiveSession))
	if errors.Is(err, session.ErrTargetOffline) || errors.Is(err, session.ErrInvalidJoin) || errors.Is(err, session.ErrNoExecutable) {
		// Already answered with a terminal packet.
		h.logger.Info("session request refused", "node", c.UID(), "error", err)
		return nil
	}
	return err
}

func (h *Hub) handleScript(_ context.Context, c *fleet.Connection, p protocol.Packet) error {
	req := p.(*protocol.ScriptInteractiveSession)
	var errs []error
	for _, target := range req.Targets {
		s, err := h.engine.OpenScript(target, req.Script, req.Interpreter, req.Mode, c)
		if err != nil {
			errs = append(errs, err)
			h.refuse(c, err, target)
			continue
		}
		h.logger.Info("running script", "node", target, "session", s.ID(), "mode", s.Mode(), "requester", c.UID())
		if err := s.Run(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refuse tells c that a session it asked for could not be opened.
func (h *Hub) refuse(c *fleet.Connection, err error, target string) {
	msg := fmt.Sprintf("[SERVER] %v", err)
	if errors.Is(err, session.ErrTargetOffline) {
		msg = fmt.Sprintf("[SERVER] Machine %s is not online.", target)
	}
	_ = c.Send(&protocol.InteractiveSession{
		UUID:          uuid.NewString(),
		TargetMachine: target,
		Value:         protocol.Blob(msg),
		ReturnValue:   protocol.Int(-1),
	})
}

func (h *Hub) handleNodeStatus(_ context.Context, c *fleet.Connection, p protocol.Packet) error {
	req := p.(*protocol.NodeStatus)
	if req.Action != protocol.NodeStatusList {
		return fmt.Errorf("unknown node status action %q", req.Action)
	}
	return c.Send(&protocol.NodeStatus{Action: req.Action, NodeStatus: h.registry.Snapshot()})
}

func (h *Hub) handleNodeAddition(ctx context.Context, c *fleet.Connection, p protocol.Packet) error {
	req := p.(*protocol.NodeAdditionRequest)
	if h.provisioner == nil {
		return c.Send(&protocol.NodeAdditionManagement{State: protocol.AdditionFailed, Message: "node addition is not configured on this server"})
	}
	_, err := h.provisioner.Start(ctx, c, req)
	return err
}
