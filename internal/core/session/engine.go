// Package session multiplexes interactive processes running on nodes to the
// connections observing them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/pkg/protocol"
)

var (
	ErrTargetOffline   = errors.New("session: target machine is not online")
	ErrNoExecutable    = errors.New("session: no executable")
	ErrInvalidJoin     = errors.New("session: no target machine or unknown session")
	ErrSessionExists   = errors.New("session: id already in use")
	ErrUnknownAction   = errors.New("session: unknown action")
	ErrUnknownScriptOp = errors.New("session: unknown script mode")
)

const (
	msgInvalidJoin  = "[SERVER] No target machine provided or attempted to join an invalid session id."
	msgNoExecutable = "[SERVER] Initial Interactive Session packet must contain an executable."
)

// Engine owns the session table. Sessions are created by a launch packet or
// by Open, and removed when they terminate.
type Engine struct {
	registry   *fleet.Registry
	logger     *slog.Logger
	replaySize int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewEngine(registry *fleet.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetReplayBuffer gives every new session a replay buffer of size bytes.
// Zero disables replay.
func (e *Engine) SetReplayBuffer(size int) { e.replaySize = size }

// Get returns the live session with id, or nil.
func (e *Engine) Get(id string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Open starts executable on target under id, or under a generated id when
// id is empty.
func (e *Engine) Open(id, target, executable string) (*Session, error) {
	return e.open(id, target, executable, nil)
}

// open registers the session with observer subscribed and hooks attached, then
// sends the launch, so a node that terminates at once still reaches both.
func (e *Engine) open(id, target, executable string, observer *fleet.Connection, hooks ...Hook) (*Session, error) {
	if executable == "" {
		return nil, ErrNoExecutable
	}
	conn := e.registry.Get(target)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrTargetOffline, target)
	}
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:         id,
		target:     target,
		executable: executable,
		engine:     e,
		logger:     e.logger.With("session", id, "target", target),
		hooks:      hooks,
	}
	if e.replaySize > 0 {
		s.replay = NewReplayBuffer(e.replaySize)
	}
	if observer != nil {
		s.subscribers = append(s.subscribers, observer)
	}

	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	e.sessions[id] = s
	e.mu.Unlock()

	if err := conn.Send(&protocol.InteractiveSession{UUID: id, Executable: executable}); err != nil {
		s.mu.Lock()
		s.state = StateTerminated
		s.subscribers = nil
		s.mu.Unlock()
		e.remove(s)
		return nil, fmt.Errorf("%w: %s: %v", ErrTargetOffline, target, err)
	}
	s.mu.Lock()
	if s.state == StateInit {
		s.state = StateActive
	}
	s.mu.Unlock()
	s.logger.Info("session registered", "executable", executable)
	return s, nil
}

func (e *Engine) remove(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.id] == s {
		delete(e.sessions, s.id)
	}
}

// HandlePacket routes one interactive session packet received from src.
// Routing failures are answered with a terminal packet to src.
func (e *Engine) HandlePacket(_ context.Context, src *fleet.Connection, p *protocol.InteractiveSession) error {
	s := e.Get(p.UUID)
	if s == nil {
		return e.launch(src, p)
	}

	switch {
	case p.Terminal():
		e.terminate(s, src, p)
		return nil
	case p.Action == protocol.ActionRegister:
		s.Subscribe(src)
		return nil
	case p.Action != "":
		return fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
	}

	if src == e.registry.Get(s.target) {
		s.Pull(p.Value)
		return nil
	}
	return s.Push(p.Value)
}

func (e *Engine) launch(src *fleet.Connection, p *protocol.InteractiveSession) error {
	if p.Terminal() {
		// A node finishing a session that was already killed.
		e.logger.Debug("ignoring termination of unknown session", "session", p.UUID, "node", src.UID())
		return nil
	}
	if p.TargetMachine == "" {
		return reject(src, p.UUID, msgInvalidJoin, ErrInvalidJoin)
	}
	if e.registry.Get(p.TargetMachine) == nil {
		return reject(src, p.UUID, offlineMessage(p.TargetMachine), fmt.Errorf("%w: %s", ErrTargetOffline, p.TargetMachine))
	}
	if p.Executable == "" {
		return reject(src, p.UUID, msgNoExecutable, ErrNoExecutable)
	}

	_, err := e.open(p.UUID, p.TargetMachine, p.Executable, src)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionExists):
		// Lost a race with a concurrent launch of the same id.
		if s := e.Get(p.UUID); s != nil {
			s.Subscribe(src)
			return nil
		}
		return err
	default:
		return reject(src, p.UUID, offlineMessage(p.TargetMachine), err)
	}
}

func (e *Engine) terminate(s *Session, src *fleet.Connection, p *protocol.InteractiveSession) {
	if src != e.registry.Get(s.target) {
		// An observer ended the session, so the node must stop the process.
		if target := e.registry.Get(s.target); target != nil {
			_ = target.Send(&protocol.InteractiveSession{UUID: s.id, ReturnValue: p.ReturnValue, Value: p.Value})
		}
	}
	s.Kill(*p.ReturnValue, string(p.Value))
}

// KillAll terminates every session with returnValue and message.
func (e *Engine) KillAll(returnValue int, message string) {
	e.mu.Lock()
	all := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.Unlock()
	for _, s := range all {
		s.Kill(returnValue, message)
	}
}

func reject(src *fleet.Connection, id, message string, cause error) error {
	if err := src.Send(&protocol.InteractiveSession{
		UUID:        id,
		Value:       protocol.Blob(message),
		ReturnValue: protocol.Int(-1),
	}); err != nil {
		return fmt.Errorf("failed to reject session %s: %w", id, err)
	}
	return cause
}
