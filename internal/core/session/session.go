package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/pkg/protocol"
)

type State int

const (
	StateInit State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Hook runs once when a session terminates.
type Hook func(s *Session, returnValue int, message string) error

// Session multiplexes one process on a target node to its subscribers. The
// target is held by UID and resolved through the registry on every send.
type Session struct {
	id         string
	target     string
	executable string
	engine     *Engine
	logger     *slog.Logger
	replay     *ReplayBuffer

	mu          sync.Mutex
	state       State
	subscribers []*fleet.Connection
	hooks       []Hook
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Target() string     { return s.target }
func (s *Session) Executable() string { return s.executable }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Subscribers() []*fleet.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subscribers)
}

// OnTerminate registers a hook. Hooks added after termination never run.
func (s *Session) OnTerminate(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Subscribe adds c as an observer. With a replay buffer, c first receives the
// output it missed. Subscribing twice has no effect.
func (s *Session) Subscribe(c *fleet.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated || slices.Contains(s.subscribers, c) {
		return
	}
	if s.replay != nil {
		if missed := s.replay.Bytes(); len(missed) > 0 {
			if err := c.Send(&protocol.InteractiveSession{UUID: s.id, Value: missed}); err != nil {
				s.logger.Warn("failed to replay session output", "subscriber", c.UID(), "error", err)
				return
			}
		}
	}
	s.subscribers = append(s.subscribers, c)
	s.logger.Info("subscriber registered", "subscriber", c.UID())
}

func (s *Session) Unsubscribe(c *fleet.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = slices.DeleteFunc(s.subscribers, func(sub *fleet.Connection) bool { return sub == c })
}

// Push forwards input to the target node. An offline target kills the
// session.
func (s *Session) Push(value []byte) error {
	if s.State() != StateActive {
		return nil
	}
	target := s.engine.registry.Get(s.target)
	if target == nil {
		s.Kill(-1, offlineMessage(s.target))
		return fmt.Errorf("%w: %s", ErrTargetOffline, s.target)
	}
	if err := target.Send(&protocol.InteractiveSession{UUID: s.id, Value: value}); err != nil {
		s.Kill(-1, offlineMessage(s.target))
		return fmt.Errorf("%w: %s: %v", ErrTargetOffline, s.target, err)
	}
	return nil
}

// PushLine pushes line followed by a newline.
func (s *Session) PushLine(line string) error {
	return s.Push([]byte(line + "\n"))
}

// Pull fans output from the target out to every subscriber.
func (s *Session) Pull(value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	if s.replay != nil {
		s.replay.Write(value)
	}
	s.dispatchLocked(&protocol.InteractiveSession{UUID: s.id, Value: value})
}

// dispatchLocked sends p to each subscriber in order and drops the ones
// whose connection is gone.
func (s *Session) dispatchLocked(p *protocol.InteractiveSession) {
	kept := s.subscribers[:0]
	for _, sub := range s.subscribers {
		if err := sub.Send(p); err != nil {
			s.logger.Warn("dropping subscriber", "subscriber", sub.UID(), "error", err)
			continue
		}
		kept = append(kept, sub)
	}
	clear(s.subscribers[len(kept):])
	s.subscribers = kept
}

// Kill terminates the session: subscribers get the termination packet and
// are released, then hooks run. Only the first call has any effect.
func (s *Session) Kill(returnValue int, message string) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	if message == "" {
		message = fmt.Sprintf("Interactive session terminated with error code %d.", returnValue)
	}
	s.dispatchLocked(&protocol.InteractiveSession{
		UUID:        s.id,
		Value:       protocol.Blob(message),
		ReturnValue: protocol.Int(returnValue),
	})
	s.subscribers = nil
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	s.engine.remove(s)
	s.logger.Info("session terminated", "return_value", returnValue, "message", message)

	for _, h := range hooks {
		s.runHook(h, returnValue, message)
	}
}

func (s *Session) runHook(h Hook, returnValue int, message string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("termination hook panicked", "panic", r)
		}
	}()
	if err := h(s, returnValue, message); err != nil {
		s.logger.Error("termination hook failed", "error", err)
	}
}

func offlineMessage(uid string) string {
	return fmt.Sprintf("[SERVER] Machine %s is not online.", uid)
}
