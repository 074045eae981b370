package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gridforce/fleet/internal/platform/process"
	"github.com/gridforce/fleet/pkg/protocol"
)

const readChunk = 1024

// sessions runs the processes behind interactive sessions and relays their
// output.
type sessions struct {
	spawner process.Spawner
	send    func(protocol.Packet) error
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[string]process.Process
	wg    sync.WaitGroup
}

func newSessions(spawner process.Spawner, send func(protocol.Packet) error, logger *slog.Logger) *sessions {
	return &sessions{spawner: spawner, send: send, logger: logger, procs: make(map[string]process.Process)}
}

func (s *sessions) get(id string) process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

func (s *sessions) handle(ctx context.Context, p *protocol.InteractiveSession) error {
	proc := s.get(p.UUID)
	switch {
	case p.Terminal():
		if proc != nil {
			s.logger.Info("session killed by server", "session", p.UUID, "return_value", *p.ReturnValue)
			return proc.Kill()
		}
		return nil
	case proc == nil && p.Executable != "":
		return s.launch(ctx, p.UUID, p.Executable)
	case proc == nil:
		return fmt.Errorf("no process for session %s", p.UUID)
	case len(p.Value) > 0:
		_, err := proc.Write(p.Value)
		return err
	}
	return nil
}

func (s *sessions) launch(ctx context.Context, id, executable string) error {
	// Processes belong to the agent, not to the connection that started them.
	proc, err := s.spawner.Spawn(context.WithoutCancel(ctx), executable)
	if err != nil {
		_ = s.send(&protocol.InteractiveSession{
			UUID:        id,
			Value:       protocol.Blob(fmt.Sprintf("[NODE] Failed to start %s: %v", executable, err)),
			ReturnValue: protocol.Int(-1),
		})
		return err
	}
	s.mu.Lock()
	s.procs[id] = proc
	s.mu.Unlock()
	s.logger.Info("session started", "session", id, "executable", executable)

	s.wg.Add(1)
	go s.relay(id, proc)
	return nil
}

// relay streams output until the process ends, then reports its exit code.
func (s *sessions) relay(id string, proc process.Process) {
	defer s.wg.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			_ = s.send(&protocol.InteractiveSession{UUID: id, Value: append(protocol.Blob(nil), buf[:n]...)})
		}
		if err != nil {
			break
		}
	}

	code, err := proc.Wait()
	if err != nil {
		s.logger.Warn("session wait failed", "session", id, "error", err)
	}
	_ = proc.Close()

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()

	s.logger.Info("session ended", "session", id, "return_value", code)
	_ = s.send(&protocol.InteractiveSession{UUID: id, ReturnValue: protocol.Int(code)})
}

func (s *sessions) killAll() {
	s.mu.Lock()
	procs := make([]process.Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill()
	}
	s.wg.Wait()
}
