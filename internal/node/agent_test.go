package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/gridforce/fleet/internal/config"
	"github.com/gridforce/fleet/internal/core/auth"
	"github.com/gridforce/fleet/internal/core/fleet"
	"github.com/gridforce/fleet/internal/platform/process"
	"github.com/gridforce/fleet/pkg/protocol"
)

const nodeUID = "e118857e-3732-4e58-aa9c-56685c6a6492"

// echoProcess greets, then echoes its input until killed.
type echoProcess struct {
	out  *io.PipeReader
	in   *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func newEchoProcess() *echoProcess {
	r, w := io.Pipe()
	p := &echoProcess{out: r, in: w, done: make(chan struct{})}
	go func() { _, _ = w.Write([]byte("ready\n")) }()
	return p
}

func (p *echoProcess) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *echoProcess) Write(b []byte) (int, error) { return p.in.Write(b) }

func (p *echoProcess) Wait() (int, error) {
	<-p.done
	return 137, nil
}

func (p *echoProcess) Kill() error {
	p.once.Do(func() {
		close(p.done)
		_ = p.in.Close()
	})
	return nil
}

func (p *echoProcess) Close() error { return p.out.Close() }

type fakeSpawner struct {
	mu   sync.Mutex
	exes []string
	err  error
}

func (s *fakeSpawner) Spawn(_ context.Context, executable string) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exes = append(s.exes, executable)
	if s.err != nil {
		return nil, s.err
	}
	return newEchoProcess(), nil
}

type fakeCollector struct{}

func (fakeCollector) Packet(context.Context) (*protocol.HardwareState, error) {
	return &protocol.HardwareState{Kind: "periodic", Payload: protocol.Blob(`{"cpu_usage":1}`)}, nil
}

// server is the orchestrator end of an agent's pipe. Everything the agent
// sends lands in inbox.
type server struct {
	conn  *fleet.Connection
	inbox chan protocol.Packet
}

func serve(t *testing.T, a *Agent) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	nodeEnd, serverEnd := fleet.Pipe()

	s := &server{conn: fleet.NewConnection(nodeUID, serverEnd, nil), inbox: make(chan protocol.Packet, 64)}
	go s.conn.Serve(ctx, func(_ context.Context, _ *fleet.Connection, p protocol.Packet) error {
		s.inbox <- p
		return nil
	})
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, nodeEnd) }()
	t.Cleanup(func() {
		cancel()
		<-done
		a.sessions.killAll()
	})
	return s
}

func (s *server) recv(t *testing.T) protocol.Packet {
	t.Helper()
	select {
	case p := <-s.inbox:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet from agent")
		return nil
	}
}

func (s *server) recvSession(t *testing.T) *protocol.InteractiveSession {
	t.Helper()
	for {
		p := s.recv(t)
		if sp, ok := p.(*protocol.InteractiveSession); ok {
			return sp
		}
	}
}

func newAgent(spawner process.Spawner, collector Collector) *Agent {
	cfg := &config.Node{UID: nodeUID, ReconnectDelay: time.Second, TelemetryInterval: time.Hour}
	return New(cfg, nil, spawner, collector, nil)
}

func TestSessionRelay(t *testing.T) {
	spawner := &fakeSpawner{}
	a := newAgent(spawner, nil)
	s := serve(t, a)

	assert.NilError(t, s.conn.Send(&protocol.InteractiveSession{UUID: "S", Executable: "/bin/bash"}))
	out := s.recvSession(t)
	assert.Equal(t, out.UUID, "S")
	assert.Equal(t, string(out.Value), "ready\n")

	assert.NilError(t, s.conn.Send(&protocol.InteractiveSession{UUID: "S", Value: protocol.Blob("hello")}))
	out = s.recvSession(t)
	assert.Equal(t, string(out.Value), "hello")

	assert.NilError(t, s.conn.Send(&protocol.InteractiveSession{UUID: "S", ReturnValue: protocol.Int(-1)}))
	end := s.recvSession(t)
	assert.Assert(t, end.Terminal())
	assert.Equal(t, *end.ReturnValue, 137)
	assert.Assert(t, is.Len(end.Value, 0))
	assert.Assert(t, is.Nil(a.sessions.get("S")))
	assert.DeepEqual(t, spawner.exes, []string{"/bin/bash"})
}

func TestSpawnFailureTerminatesSession(t *testing.T) {
	s := serve(t, newAgent(&fakeSpawner{err: errors.New("exec: not found")}, nil))

	assert.NilError(t, s.conn.Send(&protocol.InteractiveSession{UUID: "S", Executable: "/nope"}))
	end := s.recvSession(t)
	assert.Assert(t, end.Terminal())
	assert.Equal(t, *end.ReturnValue, -1)
	assert.Assert(t, is.Contains(string(end.Value), "Failed to start /nope"))
}

func TestTerminationForUnknownSessionIgnored(t *testing.T) {
	a := newAgent(&fakeSpawner{}, nil)
	err := a.sessions.handle(context.Background(), &protocol.InteractiveSession{UUID: "S", ReturnValue: protocol.Int(0)})
	assert.NilError(t, err)

	err = a.sessions.handle(context.Background(), &protocol.InteractiveSession{UUID: "S", Value: protocol.Blob("x")})
	assert.ErrorContains(t, err, "no process for session S")
}

func TestHardwareTelemetry(t *testing.T) {
	s := serve(t, newAgent(&fakeSpawner{}, fakeCollector{}))
	p := s.recv(t)
	hw, ok := p.(*protocol.HardwareState)
	assert.Assert(t, ok, "got %T", p)
	assert.Equal(t, hw.Kind, "periodic")
}

func TestFileTransferPacket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "script.sh")
	a := newAgent(&fakeSpawner{}, nil)
	err := a.dispatch(context.Background(), nil, &protocol.FileTransfer{Path: path, Content: protocol.Blob("echo hi\n"), Mode: "640"})
	assert.NilError(t, err)

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "echo hi\n")
	fi, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, fi.Mode().Perm(), os.FileMode(0o640))
}

func TestUnexpectedPacket(t *testing.T) {
	a := newAgent(&fakeSpawner{}, nil)
	err := a.dispatch(context.Background(), nil, &protocol.NodeAdditionRequest{IP: "10.0.0.2", SourceNodeUID: nodeUID})
	assert.ErrorContains(t, err, "unexpected node_addition_request")
}

func TestInsecureTokenIsUID(t *testing.T) {
	a := newAgent(&fakeSpawner{}, nil)
	token, err := a.Token(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, token, nodeUID)
}

func TestSecureTokenFromPreauth(t *testing.T) {
	key, err := auth.GenerateKey()
	assert.NilError(t, err)
	authn := auth.NewAuthenticator(
		auth.NewPhonebook(auth.StaticKeys{nodeUID: &key.PublicKey}, auth.NewChallengeTable(time.Minute)), true, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, strings.HasSuffix(r.URL.Path, "/preauth/"+nodeUID))
		salt, err := authn.IssueChallenge(nodeUID)
		assert.Check(t, err)
		_ = json.NewEncoder(w).Encode(map[string]string{"preauth_key": salt})
	}))
	defer srv.Close()

	cfg := &config.Node{UID: nodeUID, SecureAuth: true, PreauthSource: srv.URL + "/preauth", ReconnectDelay: time.Second}
	a := New(cfg, key, &fakeSpawner{}, nil, nil)
	token, err := a.Token(context.Background())
	assert.NilError(t, err)

	uid, ok := authn.VerifyToken(token)
	assert.Assert(t, ok)
	assert.Equal(t, uid, nodeUID)
}

func TestPreauthRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Pre-auth is disabled"})
	}))
	defer srv.Close()

	key, err := auth.GenerateKey()
	assert.NilError(t, err)
	cfg := &config.Node{UID: nodeUID, SecureAuth: true, PreauthSource: srv.URL, ReconnectDelay: time.Second}
	_, err = New(cfg, key, &fakeSpawner{}, nil, nil).Token(context.Background())
	assert.ErrorContains(t, err, "Pre-auth is disabled")
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := &config.Node{UID: nodeUID, ServerRootPath: "ws://127.0.0.1:1/ws", ReconnectDelay: 10 * time.Millisecond}
	a := New(cfg, nil, &fakeSpawner{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NilError(t, a.Run(ctx))
}
