package process

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func spawn(t *testing.T, executable string) Process {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh in PATH")
	}
	p, err := PTY{}.Spawn(context.Background(), executable)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPTYEcho(t *testing.T) {
	p := spawn(t, "sh")
	_, err := p.Write([]byte("echo fleet-$((40+2))\nexit 7\n"))
	assert.NilError(t, err)

	out, _ := io.ReadAll(p)
	assert.Assert(t, is.Contains(string(out), "fleet-42"))

	code, err := p.Wait()
	assert.NilError(t, err)
	assert.Equal(t, code, 7)
}

func TestPTYKill(t *testing.T) {
	p := spawn(t, "sleep 30")
	assert.NilError(t, p.Kill())
	code, err := p.Wait()
	assert.NilError(t, err)
	assert.Equal(t, code, 137)
}

func TestEmptyExecutable(t *testing.T) {
	_, err := PTY{}.Spawn(context.Background(), "  ")
	assert.ErrorContains(t, err, "empty executable")
}

func TestMissingExecutable(t *testing.T) {
	_, err := PTY{}.Spawn(context.Background(), "/nonexistent/"+strings.Repeat("x", 8))
	assert.ErrorContains(t, err, "start pty")
}
