package node

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/gridforce/fleet/pkg/protocol"
)

type collected struct {
	mu      sync.Mutex
	entries []*protocol.LogEntry
}

func (c *collected) send(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, p.(*protocol.LogEntry))
	return nil
}

func (c *collected) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out string
	for _, e := range c.entries {
		out += string(e.Log)
	}
	return out
}

func startTail(t *testing.T, path string) *collected {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tail := &LogTail{Path: path, ready: make(chan struct{})}
	out := &collected{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		tail.Run(ctx, out.send)
	}()
	<-tail.ready
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return out
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	assert.NilError(t, err)
	_, err = f.WriteString(text)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())
}

func waitForText(out *collected, want string) poll.Check {
	return func(poll.LogT) poll.Result {
		if got := out.text(); got != want {
			return poll.Continue("have %q", got)
		}
		return poll.Success()
	}
}

func TestLogTailShipsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendFile(t, path, "old line\n")

	out := startTail(t, path)
	appendFile(t, path, "new line\n")
	poll.WaitOn(t, waitForText(out, "new line\n"))

	out.mu.Lock()
	assert.Equal(t, out.entries[0].Kind, LogKindFile)
	assert.Equal(t, out.entries[0].Name, "app.log")
	out.mu.Unlock()
}

func TestLogTailFollowsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendFile(t, path, "a long first generation of the file\n")

	out := startTail(t, path)
	assert.NilError(t, os.WriteFile(path, []byte("rotated\n"), 0o644))
	poll.WaitOn(t, waitForText(out, "rotated\n"))
}

func TestLogTailWaitsForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")
	out := startTail(t, path)
	appendFile(t, path, "created\n")
	poll.WaitOn(t, waitForText(out, "created\n"))
}
