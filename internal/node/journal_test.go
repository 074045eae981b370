package node

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/gridforce/fleet/pkg/protocol"
)

func shell(script string) func(context.Context, string) *exec.Cmd {
	return func(ctx context.Context, unit string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script, "journalctl", unit)
	}
}

func startJournal(t *testing.T, j *JournalTail) *collected {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := &collected{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx, out.send)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return out
}

func TestJournalTailShipsUnitLines(t *testing.T) {
	out := startJournal(t, &JournalTail{
		Unit:    "ssh.service",
		command: shell(`echo "unit $1 started"; echo two; exec sleep 30`),
	})
	poll.WaitOn(t, waitForText(out, "unit ssh.service started\ntwo\n"))

	out.mu.Lock()
	defer out.mu.Unlock()
	for _, e := range out.entries {
		assert.Equal(t, e.Kind, LogKindJournal)
		assert.Equal(t, e.Name, "ssh.service")
	}
}

func TestJournalTailRestartsExitedFollower(t *testing.T) {
	out := startJournal(t, &JournalTail{
		Unit:    "cron.service",
		restart: 10 * time.Millisecond,
		command: shell(`echo tick`),
	})
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := out.text(); strings.Count(got, "tick\n") < 2 {
			return poll.Continue("have %q", got)
		}
		return poll.Success()
	})
}

func TestJournalTailStopsWhenSendFails(t *testing.T) {
	j := &JournalTail{Unit: "ssh.service", command: shell(`while true; do echo line; sleep 0.01; done`)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(context.Background(), func(protocol.Packet) error { return errors.New("closed") })
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("journal tail kept running")
	}
}
