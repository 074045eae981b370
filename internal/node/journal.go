package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/gridforce/fleet/pkg/protocol"
)

// LogKindJournal marks log entries read from a systemd unit's journal.
const LogKindJournal = "journal"

const (
	journalRestartDelay = 5 * time.Second
	journalMaxLine      = 1024 * 1024
)

// JournalTail follows the journal of one systemd unit and ships every new
// line as a log entry. journalctl is started again if it exits.
type JournalTail struct {
	Unit   string
	Logger *slog.Logger

	restart time.Duration
	command func(ctx context.Context, unit string) *exec.Cmd
}

func journalctl(ctx context.Context, unit string) *exec.Cmd {
	return exec.CommandContext(ctx, "journalctl", "-f", "-o", "cat", "-n", "0", "-u", unit)
}

// Run follows the unit until ctx is done or send fails.
func (j *JournalTail) Run(ctx context.Context, send func(protocol.Packet) error) {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("journal_unit", j.Unit)
	delay := j.restart
	if delay <= 0 {
		delay = journalRestartDelay
	}

	for {
		err := j.follow(ctx, send)
		if errors.Is(err, errSendFailed) || ctx.Err() != nil {
			return
		}
		logger.Debug("journal follower exited", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (j *JournalTail) follow(ctx context.Context, send func(protocol.Packet) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	command := j.command
	if command == nil {
		command = journalctl
	}
	cmd := command(ctx, j.Unit)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), journalMaxLine)
	for scanner.Scan() {
		entry := &protocol.LogEntry{
			Kind: LogKindJournal,
			Name: j.Unit,
			Log:  protocol.Blob(scanner.Text() + "\n"),
		}
		if send(entry) != nil {
			cancel()
			_ = cmd.Wait()
			return errSendFailed
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return err
	}
	return scanErr
}
