package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gridforce/fleet/pkg/protocol"
)

const (
	logChunk        = 64 * 1024
	logPollInterval = 2 * time.Second
)

// LogKindFile marks log entries read from a followed file.
const LogKindFile = "file"

// LogTail follows a file from its current end and ships appended bytes as
// log entries. A truncated or replaced file is read again from the start.
type LogTail struct {
	Path   string
	Logger *slog.Logger

	offset int64
	ready  chan struct{}
}

// Run follows the file until ctx is done or send fails.
func (t *LogTail) Run(ctx context.Context, send func(protocol.Packet) error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("log_file", t.Path)

	if fi, err := os.Stat(t.Path); err == nil {
		t.offset = fi.Size()
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.Path)); err != nil {
			logger.Warn("falling back to polling", "error", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}
	if t.ready != nil {
		close(t.ready)
	}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if filepath.Clean(ev.Name) != filepath.Clean(t.Path) {
				continue
			}
		case err := <-errs:
			logger.Debug("watch error", "error", err)
			continue
		case <-ticker.C:
		}
		if err := t.drain(send); err != nil {
			if errors.Is(err, errSendFailed) {
				return
			}
			logger.Debug("log file not readable", "error", err)
		}
	}
}

var errSendFailed = errors.New("send failed")

func (t *LogTail) drain(send func(protocol.Packet) error) error {
	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < t.offset {
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, logChunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			entry := &protocol.LogEntry{
				Kind: LogKindFile,
				Name: filepath.Base(t.Path),
				Log:  append(protocol.Blob(nil), buf[:n]...),
			}
			if send(entry) != nil {
				return errSendFailed
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
