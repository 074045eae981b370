// Package telemetry turns node telemetry packets into indexed documents.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridforce/fleet/pkg/protocol"
)

var ErrNotTelemetry = errors.New("telemetry: not a telemetry packet")

// Sink stores one document under an index.
type Sink interface {
	Insert(ctx context.Context, index string, doc map[string]any) error
}

// Document builds the document stored for p: its decoded payload plus the
// reporting node and a timestamp. The index is the packet tag.
func Document(node string, p protocol.Packet, now time.Time) (string, map[string]any, error) {
	doc := make(map[string]any)
	switch p := p.(type) {
	case *protocol.HardwareState:
		if len(p.Payload) > 0 {
			if err := p.Payload.Document(&doc); err != nil {
				return "", nil, fmt.Errorf("hardware state payload: %w", err)
			}
		}
		doc["kind"] = p.Kind
	case *protocol.LogEntry:
		doc["kind"] = p.Kind
		doc["name"] = p.Name
		doc["log"] = string(p.Log)
	case *protocol.DemoProcState:
		doc["name"] = p.Name
		doc["state"] = p.State
		if p.PID != 0 {
			doc["pid"] = p.PID
		}
		if len(p.Payload) > 0 {
			var payload any
			if err := p.Payload.Document(&payload); err != nil {
				return "", nil, fmt.Errorf("demo process payload: %w", err)
			}
			doc["payload"] = payload
		}
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrNotTelemetry, p.Type())
	}
	doc["node"] = node
	doc["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	return p.Type(), doc, nil
}

// Recorder feeds telemetry packets into a Sink.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	nowFn  func() time.Time
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, nowFn: time.Now}
}

func (r *Recorder) Record(ctx context.Context, node string, p protocol.Packet) error {
	index, doc, err := Document(node, p, r.nowFn())
	if err != nil {
		return err
	}
	if err := r.sink.Insert(ctx, index, doc); err != nil {
		return fmt.Errorf("failed to store %s: %w", index, err)
	}
	return nil
}

// LogSink writes documents to a logger. It is the sink used when no
// database is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Insert(_ context.Context, index string, doc map[string]any) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telemetry", "index", index, "document", doc)
	return nil
}

// MemorySink keeps documents in memory.
type MemorySink struct {
	mu   sync.Mutex
	docs map[string][]map[string]any
}

func (s *MemorySink) Insert(_ context.Context, index string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs == nil {
		s.docs = make(map[string][]map[string]any)
	}
	s.docs[index] = append(s.docs[index], doc)
	return nil
}

// Documents returns a copy of everything stored under index.
func (s *MemorySink) Documents(index string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.docs[index]...)
}
