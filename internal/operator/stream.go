package operator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gridforce/fleet/pkg/protocol"
)

const streamBacklog = 256

// Stream is the operator's view of one interactive session.
type Stream struct {
	ID     string
	Target string

	client *Client
	out    chan []byte
	done   chan struct{}

	once    sync.Once
	rc      int
	message string
}

func newStream(c *Client, id, target string) *Stream {
	return &Stream{
		ID:     id,
		Target: target,
		client: c,
		out:    make(chan []byte, streamBacklog),
		done:   make(chan struct{}),
	}
}

// Write sends input to the session.
func (s *Stream) Write(b []byte) (int, error) {
	if err := s.client.conn.Send(&protocol.InteractiveSession{UUID: s.ID, Value: append(protocol.Blob(nil), b...)}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Kill ends the session on the node with the given return value.
func (s *Stream) Kill(rc int) error {
	return s.client.conn.Send(&protocol.InteractiveSession{UUID: s.ID, ReturnValue: protocol.Int(rc)})
}

// Output yields session output; it is closed when the session ends.
func (s *Stream) Output() <-chan []byte { return s.out }

func (s *Stream) Done() <-chan struct{} { return s.done }

// Result is the return value and termination message. Valid after Done.
func (s *Stream) Result() (int, string) {
	<-s.done
	return s.rc, s.message
}

// Copy writes the output to w until the session ends, then the termination
// message, and returns the session's return value.
func (s *Stream) Copy(w io.Writer) (int, error) {
	for b := range s.out {
		if _, err := w.Write(b); err != nil {
			return -1, err
		}
	}
	rc, msg := s.Result()
	if msg != "" {
		if _, err := fmt.Fprintf(w, "\r\n%s\r\n", msg); err != nil {
			return rc, err
		}
	}
	return rc, nil
}

func (s *Stream) push(ctx context.Context, b []byte) {
	if len(b) == 0 {
		return
	}
	select {
	case s.out <- b:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *Stream) finish(rc int, message string) {
	s.once.Do(func() {
		s.rc = rc
		s.message = message
		close(s.done)
		close(s.out)
	})
}
