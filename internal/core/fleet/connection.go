package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridforce/fleet/pkg/protocol"
)

var (
	ErrClosed   = errors.New("fleet: connection closed")
	ErrProtocol = errors.New("fleet: protocol violation")
)

// Transport is the duplex text-message channel a Connection borrows. ReadText
// blocks until a message arrives or the transport is closed.
type Transport interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	Close() error
}

// Keepalive is implemented by transports that ping their peer. Every answer
// counts as activity on the connection.
type Keepalive interface {
	OnPong(fn func())
}

// Handler processes one decoded inbound packet. A returned error is logged and
// the connection stays open, unless it wraps ErrProtocol. Panics are recovered.
type Handler func(ctx context.Context, c *Connection, p protocol.Packet) error

// Connection is one live transport session bound to a node UID. Outbound
// packets are queued in FIFO order and written by the send loop.
type Connection struct {
	uid        string
	generation atomic.Uint64
	transport  Transport
	logger     *slog.Logger

	mu     sync.Mutex
	queue  []protocol.Packet
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once

	lastSeen atomic.Int64
}

func NewConnection(uid string, t Transport, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		uid:       uid,
		transport: t,
		logger:    logger.With("node", uid),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	c.Touch(time.Now())
	if k, ok := t.(Keepalive); ok {
		k.OnPong(func() { c.Touch(time.Now()) })
	}
	return c
}

func (c *Connection) UID() string { return c.uid }

// Generation is the registry generation this connection was installed under,
// zero until installed.
func (c *Connection) Generation() uint64 { return c.generation.Load() }

func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Connection) Touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// Live reports whether the connection has not been closed yet.
func (c *Connection) Live() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send enqueues p for delivery. Safe for concurrent use; never blocks on I/O.
func (c *Connection) Send(p protocol.Packet) error {
	if p == nil {
		return fmt.Errorf("fleet: send nil packet")
	}
	c.mu.Lock()
	if !c.Live() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a queued packet is available, the connection closes or
// ctx is done.
func (c *Connection) Next(ctx context.Context) (protocol.Packet, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return p, nil
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued, unsent packets.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close marks the connection dead, drops the queue and closes the transport.
// Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.queue = nil
		c.mu.Unlock()
		err = c.transport.Close()
	})
	return err
}

// Serve runs the inbound and outbound loops until either stops, then closes
// the connection. A packet that cannot be decoded ends the connection.
func (c *Connection) Serve(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close()

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- c.sendLoop(ctx)
		cancel()
	}()

	recvErr := c.receiveLoop(ctx, handle)
	cancel()
	c.Close()
	for _, err := range []error{recvErr, <-sendErr} {
		if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (c *Connection) sendLoop(ctx context.Context) error {
	for {
		p, err := c.Next(ctx)
		if err != nil {
			return err
		}
		text, err := protocol.Encode(p)
		if err != nil {
			c.logger.Error("dropping unencodable packet", "tag", p.Type(), "error", err)
			continue
		}
		if err := c.transport.WriteText(ctx, text); err != nil {
			if !c.Live() {
				return ErrClosed
			}
			return fmt.Errorf("fleet: write: %w", err)
		}
		c.Touch(time.Now())
	}
}

func (c *Connection) receiveLoop(ctx context.Context, handle Handler) error {
	for {
		text, err := c.transport.ReadText(ctx)
		if err != nil {
			if !c.Live() || ctx.Err() != nil || errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return fmt.Errorf("fleet: read: %w", err)
		}

		p, err := protocol.Decode(text)
		if err != nil {
			c.logger.Warn("closing connection after undecodable packet", "error", err)
			return err
		}

		if err := c.dispatch(ctx, handle, p); err != nil {
			if errors.Is(err, ErrProtocol) {
				c.logger.Warn("closing connection after protocol violation", "tag", p.Type(), "error", err)
				return err
			}
			c.logger.Error("packet handler failed", "tag", p.Type(), "error", err)
			continue
		}
		c.Touch(time.Now())
	}
}

func (c *Connection) dispatch(ctx context.Context, handle Handler, p protocol.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handle(ctx, c, p)
}
