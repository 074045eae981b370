// Package wsconn adapts gorilla websocket connections to fleet.Transport.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // nodes and operators are not browsers
	},
}

// Conn is a websocket carrying one text message per packet. Writes are
// serialized; a single reader is assumed.
type Conn struct {
	ws     *websocket.Conn
	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
	onPong atomic.Pointer[func()]
}

// Upgrade accepts a websocket on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(ws), nil
}

// Dial connects to a websocket URL.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return Wrap(ws), nil
}

// Wrap takes ownership of ws and starts its keepalive.
func Wrap(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, closed: make(chan struct{})}
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		if fn := c.onPong.Load(); fn != nil {
			(*fn)()
		}
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive()
	return c
}

// OnPong registers fn to run whenever the peer answers a keepalive ping.
func (c *Conn) OnPong(fn func()) { c.onPong.Store(&fn) }

func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// ReadText returns the next text message. A normal close by the peer is
// reported as io.EOF.
func (c *Conn) ReadText(_ context.Context) (string, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (c *Conn) WriteText(_ context.Context, text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *Conn) write(kind int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(kind, data)
}

// Close sends a close frame and closes the socket. Safe to call more than
// once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.ws.Close()
	})
	return err
}

// Reject sends reason as a final text message and closes.
func (c *Conn) Reject(reason string) error {
	werr := c.write(websocket.TextMessage, []byte(reason))
	return errors.Join(werr, c.Close())
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}
