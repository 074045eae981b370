package fleet

import (
	"context"
	"io"
	"sync"
)

// PipeEnd is one side of an in-memory Transport pair.
type PipeEnd struct {
	in   <-chan string
	out  chan<- string
	done chan struct{}
	once *sync.Once

	mu     sync.Mutex
	onPong func()
}

// Pipe returns two connected in-memory transports. Closing either end closes
// both directions.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan string, 64)
	ba := make(chan string, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{in: ba, out: ab, done: done, once: once}
	b := &PipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *PipeEnd) ReadText(ctx context.Context) (string, error) {
	select {
	case s := <-p.in:
		return s, nil
	default:
	}
	select {
	case s := <-p.in:
		return s, nil
	case <-p.done:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *PipeEnd) WriteText(ctx context.Context, text string) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- text:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) RemoteAddr() string { return "pipe" }

func (p *PipeEnd) OnPong(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPong = fn
}

// Pong reports a keepalive answer on this end, as a websocket pong would.
func (p *PipeEnd) Pong() {
	p.mu.Lock()
	fn := p.onPong
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
