package fleet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gridforce/fleet/pkg/protocol"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func encode(t *testing.T, p protocol.Packet) string {
	t.Helper()
	text, err := protocol.Encode(p)
	assert.NilError(t, err)
	return text
}

func readPacket(t *testing.T, end *PipeEnd) protocol.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	text, err := end.ReadText(ctx)
	assert.NilError(t, err)
	p, err := protocol.Decode(text)
	assert.NilError(t, err)
	return p
}

func serve(t *testing.T, c *Connection, h Handler) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), h) }()
	return done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
		return nil
	}
}

func TestSendPreservesOrder(t *testing.T) {
	local, remote := Pipe()
	c := NewConnection("n1", local, nil)
	done := serve(t, c, func(context.Context, *Connection, protocol.Packet) error { return nil })

	for i := 0; i < 10; i++ {
		assert.NilError(t, c.Send(&protocol.InteractiveSession{UUID: fmt.Sprint(i)}))
	}
	for i := 0; i < 10; i++ {
		p := readPacket(t, remote)
		assert.Equal(t, p.(*protocol.InteractiveSession).UUID, fmt.Sprint(i))
	}

	assert.NilError(t, c.Close())
	assert.NilError(t, waitServe(t, done))
}

func TestInboundPacketsReachHandlerAndTouch(t *testing.T) {
	local, remote := Pipe()
	c := NewConnection("n1", local, nil)
	c.Touch(time.Unix(0, 0))

	got := make(chan protocol.Packet, 1)
	done := serve(t, c, func(_ context.Context, src *Connection, p protocol.Packet) error {
		assert.Check(t, src == c)
		got <- p
		return nil
	})

	assert.NilError(t, remote.WriteText(context.Background(), encode(t, &protocol.LogEntry{Kind: "k", Name: "n"})))
	select {
	case p := <-got:
		assert.Equal(t, p.Type(), protocol.TypeLogEntry)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	assert.NilError(t, remote.Close())
	assert.NilError(t, waitServe(t, done))
	assert.Assert(t, c.LastSeen().After(time.Unix(0, 0)))
	assert.Assert(t, !c.Live())
}

func TestUndecodablePacketClosesConnection(t *testing.T) {
	local, remote := Pipe()
	c := NewConnection("n1", local, nil)
	done := serve(t, c, func(context.Context, *Connection, protocol.Packet) error { return nil })

	assert.NilError(t, remote.WriteText(context.Background(), `{"type":"bogus","data":{}}`))
	err := waitServe(t, done)
	assert.Assert(t, errors.Is(err, protocol.ErrUnknownType), "got %v", err)
	assert.Assert(t, !c.Live())
}

func TestHandlerErrorsKeepConnectionAlive(t *testing.T) {
	local, remote := Pipe()
	c := NewConnection("n1", local, nil)
	calls := make(chan int, 3)
	n := 0
	done := serve(t, c, func(context.Context, *Connection, protocol.Packet) error {
		n++
		calls <- n
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("worse")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		assert.NilError(t, remote.WriteText(context.Background(), encode(t, &protocol.NodeStatus{Action: protocol.NodeStatusList})))
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("packet %d not handled", i)
		}
	}
	assert.Assert(t, c.Live())
	assert.NilError(t, c.Close())
	assert.NilError(t, waitServe(t, done))
}

func TestProtocolViolationClosesConnection(t *testing.T) {
	local, remote := Pipe()
	c := NewConnection("n1", local, nil)
	done := serve(t, c, func(context.Context, *Connection, protocol.Packet) error {
		return fmt.Errorf("%w: no handler", ErrProtocol)
	})

	assert.NilError(t, remote.WriteText(context.Background(), encode(t, &protocol.NodeStatus{Action: "x"})))
	err := waitServe(t, done)
	assert.Assert(t, errors.Is(err, ErrProtocol))
}

func TestSendAfterCloseFails(t *testing.T) {
	c := newTestConnection("n1")
	assert.NilError(t, c.Send(&protocol.NodeStatus{Action: "x"}))
	assert.Equal(t, c.Pending(), 1)
	assert.NilError(t, c.Close())
	assert.Assert(t, errors.Is(c.Send(&protocol.NodeStatus{Action: "x"}), ErrClosed))
	assert.Equal(t, c.Pending(), 0)

	_, err := c.Next(context.Background())
	assert.Assert(t, errors.Is(err, ErrClosed))
}

func TestCancelUnblocksServe(t *testing.T) {
	local, _ := Pipe()
	c := NewConnection("n1", local, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, func(context.Context, *Connection, protocol.Packet) error { return nil }) }()

	cancel()
	assert.NilError(t, waitServe(t, done))
	assert.Assert(t, !c.Live())
}

func TestKeepaliveAnswersAndDeliveriesTouch(t *testing.T) {
	local, remote := Pipe()
	c := NewConnection("n1", local, nil)
	epoch := time.Unix(0, 0)

	c.Touch(epoch)
	local.Pong()
	assert.Assert(t, c.LastSeen().After(epoch))

	done := serve(t, c, func(context.Context, *Connection, protocol.Packet) error { return nil })
	c.Touch(epoch)
	assert.NilError(t, c.Send(&protocol.InteractiveSession{UUID: "S"}))
	readPacket(t, remote)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if c.LastSeen().After(epoch) {
			return poll.Success()
		}
		return poll.Continue("delivery not recorded")
	}, poll.WithTimeout(2*time.Second))

	assert.NilError(t, c.Close())
	assert.NilError(t, waitServe(t, done))
}
