package wsconn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"
)

func TestRoundTripAndClose(t *testing.T) {
	serverSide := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			return
		}
		serverSide <- c
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	assert.NilError(t, err)
	server := <-serverSide

	assert.NilError(t, client.WriteText(ctx, `{"type":"node_status","data":{"action":"list_nodes"}}`))
	text, err := server.ReadText(ctx)
	assert.NilError(t, err)
	assert.Equal(t, text, `{"type":"node_status","data":{"action":"list_nodes"}}`)

	assert.NilError(t, server.Reject("Authentication failed"))
	text, err = client.ReadText(ctx)
	assert.NilError(t, err)
	assert.Equal(t, text, "Authentication failed")

	_, err = client.ReadText(ctx)
	assert.Assert(t, errors.Is(err, io.EOF), "got %v", err)
	assert.NilError(t, client.Close())
	assert.NilError(t, client.Close())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	assert.ErrorContains(t, err, "404")
}

func TestPongRunsCallback(t *testing.T) {
	serverSide := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			return
		}
		serverSide <- c
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	assert.NilError(t, err)
	defer client.Close()
	server := <-serverSide
	defer server.Close()

	var pongs atomic.Int32
	server.OnPong(func() { pongs.Add(1) })

	assert.NilError(t, client.ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)))
	assert.NilError(t, client.WriteText(ctx, "after"))

	// control frames are handled while reading the next data message
	text, err := server.ReadText(ctx)
	assert.NilError(t, err)
	assert.Equal(t, text, "after")
	assert.Equal(t, pongs.Load(), int32(1))
}
