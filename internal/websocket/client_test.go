package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialReadWrite(t *testing.T) {
	closed := make(chan websocket.StatusCode, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		// Binary frames are not part of the protocol and must be skipped.
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x1})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ROOM_JOINED"}`))

		for {
			_, p, err := conn.Read(ctx)
			if err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
			_ = conn.Write(ctx, websocket.MessageText, p)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &Dialer{URL: wsURL(srv), Token: "secret"}
	conn, err := d.Dial(ctx)
	require.NoError(t, err)

	p, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ROOM_JOINED"}`, string(p))

	require.NoError(t, conn.Write(ctx, []byte(`{"type":"TYPING"}`)))
	p, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"TYPING"}`, string(p))

	require.NoError(t, conn.Close())
	select {
	case status := <-closed:
		assert.Equal(t, websocket.StatusNormalClosure, status)
	case <-ctx.Done():
		t.Fatal("server never saw the closure")
	}
}

func TestDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := (&Dialer{URL: wsURL(srv)}).Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestReadAfterServerDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.CloseNow()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&Dialer{URL: wsURL(srv), PingInterval: 50 * time.Millisecond}).Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(ctx)
	assert.Error(t, err)
}
