package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestControlServerPinsHostnameAndReplies(t *testing.T) {
	srv, err := ListenControl("tcp://127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 2)
	go func() {
		_ = srv.Serve(ctx, func(_ context.Context, hostname string, f Frame, send func(Frame) error) error {
			received <- hostname
			return send(Frame{[]byte("ack")})
		})
	}()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	c := newConn(conn)

	require.NoError(t, c.WriteFrame(Frame{[]byte("worker1"), []byte("HELLO")}))
	reply, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, Frame{[]byte("ack")}, reply)

	require.NoError(t, c.WriteFrame(Frame{[]byte("worker1"), []byte("PING")}))
	_, err = c.ReadFrame()
	require.NoError(t, err)

	select {
	case h := <-received:
		require.Equal(t, "worker1", h)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}
	select {
	case h := <-received:
		require.Equal(t, "worker1", h)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second handler invocation")
	}
}

func TestControlServerPushDeliversUnsolicitedFrame(t *testing.T) {
	srv, err := ListenControl("tcp://127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = srv.Serve(ctx, func(_ context.Context, _ string, f Frame, send func(Frame) error) error {
			return send(Frame{[]byte("ack")})
		})
	}()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	c := newConn(conn)

	require.NoError(t, c.WriteFrame(Frame{[]byte("worker1"), []byte("HELLO")}))
	_, err = c.ReadFrame()
	require.NoError(t, err)

	// Give serveConn time to register worker1 in the pinned-connection map.
	require.Eventually(t, func() bool {
		return srv.Push("worker1", Frame{[]byte("START"), []byte("job-1")}) == nil
	}, 2*time.Second, 10*time.Millisecond)

	pushed, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, Frame{[]byte("START"), []byte("job-1")}, pushed)

	require.Error(t, srv.Push("no-such-worker", Frame{[]byte("START")}))
}
