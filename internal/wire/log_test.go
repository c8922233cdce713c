package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLogServerFunnelsMultipleConnectionsIntoOneChannel(t *testing.T) {
	srv, err := ListenLog("tcp://127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := srv.Serve(ctx, 16)

	dial := func(job string) {
		conn, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)
		require.NoError(t, WriteFrame(conn, Frame{[]byte(job), []byte("debug"), []byte("hello")}))
		conn.Close()
	}
	dial("job-1")
	dial("job-2")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case lf := <-frames:
			require.Len(t, lf.Frame, 3)
			seen[string(lf.Frame[0])] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for log frame")
		}
	}
	require.True(t, seen["job-1"])
	require.True(t, seen["job-2"])
}
