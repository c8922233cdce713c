package wire

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// LogFrame is one frame received on the log socket, tagged with the
// connection it arrived on (workers don't send an explicit identity frame
// on the log socket, unlike control traffic).
type LogFrame struct {
	Conn  net.Conn
	Frame Frame
}

// LogServer accepts any number of worker log connections concurrently but
// funnels every decoded frame into a single channel, preserving the "single
// consumer of the log ingress socket" requirement of spec §4.2 while still
// letting many workers write without blocking each other.
type LogServer struct {
	ln     net.Listener
	logger *zap.Logger
}

// ListenLog binds addr for log ingestion traffic.
func ListenLog(addr string, logger *zap.Logger) (*LogServer, error) {
	ln, err := net.Listen("tcp", ParseListenAddr(addr))
	if err != nil {
		return nil, err
	}
	return &LogServer{ln: ln, logger: logger.Named("wire.log")}, nil
}

func (s *LogServer) Addr() net.Addr { return s.ln.Addr() }

func (s *LogServer) Close() error { return s.ln.Close() }

// Serve accepts connections until ctx is done and returns a channel of
// decoded frames. The channel is closed once the listener stops accepting
// and every connection goroutine has exited.
func (s *LogServer) Serve(ctx context.Context, bufSize int) <-chan LogFrame {
	out := make(chan LogFrame, bufSize)

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	go func() {
		defer close(out)
		var active int
		done := make(chan struct{})

		for {
			nc, err := s.ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					s.logger.Warn("log listener accept error", zap.Error(err))
				}
				break
			}
			active++
			go func(c net.Conn) {
				defer func() { done <- struct{}{} }()
				s.readConn(ctx, c, out)
			}(nc)
		}

		for ; active > 0; active-- {
			<-done
		}
	}()

	return out
}

func (s *LogServer) readConn(ctx context.Context, c net.Conn, out chan<- LogFrame) {
	defer c.Close()
	for {
		f, err := ReadFrame(c)
		if err != nil {
			s.logger.Debug("log connection closed", zap.Error(err))
			return
		}
		select {
		case out <- LogFrame{Conn: c, Frame: f}:
		case <-ctx.Done():
			return
		}
	}
}
