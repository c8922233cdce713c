package wire

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ControlHandler processes every frame received on one connection already
// pinned to hostname. It calls send zero or more times — most verbs send
// exactly one reply frame, but a handler that discovers hostname is new to
// the registry (the resync-after-crash path of spec §4.3.4) may call send
// several more times first, to push one STATUS per live job before its
// normal reply. A returned error closes the connection.
type ControlHandler func(ctx context.Context, hostname string, f Frame, send func(Frame) error) error

// ControlServer accepts worker control connections. Each connection is
// pinned to a single hostname taken from the first part of its first frame
// (the "identity-routed" requirement of spec §6.3) and served by its own
// goroutine for the life of the connection, so frames from one worker are
// always processed in the order TCP delivered them.
//
// Separately from the request/reply cycle, the dispatcher's sweep needs to
// push unsolicited START/CANCEL frames to a worker's existing connection at
// arbitrary times (spec §4.4) — there is no "next request" to attach the
// reply to. ControlServer tracks each pinned connection by hostname so Push
// can reach it; a writeMu per connection keeps a handler's reply and a
// concurrent Push from colliding on the wire.
type ControlServer struct {
	ln     net.Listener
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*pinnedConn

	resolveKey func(hostname string) (Sealer, bool)
}

// SetKeyResolver installs resolve, consulted once per connection right
// after its first (always plaintext) frame reveals the worker's hostname:
// if resolve returns a Sealer, every subsequent frame on that connection is
// sealed/opened through it; if it reports no key, the connection is closed
// before that first frame is handled. A nil resolver (the default) leaves
// every connection in the clear.
func (s *ControlServer) SetKeyResolver(resolve func(hostname string) (Sealer, bool)) {
	s.resolveKey = resolve
}

type pinnedConn struct {
	conn    *Conn
	writeMu sync.Mutex
}

// ListenControl binds addr (accepts the spec's "tcp://*:PORT" form via
// ParseListenAddr) for control-plane traffic.
func ListenControl(addr string, logger *zap.Logger) (*ControlServer, error) {
	ln, err := net.Listen("tcp", ParseListenAddr(addr))
	if err != nil {
		return nil, err
	}
	return &ControlServer{
		ln:     ln,
		logger: logger.Named("wire.control"),
		conns:  make(map[string]*pinnedConn),
	}, nil
}

// Push sends f to hostname's currently pinned connection, if any. Used by
// the dispatcher to deliver START and CANCEL outside of any reply cycle.
// Returns an error if hostname has no live connection.
func (s *ControlServer) Push(hostname string, f Frame) error {
	s.mu.Lock()
	pc, ok := s.conns[hostname]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("wire: no live control connection for %q", hostname)
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return pc.conn.WriteFrame(f)
}

// Addr returns the server's bound address, useful when addr was ":0" in tests.
func (s *ControlServer) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections.
func (s *ControlServer) Close() error { return s.ln.Close() }

// Serve accepts connections until ctx is done or the listener is closed.
// Each connection's first frame's first part is taken as its hostname; that
// frame and every subsequent frame on that connection is passed to handler
// along with that hostname, and the handler's reply is written back before
// the next read.
func (s *ControlServer) Serve(ctx context.Context, handler ControlHandler) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, newConn(nc), handler)
	}
}

func (s *ControlServer) serveConn(ctx context.Context, c *Conn, handler ControlHandler) {
	defer c.Close()

	pc := &pinnedConn{conn: c}
	send := func(f Frame) error {
		pc.writeMu.Lock()
		defer pc.writeMu.Unlock()
		return c.WriteFrame(f)
	}

	var hostname string
	first := true
	for {
		f, err := c.ReadFrame()
		if err != nil {
			if first {
				s.logger.Debug("control connection closed before hello", zap.Error(err))
			} else {
				s.logger.Debug("control connection closed", zap.String("hostname", hostname), zap.Error(err))
				s.unpin(hostname, pc)
			}
			return
		}
		if first {
			if len(f) == 0 {
				s.logger.Warn("control connection sent empty first frame, dropping")
				return
			}
			hostname = string(f[0])
			first = false
			s.pin(hostname, pc)
			if s.resolveKey != nil {
				sealer, ok := s.resolveKey(hostname)
				if !ok {
					s.logger.Warn("no trusted key for worker, closing control connection", zap.String("hostname", hostname))
					s.unpin(hostname, pc)
					return
				}
				c.Sealer = sealer
			}
		}

		err = handler(ctx, hostname, f, send)
		if err != nil {
			s.logger.Warn("control handler error", zap.String("hostname", hostname), zap.Error(err))
			s.unpin(hostname, pc)
			return
		}
	}
}

func (s *ControlServer) pin(hostname string, pc *pinnedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[hostname] = pc
}

// unpin removes hostname's pinned connection, but only if it is still the
// one being torn down — a newer reconnect may have already replaced it.
func (s *ControlServer) unpin(hostname string, pc *pinnedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[hostname] == pc {
		delete(s.conns, hostname)
	}
}
