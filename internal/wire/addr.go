package wire

import "strings"

// ParseListenAddr turns one of the spec's "tcp://*:5556" style socket
// addresses into the "host:port" form net.Listen("tcp", ...) expects, since
// this module speaks plain TCP rather than binding a ZeroMQ socket.
func ParseListenAddr(addr string) string {
	addr = strings.TrimPrefix(addr, "tcp://")
	addr = strings.Replace(addr, "*", "", 1)
	return addr
}
