//go:build !linux && !windows

package pipe

import "net"

// Stub implementation for platforms without message-mode local transports.

func pipePath(name string) string {
	return name
}

func newEndpoint(string, Direction, Access, int32, int32) (endpoint, error) {
	return nil, ErrUnsupported
}

func dialEndpoint(string, bool) (net.Conn, error) {
	return nil, ErrUnsupported
}
