package pipe

import "net"

// endpoint is the platform half of a Server: a single-instance listener for
// the pipe's name. accept blocks until a client connects; cancelAccept must
// force a blocked accept to return promptly.
type endpoint interface {
	accept() (net.Conn, error)
	cancelAccept() error
	close() error
}
