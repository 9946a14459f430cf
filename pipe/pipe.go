// Package pipe provides asynchronous, cancellable, message-mode named pipe
// endpoints for local inter-process use.
//
// A Server owns a uniquely named single-instance pipe and accepts one client
// at a time; a Client dials an existing pipe by name. All blocking calls take
// an explicit timeout (NoTimeout waits forever) and run through an
// asynchronous operation engine, so an abandoned call is always cancelled and
// waited out before its buffer is released. Pipes are message mode: one
// write corresponds to exactly one read on the peer, never merged or split.
//
// Any read or write error, including a timeout, moves the endpoint to the
// disconnected state; further calls return ErrNotConnected until the server
// reconnects. On Windows the endpoints are native named pipes; elsewhere they
// are sequenced-packet sockets under the local temp namespace.
package pipe

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/axondata/go-xfermgr/internal/overlapped"
)

// NoTimeout waits forever when passed as a timeout.
const NoTimeout time.Duration = -1

// Default I/O buffer sizes for new pipe servers, in bytes.
const (
	DefaultInBufferSize  = 0x10000
	DefaultOutBufferSize = 0x10000
)

// Direction selects the data flow of a server pipe.
type Direction int

const (
	// Duplex allows both sides to read and write
	Duplex Direction = iota
	// Inbound only allows clients to write and the server to read
	Inbound
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	default:
		return "duplex"
	}
}

// Access selects the access restriction applied to a server pipe at
// creation time.
type Access int

const (
	// AccessDefault restricts the pipe to the creating user
	AccessDefault Access = iota
	// AccessService additionally grants access to the local service principal
	// the transfer worker runs as
	AccessService
)

// Server is a uniquely named, single-instance, message-mode pipe endpoint.
// It accepts at most one connection at a time and permits at most one
// in-flight operation.
type Server struct {
	name      string
	direction Direction
	access    Access

	inBufferSize  int32
	outBufferSize int32

	mu   sync.Mutex
	ep   endpoint
	conn net.Conn // nil means logically disconnected
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithBufferSizes overrides the pipe's I/O buffer sizes
func WithBufferSizes(in, out int32) ServerOption {
	return func(s *Server) {
		s.inBufferSize = in
		s.outBufferSize = out
	}
}

// NewServer creates a unique, asynchronous, message-mode pipe for local
// machine use. The name is 32 random hex digits under the fixed local pipe
// namespace; pass it out-of-band (for example as a worker launch argument)
// for a client to dial.
func NewServer(direction Direction, access Access, opts ...ServerOption) (*Server, error) {
	s := &Server{
		name:          randomName(),
		direction:     direction,
		access:        access,
		inBufferSize:  DefaultInBufferSize,
		outBufferSize: DefaultOutBufferSize,
	}
	if direction == Inbound {
		s.outBufferSize = 0
	}

	for _, opt := range opts {
		opt(s)
	}

	ep, err := newEndpoint(s.name, s.direction, s.access, s.inBufferSize, s.outBufferSize)
	if err != nil {
		return nil, &OpError{Call: "create", Name: s.name, Err: err}
	}
	s.ep = ep

	return s, nil
}

// randomName generates a 32 character name from the hex of 128 random bits.
func randomName() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic("pipe: reading random name: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Name returns the pipe's name without the namespace prefix.
func (s *Server) Name() string {
	return s.name
}

// Connected reports whether the server currently holds a client connection.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect waits for a client to connect, up to timeout. Any existing
// connection is dropped first. A timeout leaves the endpoint disconnected
// and returns ErrTimeout.
func (s *Server) Connect(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropLocked()

	var conn net.Conn
	op := overlapped.Issue("connect",
		func() (int, error) {
			c, err := s.ep.accept()
			conn = c
			return 0, err
		},
		s.ep.cancelAccept,
	)
	if !op.Wait(timeout) {
		op.CancelAndWait()
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
		return ErrTimeout
	}
	if _, err, _ := op.Finish(); err != nil {
		return &OpError{Call: op.Call(), Name: s.name, Err: err}
	}

	s.conn = conn
	return nil
}

// Disconnect drops the current client connection, if any. The pipe itself
// stays usable for another Connect.
func (s *Server) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	return nil
}

func (s *Server) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Read receives exactly one message into buf, up to its capacity, waiting up
// to timeout. Any error, including a timeout, disconnects the endpoint.
func (s *Server) Read(buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := readConn(s.conn, s.name, buf, timeout)
	if err != nil {
		s.dropLocked()
	}
	return n, err
}

// Write sends buf as one message, waiting up to timeout. The entire buffer
// must be accepted in a single operation; a short write is a
// *WriteCountError, distinct from a timeout. Any error disconnects the
// endpoint.
func (s *Server) Write(buf []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	if err := writeConn(s.conn, s.name, buf, timeout); err != nil {
		s.dropLocked()
		return err
	}
	return nil
}

// Close disconnects and destroys the pipe.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	if s.ep != nil {
		err := s.ep.close()
		s.ep = nil
		return err
	}
	return nil
}

// Client is the dialing side of a pipe. Like the server it permits one
// in-flight operation; any I/O error leaves it permanently disconnected.
type Client struct {
	name string

	mu   sync.Mutex
	conn net.Conn
}

// DialDuplex connects to the named pipe for reading and writing.
func DialDuplex(name string) (*Client, error) {
	conn, err := dialEndpoint(name, false)
	if err != nil {
		return nil, &OpError{Call: "open", Name: name, Err: err}
	}
	return &Client{name: name, conn: conn}, nil
}

// DialOutbound connects to the named pipe for writing only.
func DialOutbound(name string) (*Client, error) {
	conn, err := dialEndpoint(name, true)
	if err != nil {
		return nil, &OpError{Call: "open", Name: name, Err: err}
	}
	return &Client{name: name, conn: conn}, nil
}

// Read receives exactly one message into buf, up to its capacity, waiting up
// to timeout.
func (c *Client) Read(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := readConn(c.conn, c.name, buf, timeout)
	if err != nil {
		c.dropLocked()
	}
	return n, err
}

// Write sends buf as one message, waiting up to timeout.
func (c *Client) Write(buf []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if err := writeConn(c.conn, c.name, buf, timeout); err != nil {
		c.dropLocked()
		return err
	}
	return nil
}

// Close disconnects the client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// readConn issues one read through the operation engine. Cancellation is a
// deadline forced into the past, which makes the blocked read return; the
// engine then waits for that return before the buffer is released.
func readConn(conn net.Conn, name string, buf []byte, timeout time.Duration) (int, error) {
	_ = conn.SetReadDeadline(time.Time{})

	op := overlapped.Issue("read",
		func() (int, error) { return conn.Read(buf) },
		func() error { return conn.SetReadDeadline(time.Unix(0, 0)) },
	)
	if !op.Wait(timeout) {
		op.CancelAndWait()
		return 0, ErrTimeout
	}
	n, err, _ := op.Finish()
	if err != nil {
		return 0, &OpError{Call: op.Call(), Name: name, Err: err}
	}
	return n, nil
}

func writeConn(conn net.Conn, name string, buf []byte, timeout time.Duration) error {
	_ = conn.SetWriteDeadline(time.Time{})

	op := overlapped.Issue("write",
		func() (int, error) { return conn.Write(buf) },
		func() error { return conn.SetWriteDeadline(time.Unix(0, 0)) },
	)
	if !op.Wait(timeout) {
		op.CancelAndWait()
		return ErrTimeout
	}
	n, err, _ := op.Finish()
	if err != nil {
		return &OpError{Call: op.Call(), Name: name, Err: err}
	}
	if n != len(buf) {
		return &WriteCountError{Expected: len(buf), Written: n}
	}
	return nil
}
