//go:build windows

package pipe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	winio "github.com/Microsoft/go-winio"
)

// pipePath returns the full path for a pipe name under the fixed local
// namespace.
func pipePath(name string) string {
	return `\\.\pipe\` + name
}

// sddl returns the security descriptor applied at pipe creation.
//
// GENERIC_WRITE|FILE_READ_ATTRIBUTES for the inbound case: the dialing side
// needs to read attributes to open the pipe even when it only ever writes.
func sddl(direction Direction, access Access) string {
	if access != AccessService {
		return ""
	}
	switch direction {
	case Inbound:
		return fmt.Sprintf("D:(A;;%#010x;;;LS)", uint32(0x40000000|0x0080))
	default:
		return "D:(A;;GRGW;;;LS)"
	}
}

type winEndpoint struct {
	path   string
	config winio.PipeConfig

	mu sync.Mutex
	l  net.Listener
}

func newEndpoint(name string, direction Direction, access Access, inBuf, outBuf int32) (endpoint, error) {
	e := &winEndpoint{
		path: pipePath(name),
		config: winio.PipeConfig{
			SecurityDescriptor: sddl(direction, access),
			MessageMode:        true,
			InputBufferSize:    inBuf,
			OutputBufferSize:   outBuf,
		},
	}
	l, err := winio.ListenPipe(e.path, &e.config)
	if err != nil {
		return nil, err
	}
	e.l = l
	return e, nil
}

func (e *winEndpoint) accept() (net.Conn, error) {
	// The listener has no accept deadline; a cancelled accept closes it, so
	// recreate the instance on the next connect.
	e.mu.Lock()
	if e.l == nil {
		l, err := winio.ListenPipe(e.path, &e.config)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.l = l
	}
	l := e.l
	e.mu.Unlock()

	return l.Accept()
}

func (e *winEndpoint) cancelAccept() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.l == nil {
		return nil
	}
	err := e.l.Close()
	e.l = nil
	return err
}

func (e *winEndpoint) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.l == nil {
		return nil
	}
	err := e.l.Close()
	e.l = nil
	return err
}

const dialTimeout = 10 * time.Second

// outboundDialAccess is GENERIC_WRITE|FILE_READ_ATTRIBUTES, the mask the
// inbound SDDL grants the service principal. Requesting read access on top
// would be denied.
const outboundDialAccess uint32 = 0x40000000 | 0x0080

func dialEndpoint(name string, outbound bool) (net.Conn, error) {
	if outbound {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return winio.DialPipeAccess(ctx, pipePath(name), outboundDialAccess)
	}
	timeout := dialTimeout
	return winio.DialPipe(pipePath(name), &timeout)
}
