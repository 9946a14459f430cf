//go:build linux

package pipe

import (
	"net"
	"os"
	"path/filepath"
	"time"
)

// The portable backend uses sequenced-packet sockets, which preserve message
// boundaries the same way message-mode pipes do. Names live under the local
// temp namespace.

// pipePath returns the full path for a pipe name under the local namespace.
func pipePath(name string) string {
	return filepath.Join(os.TempDir(), "xfermgr-"+name+".pipe")
}

type unixEndpoint struct {
	path string
	l    *net.UnixListener
}

func newEndpoint(name string, _ Direction, access Access, _, _ int32) (endpoint, error) {
	path := pipePath(name)

	addr, err := net.ResolveUnixAddr("unixpacket", path)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, err
	}

	// The service principal restriction is a security descriptor on Windows;
	// here it maps to socket permissions.
	mode := os.FileMode(0o600)
	if access == AccessService {
		mode = 0o660
	}
	if err := os.Chmod(path, mode); err != nil {
		_ = l.Close()
		return nil, err
	}

	return &unixEndpoint{path: path, l: l}, nil
}

func (e *unixEndpoint) accept() (net.Conn, error) {
	// Clear any deadline a previous cancelled accept left behind.
	_ = e.l.SetDeadline(time.Time{})
	return e.l.AcceptUnix()
}

func (e *unixEndpoint) cancelAccept() error {
	return e.l.SetDeadline(time.Unix(0, 0))
}

func (e *unixEndpoint) close() error {
	err := e.l.Close()
	_ = os.Remove(e.path)
	return err
}

func dialEndpoint(name string, _ bool) (net.Conn, error) {
	addr, err := net.ResolveUnixAddr("unixpacket", pipePath(name))
	if err != nil {
		return nil, err
	}
	return net.DialUnix("unixpacket", nil, addr)
}
