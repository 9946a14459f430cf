//go:build windows

package pipe

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

// The inbound SDDL grants the service principal exactly the access mask the
// outbound dial requests; requesting anything wider would be denied.
func TestOutboundDialAccessMatchesInboundGrant(t *testing.T) {
	want := fmt.Sprintf("D:(A;;%#010x;;;LS)", outboundDialAccess)
	if got := sddl(Inbound, AccessService); got != want {
		t.Fatalf("sddl(Inbound, AccessService) = %q, outbound dial requests %q", got, want)
	}
}

// A write-only outbound handle still carries message frames to the server.
func TestOutboundDialWriteOnly(t *testing.T) {
	srv, err := NewServer(Inbound, AccessDefault)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Close()

	msg := []byte("outbound frame")
	go func() {
		cl, err := DialOutbound(srv.Name())
		if err != nil {
			t.Errorf("DialOutbound failed: %v", err)
			return
		}
		defer cl.Close()
		if err := cl.Write(msg, 5*time.Second); err != nil {
			t.Errorf("Write failed: %v", err)
		}
	}()

	if err := srv.Connect(5 * time.Second); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	buf := make([]byte, 64)
	n, err := srv.Read(buf, 5*time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("read %q, want %q", buf[:n], msg)
	}
}
