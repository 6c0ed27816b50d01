package dispatch

import (
	"net"
	"testing"

	"ringd/internal/logger"
	"ringd/internal/registry"
	"ringd/internal/ring"
	"ringd/internal/ringproto"
	"ringd/internal/routing"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	r := ring.New(1, "10.0.0.1", "9001", reg, routing.New(1), nil, nil, nil, nil, &logger.NopLogger{})
	return New(r, &logger.NopLogger{}), reg
}

func newTestConn(t *testing.T, reg *registry.Registry) (*registry.Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	conn, err := reg.Add(local, "10.0.0.9")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	conn.PeerID = 30
	reg.SetRole(conn, registry.RoleOutboundChord)
	return conn, remote
}

func TestLineParsesAndForwardsToRing(t *testing.T) {
	d, reg := newTestDispatcher(t)
	conn, remote := newTestConn(t, reg)
	defer remote.Close()

	// Does not panic and reaches the ring's chord path.
	d.Line(conn, ringproto.Chat{Src: 30, Dst: 1, Text: "hey"}.Encode())
}

func TestLineDiscardsMalformedInputWithoutClosing(t *testing.T) {
	d, reg := newTestDispatcher(t)
	conn, remote := newTestConn(t, reg)
	defer remote.Close()

	d.Line(conn, "GARBAGE not a line")
	if reg.Get(conn.Slot()) == nil {
		t.Fatalf("malformed line must not close the connection")
	}
}

func TestOverflowLeavesConnectionOpen(t *testing.T) {
	d, reg := newTestDispatcher(t)
	conn, remote := newTestConn(t, reg)
	defer remote.Close()

	d.Overflow(conn)
	if reg.Get(conn.Slot()) == nil {
		t.Fatalf("overflow must not close the connection")
	}
}

func TestClosedReapsTheConnection(t *testing.T) {
	d, reg := newTestDispatcher(t)
	conn, remote := newTestConn(t, reg)
	remote.Close()

	d.Closed(conn)
	if reg.Get(conn.Slot()) != nil {
		t.Fatalf("expected the slot to be closed")
	}
}
