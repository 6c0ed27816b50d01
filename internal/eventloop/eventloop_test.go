package eventloop

import (
	"bytes"
	"net"
	"testing"
	"time"

	"ringd/internal/dispatch"
	"ringd/internal/logger"
	"ringd/internal/registry"
	"ringd/internal/ring"
	"ringd/internal/ringproto"
	"ringd/internal/routing"
	"ringd/internal/shell"
)

// fakeDirectory answers a QueryNodes call with an empty list, enough
// for tests that never exercise the join/chord candidate flow.
type fakeDirectory struct{}

func (fakeDirectory) QueryNodes(ringID string, selfID int, chordMode bool, alreadyConnected func(id int) bool) ([]ringproto.Identity, error) {
	return nil, nil
}

func newTestLoop(t *testing.T) (*Loop, *registry.Registry, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	reg := registry.New()
	r := ring.New(1, "127.0.0.1", "0", reg, routing.New(1), nil, &Timer{}, nil, nil, &logger.NopLogger{})
	disp := dispatch.New(r, &logger.NopLogger{})
	var out bytes.Buffer
	sh := shell.New(r, fakeDirectory{}, &out)
	loop := New(reg, disp, sh, ln, &Timer{}, &logger.NopLogger{})
	return loop, reg, ln
}

func TestHandleAcceptRegistersNewNodeConnection(t *testing.T) {
	loop, reg, _ := newTestLoop(t)
	local, remote := net.Pipe()
	defer remote.Close()

	loop.handleAccept(local)

	c, ok := reg.NewNode()
	if !ok {
		t.Fatalf("expected a pending new-node connection")
	}
	if c.Net != local {
		t.Fatalf("registered connection does not match the accepted socket")
	}
}

func TestHandleAcceptRejectsSecondPendingNewNode(t *testing.T) {
	loop, reg, _ := newTestLoop(t)
	firstLocal, firstRemote := net.Pipe()
	defer firstRemote.Close()
	secondLocal, secondRemote := net.Pipe()

	loop.handleAccept(firstLocal)
	loop.handleAccept(secondLocal)

	if _, ok := reg.FindByNet(secondLocal); ok {
		t.Fatalf("a second new-node connection must not be admitted")
	}
	// The rejected socket is closed: a write against its peer should
	// now fail.
	secondRemote.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := secondRemote.Write([]byte("x")); err == nil {
		t.Fatalf("expected the rejected connection's peer side to observe a close")
	}
}

func TestPumpPeerDeliversFramedLines(t *testing.T) {
	loop, reg, _ := newTestLoop(t)
	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	conn, err := reg.Add(local, "10.0.0.5")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	conn.PeerID = 9
	reg.SetRole(conn, registry.RoleOutboundChord)

	go loop.pumpPeer(local)
	go func() { _, _ = remote.Write([]byte("CHAT 9 1 hi\n")) }()

	select {
	case ev := <-loop.peerEvents:
		if ev.kind != peerLine || ev.conn != local || ev.line != "CHAT 9 1 hi" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a framed line")
	}
}

func TestPumpPeerReportsClosedOnEOF(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	local, remote := net.Pipe()
	defer local.Close()

	go loop.pumpPeer(local)
	remote.Close()

	select {
	case ev := <-loop.peerEvents:
		if ev.kind != peerClosed || ev.conn != local {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a closed event")
	}
}

func TestHandleStdinExitSignalsStop(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	if !loop.handleStdin(stdinEvent{line: "exit"}) {
		t.Fatalf("exit command should request loop termination")
	}
}

func TestHandleStdinClosedSignalsStop(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	if !loop.handleStdin(stdinEvent{closed: true}) {
		t.Fatalf("a closed stdin source should request loop termination")
	}
}

func TestHandleStdinMalformedCommandContinues(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	if loop.handleStdin(stdinEvent{line: "frobnicate"}) {
		t.Fatalf("a malformed command must not stop the loop")
	}
}

func TestTimerArmReplacesPreviousCallback(t *testing.T) {
	var tm Timer
	fired := make(chan string, 2)
	tm.Arm(time.Hour, func() { fired <- "first" })
	tm.Arm(time.Millisecond, func() { fired <- "second" })

	select {
	case <-tm.C():
		tm.Fire()
	case <-time.After(time.Second):
		t.Fatalf("replacement timer never fired")
	}
	select {
	case got := <-fired:
		if got != "second" {
			t.Fatalf("expected the replacement callback, got %q", got)
		}
	default:
		t.Fatalf("callback was not invoked")
	}
}

func TestTimerCancelDisarms(t *testing.T) {
	var tm Timer
	tm.Arm(time.Millisecond, func() { t.Fatalf("cancelled callback must not run") })
	tm.Cancel()
	if tm.C() != nil {
		t.Fatalf("C() should report no armed timer after Cancel")
	}
	time.Sleep(10 * time.Millisecond)
}

func TestNetDialerConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	d := NetDialer{Timeout: time.Second}
	conn, err := d.Dial(host, port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(time.Second):
		t.Fatalf("listener never observed the dial")
	}
}
