package shell

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"ringd/internal/logger"
	"ringd/internal/registry"
	"ringd/internal/ring"
	"ringd/internal/ringproto"
	"ringd/internal/routing"
)

func TestParseJoinAndAbbreviation(t *testing.T) {
	cmd, err := Parse("join abc 5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != Join || cmd.RingID != "abc" || cmd.SelfID != 5 {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	cmd2, err := Parse("j abc 5")
	if err != nil || cmd2 != cmd {
		t.Fatalf("abbreviation mismatch: %+v, %v", cmd2, err)
	}
}

func TestParseDirectJoinBothForms(t *testing.T) {
	long, err := Parse("direct join 1 2 10.0.0.2 9002")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	short, err := Parse("dj 1 2 10.0.0.2 9002")
	if err != nil || long != short {
		t.Fatalf("dj/direct join mismatch: %+v vs %+v (%v)", long, short, err)
	}
	if long.Kind != DirectJoin || long.SelfID != 1 || long.SuccID != 2 || long.IP != "10.0.0.2" || long.Port != "9002" {
		t.Fatalf("unexpected command: %+v", long)
	}
}

func TestParseMessagePreservesSpacing(t *testing.T) {
	cmd, err := Parse("message 7 hello   there world")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != Message || cmd.TargetID != 7 || cmd.Text != "hello   there world" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseRejectsUnknownVerb(t *testing.T) {
	if _, err := Parse("frobnicate"); err == nil {
		t.Fatalf("expected an error for an unknown verb")
	}
}

func TestParseRejectsBadArgCount(t *testing.T) {
	if _, err := Parse("join abc"); err == nil {
		t.Fatalf("expected an error for a missing id")
	}
}

func newTestShell() (*Shell, *bytes.Buffer) {
	return newTestShellWithLister(&fakeLister{})
}

func newTestShellWithLister(nl NodeLister) (*Shell, *bytes.Buffer) {
	reg := registry.New()
	r := ring.New(1, "10.0.0.1", "9001", reg, routing.New(1), &fakeDialer{}, &fakeTimer{}, &fakeDir{}, nil, &logger.NopLogger{})
	var buf bytes.Buffer
	return New(r, nl, &buf), &buf
}

// fakeDialer always fails, standing in for an unreachable candidate —
// enough for selection tests that only care about the state machine
// bookkeeping around SelectSuccessor/SelectChordTarget, not a live TCP
// handshake.
type fakeDialer struct{}

func (fakeDialer) Dial(ip, port string) (net.Conn, error) {
	return nil, errors.New("dial refused")
}

// fakeTimer discards Arm/Cancel calls.
type fakeTimer struct{}

func (fakeTimer) Arm(d time.Duration, fn func()) {}
func (fakeTimer) Cancel()                        {}

type fakeDir struct{}

func (fakeDir) Register(ringID string, self ringproto.Identity) error { return nil }
func (fakeDir) Deregister(ringID string, selfID int) error             { return nil }

// fakeLister answers QueryNodes with a canned list or error, letting
// tests drive the AWAITING_USER_SELECTION flow without a real directory.
type fakeLister struct {
	nodes []ringproto.Identity
	err   error
}

func (f *fakeLister) QueryNodes(ringID string, selfID int, chordMode bool, alreadyConnected func(id int) bool) ([]ringproto.Identity, error) {
	return f.nodes, f.err
}

func TestDispatchExitTerminates(t *testing.T) {
	sh, _ := newTestShell()
	if !sh.Dispatch(Command{Kind: Exit}) {
		t.Fatalf("exit command should report terminate=true")
	}
}

func TestDispatchShowTopologyAlone(t *testing.T) {
	sh, buf := newTestShell()
	if sh.Dispatch(Command{Kind: ShowTopology}) {
		t.Fatalf("show topology should not terminate")
	}
	if buf.Len() == 0 {
		t.Fatalf("expected some topology output")
	}
}

func TestDispatchMessageToSelfFails(t *testing.T) {
	sh, buf := newTestShell()
	sh.Dispatch(Command{Kind: Message, TargetID: 1, Text: "hi"})
	if buf.Len() == 0 {
		t.Fatalf("expected a failure message for messaging self")
	}
}

func TestJoinWithEmptyNodeListJoinsAlone(t *testing.T) {
	sh, buf := newTestShellWithLister(&fakeLister{})
	if sh.Input("join abc 1") {
		t.Fatalf("join should not terminate")
	}
	if sh.r.State() != ring.Connected {
		t.Fatalf("expected Connected after joining an empty ring alone, got %v", sh.r.State())
	}
	if buf.Len() == 0 {
		t.Fatalf("expected some join feedback")
	}
}

func TestJoinWithCandidatesAwaitsSelectionThenSelects(t *testing.T) {
	nl := &fakeLister{nodes: []ringproto.Identity{{ID: 2, IP: "10.0.0.2", Port: "9002"}}}
	sh, _ := newTestShellWithLister(nl)
	if sh.Input("join abc 1") {
		t.Fatalf("join should not terminate")
	}
	if sh.r.State() != ring.AwaitingUserSelection {
		t.Fatalf("expected AwaitingUserSelection, got %v", sh.r.State())
	}
	if sh.awaiting != selectJoin {
		t.Fatalf("expected a pending join selection")
	}
	// fakeDialer always fails the connect, but the selection bookkeeping
	// itself must clear regardless of the dial outcome.
	sh.Input("2")
	if sh.awaiting != selectNone {
		t.Fatalf("selection should be consumed after one line")
	}
}

func TestJoinSelectionCancelsOnGarbageInput(t *testing.T) {
	nl := &fakeLister{nodes: []ringproto.Identity{{ID: 2, IP: "10.0.0.2", Port: "9002"}}}
	sh, buf := newTestShellWithLister(nl)
	sh.Input("join abc 1")
	sh.Input("not-a-number")
	if sh.awaiting != selectNone {
		t.Fatalf("expected the pending selection to be cleared")
	}
	if sh.r.State() != ring.Disconnected {
		t.Fatalf("expected a cancelled join to return to Disconnected, got %v", sh.r.State())
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a cancellation message")
	}
}

func TestJoinFailsWhenDirectoryTimesOut(t *testing.T) {
	sh, buf := newTestShellWithLister(&fakeLister{err: errors.New("boom")})
	sh.Input("join abc 1")
	if sh.r.State() != ring.Disconnected {
		t.Fatalf("expected a timed-out join to leave the ring Disconnected, got %v", sh.r.State())
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a failure message")
	}
}
