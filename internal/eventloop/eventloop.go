// Package eventloop realizes spec.md §5's single-threaded "select over
// stdin, the listening socket, and every peer connection, plus one
// timer" as a fan-in channel reactor. A dedicated goroutine per I/O
// source — the stdin prompt, the listener's Accept loop, and one per
// peer connection — does blocking I/O and pushes framed events onto a
// channel; these goroutines hold no protocol state. Loop.Run is the
// only goroutine that ever touches the Ring, the routing Engine, or the
// connection Registry, preserving the original single-threaded
// semantics exactly. Grounded on original_source/node-server.c's
// select() loop, translated one fd-class at a time.
package eventloop

import (
	"net"
	"time"

	"ringd/internal/dispatch"
	"ringd/internal/lineframe"
	"ringd/internal/logger"
	"ringd/internal/registry"
	"ringd/internal/ringproto"
	"ringd/internal/shell"

	"github.com/peterh/liner"
)

// Timer is the event loop's single pending timeout (spec.md §5: "at
// most one timer is ever outstanding; arming a new one replaces it").
// It satisfies ring.Timer. The zero value is ready to use; Timer is
// only ever touched from the Loop goroutine, so it needs no locking.
type Timer struct {
	t  *time.Timer
	fn func()
}

// Arm schedules fn to run after d, discarding any previously armed
// callback. The teacher's fault-tolerance timers use the same
// stop-before-replace idiom (internal/bootstrap/register's retry timer).
func (tm *Timer) Arm(d time.Duration, fn func()) {
	tm.stop()
	tm.fn = fn
	tm.t = time.NewTimer(d)
}

// Cancel disarms the timer without invoking its callback.
func (tm *Timer) Cancel() {
	tm.stop()
	tm.fn = nil
}

func (tm *Timer) stop() {
	if tm.t == nil {
		return
	}
	if !tm.t.Stop() {
		select {
		case <-tm.t.C:
		default:
		}
	}
	tm.t = nil
}

// C returns the timer's fire channel, or nil (which blocks forever in a
// select) when no timer is armed — the idiomatic Go spelling of "this
// fd is not in the select set."
func (tm *Timer) C() <-chan time.Time {
	if tm.t == nil {
		return nil
	}
	return tm.t.C
}

// Fire invokes and clears the armed callback. Call this only after a
// receive from C() has returned.
func (tm *Timer) Fire() {
	fn := tm.fn
	tm.t = nil
	tm.fn = nil
	if fn != nil {
		fn()
	}
}

// NetDialer opens outbound peer links with a bounded connect timeout,
// satisfying ring.Dialer.
type NetDialer struct {
	Timeout time.Duration
}

// Dial connects to ip:port over TCP, matching original_source's
// outbound-connection timeout on join/chord/direct-join.
func (d NetDialer) Dial(ip, port string) (net.Conn, error) {
	return net.DialTimeout("tcp4", net.JoinHostPort(ip, port), d.Timeout)
}

// peerEvent is one pump goroutine's report about a single peer
// connection, keyed by the raw net.Conn since the registry.Conn wrapper
// may not exist yet (an outbound dial's pump starts before Ring adds
// the connection to the registry).
type peerEvent struct {
	kind peerEventKind
	conn net.Conn
	line string
}

type peerEventKind int

const (
	peerLine peerEventKind = iota
	peerOverflow
	peerClosed
)

type stdinEvent struct {
	line   string
	closed bool
}

// Loop wires a Ring's dispatcher and shell surface to the operating
// system: a listener, stdin, and the connections the ring dials or
// accepts over the connection's lifetime.
type Loop struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	sh   *shell.Shell
	log  logger.Logger

	listener net.Listener
	timer    *Timer

	peerEvents chan peerEvent
	acceptConn chan net.Conn
	acceptDone chan struct{}
	stdinCh    chan stdinEvent
}

// New returns a Loop ready to Run. listener is the already-bound TCP
// socket the node accepts inbound peer connections on; timer must be
// the same *Timer instance passed to ring.New as the ring.Timer.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, sh *shell.Shell, listener net.Listener, timer *Timer, log logger.Logger) *Loop {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Loop{
		reg:        reg,
		disp:       disp,
		sh:         sh,
		log:        log,
		listener:   listener,
		timer:      timer,
		peerEvents: make(chan peerEvent, 64),
		acceptConn: make(chan net.Conn, 4),
		acceptDone: make(chan struct{}),
		stdinCh:    make(chan stdinEvent, 16),
	}
}

// InjectLine feeds line into the loop as if it had been typed at the
// prompt, for cmd/node's "-x" startup command. Safe to call before Run
// starts the stdin pump, since stdinCh is buffered.
func (l *Loop) InjectLine(line string) {
	l.stdinCh <- stdinEvent{line: line}
}

// WatchConn starts a pump goroutine framing lines out of conn and
// reporting them to Run. Called by internal/node for both inbound
// (accepted) and outbound (ring-dialed) connections — a pump has no
// notion of which direction its socket came from.
func (l *Loop) WatchConn(conn net.Conn) {
	go l.pumpPeer(conn)
}

func (l *Loop) pumpPeer(conn net.Conn) {
	r := lineframe.New(conn, ringproto.MaxMessageSize, func(line string) {
		l.peerEvents <- peerEvent{kind: peerLine, conn: conn, line: line}
	})
	for {
		switch r.ReadOnce() {
		case lineframe.OK:
			continue
		case lineframe.Overflow:
			l.peerEvents <- peerEvent{kind: peerOverflow, conn: conn}
		case lineframe.End, lineframe.Error:
			l.peerEvents <- peerEvent{kind: peerClosed, conn: conn}
			return
		}
	}
}

func (l *Loop) pumpAccept() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			close(l.acceptDone)
			return
		}
		l.acceptConn <- conn
	}
}

// pumpStdin reads operator commands with line-editing and history,
// grounded on the teacher's cmd/client REPL — but here the prompt's
// result is just another framed event handed to Run, not a loop of its
// own driving ring calls directly.
func (l *Loop) pumpStdin() {
	lr := liner.NewLiner()
	defer lr.Close()
	lr.SetCtrlCAborts(true)
	for {
		input, err := lr.Prompt("ringd> ")
		if err != nil {
			l.stdinCh <- stdinEvent{closed: true}
			return
		}
		lr.AppendHistory(input)
		l.stdinCh <- stdinEvent{line: input}
	}
}

// Run starts the pump goroutines and processes events until stdin
// closes or a command requests exit, matching spec.md §6's
// exit-code-0 path. It never returns early on a peer error: broken
// sockets are routed through the ring's recovery path, not treated as
// loop termination.
func (l *Loop) Run() {
	go l.pumpStdin()
	go l.pumpAccept()

	for {
		if l.tick() {
			return
		}
	}
}

// tick services exactly one event in spec.md §5's fixed priority order
// (an expired timer, then stdin, then accepted connections, then peer
// traffic), falling
// through to a blocking select across every source plus the timer only
// when nothing is immediately ready. It reports whether Run should
// stop.
func (l *Loop) tick() bool {
	select {
	case <-l.timerC():
		l.timer.Fire()
		return false
	default:
	}

	select {
	case ev := <-l.stdinCh:
		return l.handleStdin(ev)
	default:
	}

	select {
	case conn := <-l.acceptConn:
		l.handleAccept(conn)
		return false
	case <-l.acceptDone:
		l.log.Error("listener closed unexpectedly")
		return true
	default:
	}

	select {
	case ev := <-l.peerEvents:
		l.handlePeer(ev)
		return false
	default:
	}

	select {
	case <-l.timerC():
		l.timer.Fire()
	case ev := <-l.stdinCh:
		return l.handleStdin(ev)
	case conn := <-l.acceptConn:
		l.handleAccept(conn)
	case <-l.acceptDone:
		l.log.Error("listener closed unexpectedly")
		return true
	case ev := <-l.peerEvents:
		l.handlePeer(ev)
	}
	return false
}

func (l *Loop) timerC() <-chan time.Time {
	if l.timer == nil {
		return nil
	}
	return l.timer.C()
}

func (l *Loop) handleStdin(ev stdinEvent) bool {
	if ev.closed {
		return true
	}
	return l.sh.Input(ev.line)
}

// handleAccept admits a freshly accepted socket as the registry's
// in-progress new-node connection, or rejects it outright when one is
// already pending — spec.md §4.3's "only one at a time" invariant.
func (l *Loop) handleAccept(conn net.Conn) {
	if _, pending := l.reg.NewNode(); pending {
		l.log.Warn("rejecting inbound connection, a new-node handshake is already pending",
			logger.F("remote", conn.RemoteAddr().String()))
		_ = conn.Close()
		return
	}
	peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	c, err := l.reg.Add(conn, peerIP)
	if err != nil {
		l.log.Warn("rejecting inbound connection, registry full", logger.F("err", err.Error()))
		_ = conn.Close()
		return
	}
	l.reg.SetRole(c, registry.RoleNewNode)
	l.WatchConn(conn)
}

func (l *Loop) handlePeer(ev peerEvent) {
	conn, ok := l.reg.FindByNet(ev.conn)
	if !ok {
		// The connection was already reaped (e.g. a broken-socket
		// recovery closed it before this pump's next event arrived).
		return
	}
	switch ev.kind {
	case peerLine:
		l.disp.Line(conn, ev.line)
	case peerOverflow:
		l.disp.Overflow(conn)
	case peerClosed:
		l.disp.Closed(conn)
	}
}

// Close tears down the listener, ending the accept pump.
func (l *Loop) Close() error {
	return l.listener.Close()
}
