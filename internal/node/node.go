// Package node wires together a single running ringd process: the Ring
// state machine, its connection Registry and routing Engine, the
// event-loop reactor that drives them from the network and stdin, and
// the directory client that gives the ring a place to join through.
// Grounded on the teacher's internal/node/node.go, generalized from a
// single *routingtable.RoutingTable wrapper to the full set of
// collaborators this protocol's Ring needs.
package node

import (
	"fmt"
	"net"
	"os"
	"time"

	"ringd/internal/dispatch"
	"ringd/internal/eventloop"
	"ringd/internal/logger"
	"ringd/internal/registry"
	"ringd/internal/ring"
	"ringd/internal/routing"
	"ringd/internal/shell"
)

// Directory is the subset of a bootstrap directory backend (UDP or
// Route53) node.New needs: it satisfies both ring.Directory and
// shell.NodeLister, so callers construct one concrete client and pass
// it here once.
type Directory interface {
	ring.Directory
	shell.NodeLister
}

// watchingDialer decorates a plain TCP dialer so every outbound
// connection it opens is immediately handed to the event loop's pump,
// the same way an inbound accept is. The Loop field is set after New
// constructs the Loop, since the Loop itself depends on a Ring that
// depends on this Dialer — the two can't be built in strict dependency
// order, so the wiring is resolved with one field assigned late rather
// than restructuring either package around the cycle.
type watchingDialer struct {
	inner eventloop.NetDialer
	loop  *eventloop.Loop
}

func (d *watchingDialer) Dial(ip, port string) (net.Conn, error) {
	conn, err := d.inner.Dial(ip, port)
	if err != nil {
		return nil, err
	}
	d.loop.WatchConn(conn)
	return conn, nil
}

// Node owns every collaborator a running ringd process needs and the
// Loop that drives them.
type Node struct {
	Ring *ring.Ring
	Loop *eventloop.Loop
}

// New assembles a Node: selfID/selfIP/selfPort/listener identify this
// process on the network; dir is the bootstrap directory backend;
// connectTimeout bounds outbound dials; tel is optional observational
// telemetry (nil is fine, ring.New substitutes a no-op); log is the
// structured logger every collaborator is named under.
func New(selfID int, selfIP, selfPort string, listener net.Listener, dir Directory, connectTimeout time.Duration, tel ring.Telemetry, log logger.Logger) *Node {
	if log == nil {
		log = &logger.NopLogger{}
	}

	reg := registry.New()
	rt := routing.New(selfID)
	timer := &eventloop.Timer{}
	dial := &watchingDialer{inner: eventloop.NetDialer{Timeout: connectTimeout}}

	r := ring.New(selfID, selfIP, selfPort, reg, rt, dial, timer, dir, tel, log.Named("ring"))
	r.SetChatHandler(func(src int, text string) {
		fmt.Fprintf(os.Stdout, "Node %d said: \"%s\"\n", src, text)
	})
	disp := dispatch.New(r, log.Named("dispatch"))
	sh := shell.New(r, dir, os.Stdout)

	loop := eventloop.New(reg, disp, sh, listener, timer, log.Named("eventloop"))
	dial.loop = loop

	return &Node{Ring: r, Loop: loop}
}

// Run starts the event loop and blocks until stdin closes or a command
// requests exit.
func (n *Node) Run() {
	n.Loop.Run()
}

// Close tears down the node's listening socket.
func (n *Node) Close() error {
	return n.Loop.Close()
}
