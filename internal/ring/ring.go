// Package ring implements the ring-membership state machine: join and
// leave procedures, entry insertion, successor/predecessor disconnect
// recovery, and chord establishment (spec.md §4.4). Grounded on
// original_source/ring.c and original_source/node-server.c, translated
// from a single-threaded C event loop into a set of methods an event
// loop (internal/eventloop) calls synchronously — no goroutine ever
// touches a Ring concurrently with another.
package ring

import (
	"errors"
	"fmt"
	"net"
	"time"

	"ringd/internal/logger"
	"ringd/internal/registry"
	"ringd/internal/ringproto"
	"ringd/internal/routing"
)

// State is one node of the ring-membership state machine (spec.md §4.4).
type State int

const (
	Disconnected State = iota
	AwaitingNodeList
	AwaitingUserSelection
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingNodeList:
		return "awaiting-node-list"
	case AwaitingUserSelection:
		return "awaiting-user-selection"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// defaultPredTimeout is how long a joining or recovering node waits for
// its predecessor to connect before giving up (spec.md §4.4), absent an
// override via SetPredecessorTimeout.
const defaultPredTimeout = 1 * time.Second

// pending tracks which directory node-list request (if any) this node is
// waiting on a user selection for. It is orthogonal to State: a chord
// request can be pending while State stays Connected.
type pending int

const (
	pendingNone pending = iota
	pendingJoin
	pendingChord
)

var (
	// ErrWrongState is returned when an operation is attempted in a
	// state (or pending-selection) it doesn't apply to.
	ErrWrongState = errors.New("ring: operation invalid in current state")
	// ErrAlreadyHasChord is returned by RequestChord when an outbound
	// chord already exists; at most one is allowed per node.
	ErrAlreadyHasChord = errors.New("ring: an outbound chord already exists")
	// ErrUnknownCandidate is returned when a selected id isn't in the
	// most recently received candidate list.
	ErrUnknownCandidate = errors.New("ring: selected id is not a known candidate")
	// ErrNoChordCandidates is returned by ReceiveNodeList when a chord
	// request's directory query came back empty.
	ErrNoChordCandidates = errors.New("ring: no nodes available to chord to")
)

// Dialer opens the outbound TCP connections a ring link requires.
// Abstracted so Ring can be driven in tests without a real network.
type Dialer interface {
	Dial(ip, port string) (net.Conn, error)
}

// Timer arms or cancels the event loop's single pending timeout.
// Only one timer is ever outstanding; arming replaces any previous one.
type Timer interface {
	Arm(d time.Duration, fn func())
	Cancel()
}

// Directory is the subset of the bootstrap directory client the ring
// state machine drives directly, on join success and on leave.
type Directory interface {
	Register(ringID string, self ringproto.Identity) error
	Deregister(ringID string, selfID int) error
}

// Telemetry receives purely observational notice of chat forwarding and
// routing-table changes (SPEC_FULL §4.9). It never influences protocol
// behavior — a nil Telemetry is replaced with a no-op implementation,
// the same pattern New uses for a nil logger.Logger.
type Telemetry interface {
	TraceForward(src, dst, neighborID, hops int)
	TracePathChange(recipientID, neighborID, hops int)
}

type noopTelemetry struct{}

func (noopTelemetry) TraceForward(src, dst, neighborID, hops int)   {}
func (noopTelemetry) TracePathChange(recipientID, neighborID, hops int) {}

// Ring owns one node's membership state: its identity, its successor
// and second-successor, the connection registry, and the routing
// engine whose announcements ring events trigger.
type Ring struct {
	log   logger.Logger
	reg   *registry.Registry
	rt    *routing.Engine
	dial  Dialer
	timer Timer
	dir   Directory
	tel   Telemetry

	predTimeout time.Duration

	self       ringproto.Identity
	succ       ringproto.Identity
	secondSucc ringproto.Identity
	state      State
	ringID     string

	awaitingSucc bool
	awaitingPred bool

	pending    pending
	candidates []ringproto.Identity

	onChat func(src int, text string)
}

// New constructs a Ring for selfID, not yet connected to anything.
func New(selfID int, selfIP, selfPort string, reg *registry.Registry, rt *routing.Engine, dial Dialer, timer Timer, dir Directory, tel Telemetry, log logger.Logger) *Ring {
	if log == nil {
		log = &logger.NopLogger{}
	}
	if tel == nil {
		tel = noopTelemetry{}
	}
	return &Ring{
		log:         log,
		reg:         reg,
		rt:          rt,
		dial:        dial,
		timer:       timer,
		dir:         dir,
		tel:         tel,
		predTimeout: defaultPredTimeout,
		self:        ringproto.Identity{ID: selfID, IP: selfIP, Port: selfPort},
		succ:        ringproto.Unknown(),
		secondSucc:  ringproto.Unknown(),
		state:       Disconnected,
	}
}

// SetPredecessorTimeout overrides the default 1-second predecessor-arrival
// wait (spec.md §4.4); d <= 0 is ignored. Intended for cmd/node to wire in
// cfg.Timeouts.Predecessor.
func (r *Ring) SetPredecessorTimeout(d time.Duration) {
	if d > 0 {
		r.predTimeout = d
	}
}

// SetChatHandler registers the callback invoked when a CHAT message
// addressed to this node arrives.
func (r *Ring) SetChatHandler(fn func(src int, text string)) { r.onChat = fn }

// State returns the current ring-membership state.
func (r *Ring) State() State { return r.state }

// Self returns this node's identity (its id may have changed during
// join-time collision resolution).
func (r *Ring) Self() ringproto.Identity { return r.self }

// Succ returns the current successor identity.
func (r *Ring) Succ() ringproto.Identity { return r.succ }

// SecondSucc returns the current second-successor identity.
func (r *Ring) SecondSucc() ringproto.Identity { return r.secondSucc }

// RingID returns the directory ring identifier, or "" if this node
// joined via direct join and is not registered with any directory.
func (r *Ring) RingID() string { return r.ringID }

// Candidates returns the most recently received node list awaiting a
// user's successor or chord-target selection.
func (r *Ring) Candidates() []ringproto.Identity { return r.candidates }

// Registry exposes the underlying connection table for introspection
// (show topology) by the shell layer.
func (r *Ring) Registry() *registry.Registry { return r.reg }

// Routing exposes the underlying routing engine for introspection
// (show routing, show path) by the shell layer.
func (r *Ring) Routing() *routing.Engine { return r.rt }

// ---- join / leave orchestration ----

// RequestJoin begins the AWAITING_NODE_LIST phase for a directory-backed
// join. The caller (internal/shell) is responsible for issuing the NODES
// query against the directory and feeding the result to ReceiveNodeList,
// or calling JoinTimedOut if the query times out.
func (r *Ring) RequestJoin(ringID string, selfID int) error {
	if r.state != Disconnected {
		return ErrWrongState
	}
	r.ringID = ringID
	r.self.ID = selfID
	r.pending = pendingJoin
	r.state = AwaitingNodeList
	return nil
}

// JoinTimedOut aborts a join whose directory query never answered
// (spec.md §4.3: "on timeout the operation is abandoned and leave_ring
// is invoked").
func (r *Ring) JoinTimedOut() {
	r.log.Info("timed out waiting for the directory's node list")
	r.LeaveRing()
}

// ReceiveNodeList feeds back a directory NODESLIST response, for
// whichever selection (join or chord) is currently pending.
func (r *Ring) ReceiveNodeList(nodes []ringproto.Identity) error {
	switch r.pending {
	case pendingJoin:
		return r.receiveJoinNodeList(nodes)
	case pendingChord:
		r.pending = pendingNone
		if len(nodes) == 0 {
			return ErrNoChordCandidates
		}
		r.candidates = nodes
		r.pending = pendingChord
		return nil
	default:
		return ErrWrongState
	}
}

func (r *Ring) receiveJoinNodeList(nodes []ringproto.Identity) error {
	if len(nodes) == 0 {
		r.log.Info("no other nodes in the ring; joining alone")
		r.rt.Reset()
		r.succ = r.self
		r.secondSucc = r.self
		r.pending = pendingNone
		r.onJoinEnd()
		return nil
	}
	if idInList(nodes, r.self.ID) {
		newID, ok := smallestUnusedID(nodes)
		if !ok {
			r.state = Disconnected
			r.pending = pendingNone
			return ringproto.ErrRingFull
		}
		r.log.Warn("node id already in use in this ring; picked a new one",
			logger.F("old_id", r.self.ID), logger.F("new_id", newID))
		r.self.ID = newID
	}
	r.candidates = nodes
	r.state = AwaitingUserSelection
	return nil
}

// SelectSuccessor completes a pending join by connecting to the chosen
// candidate as successor.
func (r *Ring) SelectSuccessor(id int) error {
	if r.state != AwaitingUserSelection || r.pending != pendingJoin {
		return ErrWrongState
	}
	cand, ok := findCandidate(r.candidates, id)
	if !ok {
		r.state = Disconnected
		r.pending = pendingNone
		return ErrUnknownCandidate
	}
	r.pending = pendingNone
	r.succ = cand
	return r.joinRing()
}

// CancelJoinSelection aborts a pending join because the user typed an
// invalid or canceling input while a successor selection was pending.
func (r *Ring) CancelJoinSelection() {
	if r.state == AwaitingUserSelection {
		r.state = Disconnected
	}
	r.pending = pendingNone
}

// DirectJoin implements the "dj" command: no directory interaction, and
// a successor equal to self initializes a standalone one-node ring.
func (r *Ring) DirectJoin(selfID int, succ ringproto.Identity) error {
	if r.state != Disconnected {
		return ErrWrongState
	}
	r.ringID = ""
	r.self.ID = selfID
	if succ.ID == selfID {
		r.rt.Reset()
		r.succ = r.self
		r.secondSucc = r.self
		r.state = Connected
		r.awaitingPred = false
		r.awaitingSucc = false
		r.log.Info("initialized a standalone ring without directory registration", logger.F("id", selfID))
		return nil
	}
	r.log.Info("joining directly without directory registration", logger.F("id", selfID), logger.F("successor", succ.ID))
	r.succ = succ
	return r.joinRing()
}

func (r *Ring) joinRing() error {
	r.rt.Reset()
	r.state = Connecting
	r.awaitingSucc = true
	r.awaitingPred = true

	succConn, err := r.connectAndRegister(r.succ, registry.RoleSuccessor)
	if err != nil {
		r.log.Info("join procedure aborted: could not connect to the successor", logger.F("error", err))
		r.LeaveRing()
		return err
	}
	if err := succConn.Send(ringproto.Entry{ID: r.self.ID, IP: r.self.IP, Port: r.self.Port}); err != nil {
		return err
	}
	if err := r.sendRoutingTable(succConn); err != nil {
		return err
	}
	r.timer.Arm(r.predTimeout, func() {
		r.log.Info("the predecessor took too long to connect; left the ring")
		r.LeaveRing()
	})
	r.log.Info("connected to the successor and sent the entry request")
	return nil
}

func (r *Ring) onJoinEnd() {
	r.state = Connected
	r.log.Info("join successful; now part of the ring")
	if r.ringID != "" {
		if err := r.dir.Register(r.ringID, r.self); err != nil {
			r.log.Warn("failed to register with the directory", logger.F("error", err))
		}
	}
}

// LeaveRing tears down every connection and returns to Disconnected
// (spec.md §4.4, "Any state → DISCONNECTED via leave").
func (r *Ring) LeaveRing() {
	if r.state == Connected && r.ringID != "" {
		if err := r.dir.Deregister(r.ringID, r.self.ID); err != nil {
			r.log.Warn("failed to deregister from the directory", logger.F("error", err))
		}
	}
	for _, c := range r.reg.All() {
		r.reg.Close(c.Slot())
	}
	r.rt.Reset()
	r.timer.Cancel()
	r.state = Disconnected
	r.pending = pendingNone
	r.succ = ringproto.Unknown()
	r.secondSucc = ringproto.Unknown()
}

// ---- chords ----

// RequestChord begins a chord-target selection: the caller queries the
// directory in chord-filter mode and feeds the result to ReceiveNodeList.
func (r *Ring) RequestChord() error {
	if r.state != Connected {
		return ErrWrongState
	}
	if _, ok := r.reg.OutboundChord(); ok {
		return ErrAlreadyHasChord
	}
	r.pending = pendingChord
	return nil
}

// SelectChordTarget completes a pending chord request.
func (r *Ring) SelectChordTarget(id int) error {
	if r.pending != pendingChord {
		return ErrWrongState
	}
	r.pending = pendingNone
	if id == r.self.ID {
		return ErrUnknownCandidate
	}
	cand, ok := findCandidate(r.candidates, id)
	if !ok {
		return ErrUnknownCandidate
	}
	return r.CreateOutboundChord(cand)
}

// CreateOutboundChord dials node, announces CHORD, and sends the full
// routing table (spec.md §4.4, "Chords").
func (r *Ring) CreateOutboundChord(node ringproto.Identity) error {
	conn, err := r.connectAndRegister(node, registry.RoleOutboundChord)
	if err != nil {
		r.log.Info("chord connection procedure aborted", logger.F("error", err))
		return err
	}
	if err := conn.Send(ringproto.Chord{ID: r.self.ID}); err != nil {
		return err
	}
	if err := r.sendRoutingTable(conn); err != nil {
		return err
	}
	r.log.Info("established outbound chord", logger.F("node_id", node.ID))
	return nil
}

// RemoveOutboundChord closes the outbound chord, if one exists.
func (r *Ring) RemoveOutboundChord() error {
	conn, ok := r.reg.OutboundChord()
	if !ok {
		return errors.New("ring: no outbound chord to remove")
	}
	id := conn.PeerID
	r.reg.Close(conn.Slot())
	r.removeNeighborIfUnreachable(id)
	return nil
}

// ---- inbound message dispatch ----

// HandleMessage routes one parsed inbound line to the handler for
// conn's role (spec.md §4.6).
func (r *Ring) HandleMessage(conn *registry.Conn, msg ringproto.Message) {
	switch conn.Role {
	case registry.RoleNewNode:
		r.fromNewNode(conn, msg)
	case registry.RolePredecessor:
		r.fromPred(conn, msg)
	case registry.RoleSuccessor:
		r.fromSucc(conn, msg)
	default:
		r.fromChord(conn, msg)
	}
}

func (r *Ring) fromNewNode(conn *registry.Conn, msg ringproto.Message) {
	switch m := msg.(type) {
	case ringproto.Entry:
		r.newNodeEntry(conn, m)
	case ringproto.Pred:
		r.newNodePred(conn, m)
	case ringproto.Chord:
		r.newNodeChord(conn, m)
	default:
		r.log.Warn("received malformed message from an unclassified connection")
	}
}

func (r *Ring) newNodeEntry(conn *registry.Conn, m ringproto.Entry) {
	alone := r.state == Connected && r.succ.Equal(r.self)
	switch {
	case r.state == Disconnected:
		r.log.Info("another node tried to join using us as its successor, but we're not in a ring")
		r.reg.Close(conn.Slot())
	case alone:
		if m.ID == r.self.ID {
			r.log.Info("another node tried to join with the same id as us")
			r.reg.Close(conn.Slot())
			return
		}
		conn.PeerID = m.ID
		r.succ = ringproto.Identity{ID: m.ID, IP: m.IP, Port: m.Port}
		r.secondSucc = r.self
		if err := conn.Send(ringproto.Succ{ID: r.succ.ID, IP: r.succ.IP, Port: r.succ.Port}); err != nil {
			return
		}
		succConn, err := r.connectAndRegister(r.succ, registry.RoleSuccessor)
		if err != nil {
			r.log.Info("couldn't connect to the joining node; left the ring")
			r.LeaveRing()
			return
		}
		if err := succConn.Send(ringproto.Pred{ID: r.self.ID}); err != nil {
			return
		}
		if err := r.sendRoutingTable(succConn); err != nil {
			return
		}
		r.reg.SetRole(conn, registry.RolePredecessor)
	case r.state == Connected:
		if _, already := r.reg.FindByNodeID(m.ID); m.ID == r.self.ID || already {
			r.log.Info("another node tried to join with an id already in use")
			r.reg.Close(conn.Slot())
			return
		}
		oldSucc := r.succ
		// Our predecessor's second_succ becomes our new succ, the same
		// update fromSucc's own Succ case applies when a successor
		// changes underneath it.
		if predConn, hasPred := r.reg.Predecessor(); hasPred {
			if err := predConn.Send(ringproto.Succ{ID: m.ID, IP: m.IP, Port: m.Port}); err != nil {
				return
			}
		}
		// The entrant dialed us treating this link as its own successor
		// connection, so handing it our old successor here lands at the
		// entrant's end through fromSucc's own entry-insertion case,
		// which redirects the entrant onto our old successor the same
		// way we're about to redirect onto the entrant below.
		if err := conn.Send(ringproto.Entry{ID: oldSucc.ID, IP: oldSucc.IP, Port: oldSucc.Port}); err != nil {
			return
		}
		r.reg.Close(conn.Slot())
		if oldSuccConn, ok := r.reg.Successor(); ok {
			oldSuccID := oldSuccConn.PeerID
			r.reg.Close(oldSuccConn.Slot())
			r.removeNeighborIfUnreachable(oldSuccID)
		}
		r.secondSucc = oldSucc
		r.succ = ringproto.Identity{ID: m.ID, IP: m.IP, Port: m.Port}
		newSucc, err := r.connectAndRegister(r.succ, registry.RoleSuccessor)
		if err != nil {
			r.log.Info("couldn't connect to the node entering the ring; left the ring")
			r.LeaveRing()
			return
		}
		if err := newSucc.Send(ringproto.Pred{ID: r.self.ID}); err != nil {
			return
		}
		r.sendRoutingTable(newSucc)
	default:
		r.log.Info("received an entry request while still connecting; closing the connection")
		r.reg.Close(conn.Slot())
	}
}

func (r *Ring) newNodePred(conn *registry.Conn, m ringproto.Pred) {
	if r.state == Disconnected {
		r.log.Warn("received a predecessor connection while disconnected; closing")
		r.reg.Close(conn.Slot())
		return
	}
	if predConn, ok := r.reg.Predecessor(); ok {
		r.log.Info("closing the old predecessor connection in favor of the new one")
		r.reg.Close(predConn.Slot())
	}
	if existing, ok := r.reg.FindByNodeID(m.ID); ok && isChord(r.reg, existing) {
		r.log.Debug("closing degenerate chord with the new predecessor")
		r.reg.Close(existing.Slot())
		r.removeNeighborIfUnreachable(m.ID)
	}
	conn.PeerID = m.ID
	r.reg.SetRole(conn, registry.RolePredecessor)
	r.timer.Cancel()
	if err := conn.Send(ringproto.Succ{ID: r.succ.ID, IP: r.succ.IP, Port: r.succ.Port}); err != nil {
		return
	}
	if err := r.sendRoutingTable(conn); err != nil {
		return
	}
	r.awaitingPred = false
	if r.state == Connecting && !r.awaitingSucc {
		r.onJoinEnd()
	}
}

func (r *Ring) newNodeChord(conn *registry.Conn, m ringproto.Chord) {
	if _, ok := r.reg.FindByNodeID(m.ID); ok {
		r.log.Warn("rejected an inbound chord request from an already-connected node", logger.F("node_id", m.ID))
		r.reg.Close(conn.Slot())
		return
	}
	conn.PeerID = m.ID
	if err := r.sendRoutingTable(conn); err != nil {
		return
	}
	r.reg.SetRole(conn, registry.RoleInboundChord)
}

func (r *Ring) fromPred(conn *registry.Conn, msg ringproto.Message) {
	if _, ok := msg.(ringproto.Entry); ok && r.state == Connecting {
		r.log.Warn("received an entry request from our predecessor; likely a self-connection, aborting")
		r.LeaveRing()
		return
	}
	if !r.fromAny(conn, msg) {
		r.log.Warn("received malformed message from the predecessor")
	}
}

func (r *Ring) fromSucc(conn *registry.Conn, msg ringproto.Message) {
	switch m := msg.(type) {
	case ringproto.Succ:
		if m.ID == r.succ.ID {
			r.log.Warn("successor claimed to be its own successor; ignoring")
			return
		}
		r.secondSucc = ringproto.Identity{ID: m.ID, IP: m.IP, Port: m.Port}
		r.awaitingSucc = false
		if r.state == Connecting {
			if !r.awaitingPred {
				r.onJoinEnd()
			}
		} else if r.state != Connected {
			r.log.Warn("received unexpected successor message")
		}
	case ringproto.Entry:
		_, alreadyConnected := r.reg.FindByNodeID(m.ID)
		if m.ID == r.self.ID || m.ID == r.secondSucc.ID || alreadyConnected {
			r.log.Warn("currently-used node id in entry request; leaving the ring")
			r.LeaveRing()
			return
		}
		predConn, hasPred := r.reg.Predecessor()
		if hasPred {
			if err := predConn.Send(ringproto.Succ{ID: m.ID, IP: m.IP, Port: m.Port}); err != nil {
				return
			}
		}
		oldSuccID := conn.PeerID
		r.reg.Close(conn.Slot())
		r.removeNeighborIfUnreachable(oldSuccID)
		r.secondSucc = r.succ
		r.succ = ringproto.Identity{ID: m.ID, IP: m.IP, Port: m.Port}
		newSucc, err := r.connectAndRegister(r.succ, registry.RoleSuccessor)
		if err != nil {
			r.log.Info("couldn't connect to the node joining the ring; left the ring")
			r.LeaveRing()
			return
		}
		if err := newSucc.Send(ringproto.Pred{ID: r.self.ID}); err != nil {
			return
		}
		r.sendRoutingTable(newSucc)
	default:
		if !r.fromAny(conn, msg) {
			r.log.Warn("received malformed message from the successor")
		}
	}
}

func (r *Ring) fromChord(conn *registry.Conn, msg ringproto.Message) {
	if !r.fromAny(conn, msg) {
		r.log.Warn("received malformed message from a chord peer", logger.F("node_id", conn.PeerID))
	}
}

// fromAny handles the messages valid from any classified peer: ROUTE
// and CHAT (spec.md §4.6's "common path"). It reports whether msg was
// one of those — callers fall back to a role-specific malformed-message
// warning otherwise.
func (r *Ring) fromAny(conn *registry.Conn, msg ringproto.Message) bool {
	switch m := msg.(type) {
	case ringproto.Route:
		if m.NeighborID == r.self.ID {
			r.log.Warn("a neighbor announced a route using our own id; ignoring")
			return true
		}
		if m.NeighborID != conn.PeerID {
			r.log.Warn("route message's neighbor id doesn't match the connection's identity; ignoring")
			return true
		}
		announce, ignored := r.rt.ApplyRoute(m.NeighborID, m.RecipientID, m.HasPath, m.Nodes)
		if ignored {
			return true
		}
		if announce {
			r.announceRecipient(m.RecipientID)
		}
		return true
	case ringproto.Chat:
		if m.Dst == r.self.ID {
			if r.onChat != nil {
				r.onChat(m.Src, m.Text)
			}
			return true
		}
		r.forwardChat(m.Src, m.Dst, m.Text)
		return true
	default:
		return false
	}
}

// forwardChat looks up the next hop toward dst and forwards text,
// shared by messages arriving from a peer (fromAny) and messages
// originated locally (SendChat).
func (r *Ring) forwardChat(src, dst int, text string) {
	neighborID, ok := r.rt.Forward(dst)
	if !ok {
		r.log.Warn("no known route to the recipient; dropping the chat message", logger.F("recipient", dst))
		return
	}
	target, ok := r.reg.FindByNodeID(neighborID)
	if !ok {
		r.log.Warn("forwarding neighbor's connection is gone; dropping the chat message")
		return
	}
	if err := target.Send(ringproto.Chat{Src: src, Dst: dst, Text: text}); err != nil {
		r.log.Debug("write failed while forwarding a chat message")
		return
	}
	hops := ringproto.InvalidHops
	if path, ok := r.rt.ChosenPath(dst); ok {
		hops = path.Hops
	}
	r.tel.TraceForward(src, dst, neighborID, hops)
}

// SendChat originates a chat message from this node to dst, per the
// "message <id> <text>" command (spec.md §6). dst == self is refused as
// a user-recoverable error rather than silently looping it back.
func (r *Ring) SendChat(dst int, text string) error {
	if dst == r.self.ID {
		return fmt.Errorf("ring: cannot message self")
	}
	r.forwardChat(r.self.ID, dst, text)
	return nil
}

func (r *Ring) announceRecipient(recipientID int) {
	route := r.rt.RouteFor(recipientID)
	for _, c := range r.reg.All() {
		if err := c.Send(route); err != nil {
			r.log.Debug("write failed while re-announcing a route; will be reaped on the next broken-socket check")
		}
	}
	if neighborID, ok := r.rt.Forward(recipientID); ok {
		hops := ringproto.InvalidHops
		if path, ok := r.rt.ChosenPath(recipientID); ok {
			hops = path.Hops
		}
		r.tel.TracePathChange(recipientID, neighborID, hops)
	}
}

// ---- broken-socket recovery ----

// HandleBrokenSocket reacts to a peer closing its side of a connection
// (spec.md §4.4's disconnect paragraphs). conn is still open in the
// registry when this is called, so the role-specific recovery logic
// below can still read its fields; HandleBrokenSocket closes the slot
// and reaps its routing neighbor itself once that logic returns.
func (r *Ring) HandleBrokenSocket(conn *registry.Conn) {
	switch conn.Role {
	case registry.RoleNewNode:
		r.log.Info("the new client connection closed before completing its handshake")
	case registry.RolePredecessor:
		r.brokenPred()
	case registry.RoleSuccessor:
		r.brokenSucc()
	default:
		r.log.Info("chord connection closed", logger.F("node_id", conn.PeerID))
	}
	peerID := conn.PeerID
	r.reg.Close(conn.Slot())
	r.removeNeighborIfUnreachable(peerID)
}

func (r *Ring) brokenPred() {
	if r.state != Connected {
		r.log.Info("the predecessor closed the connection before we finished joining; aborting")
		r.LeaveRing()
		return
	}
	if r.self.ID == r.secondSucc.ID {
		r.log.Info("the predecessor left; we are now alone in the ring")
		return
	}
	r.log.Info("the predecessor left; awaiting a new predecessor connection")
	r.timer.Arm(r.predTimeout, func() {
		r.log.Info("the predecessor took too long to reconnect; left the ring")
		r.LeaveRing()
	})
}

func (r *Ring) brokenSucc() {
	if r.state != Connected {
		r.log.Info("the successor closed the connection before we finished joining; aborting")
		r.LeaveRing()
		return
	}
	r.awaitingSucc = true
	r.succ = r.secondSucc
	if r.succ.ID == r.self.ID {
		r.log.Info("the other node left; we are now alone in the ring")
		return
	}
	predConn, ok := r.reg.Predecessor()
	if !ok || predConn.PeerID == ringproto.NoID {
		r.log.Info("the successor left while we awaited a new predecessor; left the ring")
		r.LeaveRing()
		return
	}
	if err := predConn.Send(ringproto.Succ{ID: r.succ.ID, IP: r.succ.IP, Port: r.succ.Port}); err != nil {
		return
	}
	if existing, ok := r.reg.FindByNodeID(r.succ.ID); ok && isChord(r.reg, existing) {
		r.log.Debug("closing degenerate chord with the new successor")
		r.reg.Close(existing.Slot())
		r.removeNeighborIfUnreachable(r.succ.ID)
	}
	newSucc, err := r.connectAndRegister(r.succ, registry.RoleSuccessor)
	if err != nil {
		r.log.Info("couldn't connect to the new successor; left the ring")
		r.LeaveRing()
		return
	}
	if err := newSucc.Send(ringproto.Pred{ID: r.self.ID}); err != nil {
		return
	}
	r.sendRoutingTable(newSucc)
}

// ---- shared helpers ----

func isChord(reg *registry.Registry, c *registry.Conn) bool {
	if out, ok := reg.OutboundChord(); ok && out == c {
		return true
	}
	return reg.IsInboundChord(c)
}

func (r *Ring) removeNeighborIfUnreachable(id int) {
	if id == ringproto.NoID {
		return
	}
	if _, ok := r.reg.FindByNodeID(id); ok {
		return
	}
	for _, ann := range r.rt.RemoveNeighbor(id) {
		r.announceRecipient(ann.RecipientID)
	}
}

func (r *Ring) connectAndRegister(id ringproto.Identity, role registry.Role) (*registry.Conn, error) {
	nc, err := r.dial.Dial(id.IP, id.Port)
	if err != nil {
		return nil, fmt.Errorf("ring: dial %s:%s: %w", id.IP, id.Port, err)
	}
	c, err := r.reg.Add(nc, id.IP)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.PeerID = id.ID
	c.PeerPort = id.Port
	r.reg.SetRole(c, role)
	return c, nil
}

func (r *Ring) sendRoutingTable(conn *registry.Conn) error {
	if err := conn.Send(r.rt.SelfAnnouncement()); err != nil {
		return err
	}
	for _, route := range r.rt.FullTable() {
		if err := conn.Send(route); err != nil {
			return err
		}
	}
	return nil
}

func idInList(nodes []ringproto.Identity, id int) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func findCandidate(nodes []ringproto.Identity, id int) (ringproto.Identity, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return ringproto.Identity{}, false
}

// smallestUnusedID picks the smallest id in [0, MaxNodeID] not present
// in nodes (spec.md §4.4, "join-time id collision").
func smallestUnusedID(nodes []ringproto.Identity) (int, bool) {
	for candidate := 0; candidate <= ringproto.MaxNodeID; candidate++ {
		if !idInList(nodes, candidate) {
			return candidate, true
		}
	}
	return 0, false
}
