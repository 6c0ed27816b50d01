// Package routing implements the distance-vector routing engine: the
// per-recipient × per-neighbor routing matrix, the derived forwarding
// table, path propagation on link up/down, and path announcements
// (spec.md §4.5). It is deliberately free of any net.Conn or registry
// dependency so it can be fuzzed and property-tested in isolation;
// callers (internal/ring, internal/dispatch) own the connections and
// decide how to deliver the ringproto.Route lines this package produces.
package routing

import (
	"ringd/internal/ringproto"
)

// Path is a hop_count/nodes pair. Hops == ringproto.InvalidHops marks "no
// path"; Hops == 0 means the neighbor is a direct link to the recipient.
// Nodes holds only the intermediate hops, excluding both endpoints.
type Path struct {
	Hops  int
	Nodes []int
}

// Valid reports whether this Path denotes an actual, usable route.
func (p Path) Valid() bool { return p.Hops != ringproto.InvalidHops }

func invalidPath() Path { return Path{Hops: ringproto.InvalidHops} }

func (p Path) equal(o Path) bool {
	if p.Hops != o.Hops {
		return false
	}
	if len(p.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range p.Nodes {
		if p.Nodes[i] != o.Nodes[i] {
			return false
		}
	}
	return true
}

// pathFromRouteNodes converts a ROUTE message's full node list (endpoints
// included) into a Path (endpoints excluded). A one-element list (the
// self-announcement "ROUTE id id id", whose dash-path is just "id")
// denotes neighbor==recipient with zero intervening hops.
func pathFromRouteNodes(nodes []int) Path {
	if len(nodes) <= 1 {
		return Path{Hops: 0}
	}
	inter := nodes[1 : len(nodes)-1]
	out := make([]int, len(inter))
	copy(out, inter)
	return Path{Hops: len(out), Nodes: out}
}

func containsID(nodes []int, id int) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

// Announcement is a pending (recipient, path) change that must be
// re-announced to every currently connected peer.
type Announcement struct {
	RecipientID int
	Path        Path // Valid() == false means path-absent
}

// Engine owns one node's routing matrix (spec.md §3's "Routing table").
// The zero value is not usable; construct with New.
type Engine struct {
	self int

	recipientIDs [ringproto.MaxRecipients]int
	neighborIDs  [ringproto.MaxNeighbors]int
	table        [ringproto.MaxRecipients][ringproto.MaxNeighbors]Path
	forwarding   [ringproto.MaxRecipients]int
}

// New creates an Engine for the given local node id with every slot
// free and every table entry invalid.
func New(self int) *Engine {
	e := &Engine{self: self}
	e.Reset()
	return e
}

// Reset clears every slot back to empty — used when a node re-joins the
// ring and must discard its previous routing view (spec.md §4.4:
// "Routing tables are (re)initialized at each join").
func (e *Engine) Reset() {
	for i := range e.recipientIDs {
		e.recipientIDs[i] = ringproto.NoID
	}
	for i := range e.neighborIDs {
		e.neighborIDs[i] = ringproto.NoID
	}
	for r := range e.table {
		for n := range e.table[r] {
			e.table[r][n] = invalidPath()
		}
	}
	for i := range e.forwarding {
		e.forwarding[i] = ringproto.NoID
	}
}

// Self returns the local node id this engine routes on behalf of.
func (e *Engine) Self() int { return e.self }

func (e *Engine) recipientSlot(id int, add bool) int {
	for i, rid := range e.recipientIDs {
		if rid == id {
			return i
		}
	}
	if !add {
		return ringproto.NoID
	}
	for i, rid := range e.recipientIDs {
		if rid == ringproto.NoID {
			e.recipientIDs[i] = id
			e.forwarding[i] = ringproto.NoID
			for n := range e.table[i] {
				e.table[i][n] = invalidPath()
			}
			return i
		}
	}
	return ringproto.NoID
}

func (e *Engine) neighborSlot(id int, add bool) int {
	for i, nid := range e.neighborIDs {
		if nid == id {
			return i
		}
	}
	if !add {
		return ringproto.NoID
	}
	for i, nid := range e.neighborIDs {
		if nid == ringproto.NoID {
			e.neighborIDs[i] = id
			for r := range e.table {
				e.table[r][i] = invalidPath()
			}
			return i
		}
	}
	return ringproto.NoID
}

// reselect recomputes the forwarding choice for recipient slot rSlot and
// reports whether the announced (neighbor, path) pair changed — the sole
// trigger for re-announcing (spec.md §4.5 "Announcement minimality").
// Frees the recipient slot if no valid entry remains.
func (e *Engine) reselect(rSlot int) bool {
	prevSlot := e.forwarding[rSlot]
	prevPath := invalidPath()
	if prevSlot != ringproto.NoID {
		prevPath = e.table[rSlot][prevSlot]
	}

	chosen := ringproto.NoID
	minHops := 0
	for n := 0; n < ringproto.MaxNeighbors; n++ {
		if e.neighborIDs[n] == ringproto.NoID {
			continue
		}
		p := e.table[rSlot][n]
		if !p.Valid() {
			continue
		}
		if chosen == ringproto.NoID || p.Hops < minHops {
			chosen = n
			minHops = p.Hops
		}
	}
	// Stability: keep the previous neighbor if it remains tied for shortest.
	if chosen != ringproto.NoID && prevSlot != ringproto.NoID && prevSlot != chosen {
		if pp := e.table[rSlot][prevSlot]; pp.Valid() && pp.Hops == minHops {
			chosen = prevSlot
		}
	}

	e.forwarding[rSlot] = chosen

	if chosen == ringproto.NoID {
		e.recipientIDs[rSlot] = ringproto.NoID
		return prevSlot != ringproto.NoID
	}

	newPath := e.table[rSlot][chosen]
	if chosen != prevSlot {
		return true
	}
	return !newPath.equal(prevPath)
}

// UpdateGivenNewPath stores neighborID's announced path to recipientID
// and recomputes the forwarding choice for that recipient. It reports
// whether the chosen (neighbor, path) changed and so must be
// re-announced to every connection. Returns false without storing
// anything if the routing table has no free slot for a genuinely new
// recipient or neighbor (spec.md's ring cardinality bound, 15, means
// this can only happen under a malformed or adversarial peer).
func (e *Engine) UpdateGivenNewPath(neighborID, recipientID int, path Path) bool {
	rSlot := e.recipientSlot(recipientID, true)
	if rSlot == ringproto.NoID {
		return false
	}
	nSlot := e.neighborSlot(neighborID, true)
	if nSlot == ringproto.NoID {
		return false
	}
	e.table[rSlot][nSlot] = path
	return e.reselect(rSlot)
}

// ApplyRoute processes one received ROUTE announcement (spec.md §4.5).
// The caller (internal/ring's common ROUTE/CHAT path) is responsible for validating that
// neighborID equals the sender's known identity before calling this —
// Engine only enforces the two checks that depend purely on routing
// state: ignoring announcements about self, and rejecting paths that
// loop back through self.
func (e *Engine) ApplyRoute(neighborID, recipientID int, hasPath bool, nodes []int) (announce, ignored bool) {
	if recipientID == e.self {
		return false, true
	}
	path := invalidPath()
	if hasPath {
		path = pathFromRouteNodes(nodes)
		if containsID(path.Nodes, e.self) {
			path = invalidPath()
		}
	}
	return e.UpdateGivenNewPath(neighborID, recipientID, path), false
}

// RemoveNeighbor treats every recipient's row as though neighborID just
// announced path-absent, then frees the neighbor slot (spec.md §4.5,
// "Link removal"). Returns the announcements that must be re-sent to
// every remaining connection.
func (e *Engine) RemoveNeighbor(neighborID int) []Announcement {
	nSlot := e.neighborSlot(neighborID, false)
	if nSlot == ringproto.NoID {
		return nil
	}

	var events []Announcement
	for r := 0; r < ringproto.MaxRecipients; r++ {
		if e.recipientIDs[r] == ringproto.NoID {
			continue
		}
		recipientID := e.recipientIDs[r]
		e.table[r][nSlot] = invalidPath()
		if e.reselect(r) {
			events = append(events, e.announcementFor(r, recipientID))
		}
	}
	e.neighborIDs[nSlot] = ringproto.NoID
	return events
}

func (e *Engine) announcementFor(rSlot, recipientID int) Announcement {
	fwd := e.forwarding[rSlot]
	if fwd == ringproto.NoID {
		return Announcement{RecipientID: recipientID, Path: invalidPath()}
	}
	return Announcement{RecipientID: recipientID, Path: e.table[rSlot][fwd]}
}

// Forward returns the neighbor id currently chosen to carry traffic
// toward recipientID, and whether a valid route exists at all.
func (e *Engine) Forward(recipientID int) (neighborID int, ok bool) {
	rSlot := e.recipientSlot(recipientID, false)
	if rSlot == ringproto.NoID {
		return ringproto.NoID, false
	}
	nSlot := e.forwarding[rSlot]
	if nSlot == ringproto.NoID {
		return ringproto.NoID, false
	}
	return e.neighborIDs[nSlot], true
}

// ChosenPath returns the Path currently selected for recipientID,
// primarily for introspection ("show routing", "show path").
func (e *Engine) ChosenPath(recipientID int) (Path, bool) {
	rSlot := e.recipientSlot(recipientID, false)
	if rSlot == ringproto.NoID {
		return Path{}, false
	}
	nSlot := e.forwarding[rSlot]
	if nSlot == ringproto.NoID {
		return Path{}, false
	}
	return e.table[rSlot][nSlot], true
}

// Recipients returns the ids of every recipient with an allocated row,
// for "show topology"/"show routing" style introspection.
func (e *Engine) Recipients() []int {
	var out []int
	for _, id := range e.recipientIDs {
		if id != ringproto.NoID {
			out = append(out, id)
		}
	}
	return out
}

// SelfAnnouncement is the "ROUTE self self self" line sent first on
// every link-up (spec.md §4.5).
func (e *Engine) SelfAnnouncement() ringproto.Route {
	return ringproto.Route{NeighborID: e.self, RecipientID: e.self, HasPath: true, Nodes: []int{e.self}}
}

// FullTable returns, for every currently allocated recipient, the ROUTE
// line this node would send for it right now (present or absent),
// ordered by slot. Sent in full on every new link (spec.md §4.5).
func (e *Engine) FullTable() []ringproto.Route {
	var out []ringproto.Route
	for r := 0; r < ringproto.MaxRecipients; r++ {
		if e.recipientIDs[r] == ringproto.NoID {
			continue
		}
		out = append(out, e.routeFor(r, e.recipientIDs[r]))
	}
	return out
}

// RouteFor builds the ROUTE line this node currently announces for
// recipientID, used both by FullTable and to re-announce a single
// changed recipient.
func (e *Engine) RouteFor(recipientID int) ringproto.Route {
	rSlot := e.recipientSlot(recipientID, false)
	if rSlot == ringproto.NoID {
		return ringproto.Route{NeighborID: e.self, RecipientID: recipientID, HasPath: false}
	}
	return e.routeFor(rSlot, recipientID)
}

func (e *Engine) routeFor(rSlot, recipientID int) ringproto.Route {
	fwd := e.forwarding[rSlot]
	if fwd == ringproto.NoID {
		return ringproto.Route{NeighborID: e.self, RecipientID: recipientID, HasPath: false}
	}
	p := e.table[rSlot][fwd]
	nodes := make([]int, 0, p.Hops+2)
	nodes = append(nodes, e.self, e.neighborIDs[fwd])
	nodes = append(nodes, p.Nodes...)
	nodes = append(nodes, recipientID)
	return ringproto.Route{NeighborID: e.self, RecipientID: recipientID, HasPath: true, Nodes: nodes}
}
