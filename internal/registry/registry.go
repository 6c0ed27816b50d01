// Package registry implements the fixed-capacity connection table
// described in spec.md §4.2: one slot per live peer link, each tagged
// with a role and known peer identity.
//
// Per spec.md §9's design note, roles are represented as a tag set once
// a connection's identity is determined (Role), rather than as four
// aliasing pointers into the table — closing a slot clears both the
// entry and, if it held one of the four singular roles, the registry's
// cached index for that role in one step.
package registry

import (
	"fmt"
	"net"

	"ringd/internal/ringproto"
)

// Role classifies a connection's relationship to the local node.
type Role int

const (
	RoleNone Role = iota
	RoleNewNode
	RolePredecessor
	RoleSuccessor
	RoleOutboundChord
	RoleInboundChord
)

func (r Role) String() string {
	switch r {
	case RoleNewNode:
		return "new-node"
	case RolePredecessor:
		return "predecessor"
	case RoleSuccessor:
		return "successor"
	case RoleOutboundChord:
		return "outbound-chord"
	case RoleInboundChord:
		return "inbound-chord"
	default:
		return "none"
	}
}

// Conn is one entry in the registry: a socket and everything known
// about the remote peer. Line framing is not one of Conn's
// responsibilities: internal/eventloop runs one dedicated pump
// goroutine per connection, each owning its own internal/lineframe
// Reader directly over Net, and resolves incoming events back to a
// Conn via Registry.FindByNet — keeping Conn a plain bookkeeping
// record that is only ever touched from the event loop goroutine.
type Conn struct {
	slot int
	Net  net.Conn
	Role Role

	// PeerID is ringproto.NoID until the handshake line resolves it.
	// Invariant (spec.md §3): every connection except the one currently
	// tagged RoleNewNode must have a resolved PeerID.
	PeerID int
	PeerIP string
	// PeerPort is only meaningful for outbound connections we dialed
	// ourselves, where the destination port was known in advance.
	PeerPort string
}

// Slot returns this connection's stable index into the registry.
func (c *Conn) Slot() int { return c.slot }

// Send writes one protocol line to the peer. Per spec.md §4.2,
// write failure is the caller's cue to route this slot through the
// broken-socket path — Send only reports the error, it does not close
// the connection itself, keeping Registry free of event-loop policy.
func (c *Conn) Send(msg ringproto.Message) error {
	_, err := fmt.Fprintf(c.Net, "%s\n", msg.Encode())
	return err
}

// Registry is the fixed-capacity connection table (spec.md §4.2). The
// zero value is ready to use.
type Registry struct {
	slots [ringproto.MaxConnections]*Conn

	predSlot          int
	succSlot          int
	outboundChordSlot int
	newNodeSlot       int
}

// New returns an empty Registry with every role pointer unset.
func New() *Registry {
	return &Registry{
		predSlot:          ringproto.NoID,
		succSlot:          ringproto.NoID,
		outboundChordSlot: ringproto.NoID,
		newNodeSlot:       ringproto.NoID,
	}
}

// Add allocates a slot for a freshly accepted or dialed socket. The
// connection starts with RoleNone and an unknown peer id; call SetRole
// once the connection's identity and role are determined.
func (r *Registry) Add(conn net.Conn, peerIP string) (*Conn, error) {
	for i, s := range r.slots {
		if s == nil {
			c := &Conn{slot: i, Net: conn, Role: RoleNone, PeerID: ringproto.NoID, PeerIP: peerIP}
			r.slots[i] = c
			return c, nil
		}
	}
	return nil, fmt.Errorf("registry: connection table full (capacity %d)", ringproto.MaxConnections)
}

// SetRole assigns c's role, updating the registry's single-slot role
// indices. Assigning a singular role (pred/succ/outbound-chord/new-node)
// while another connection already holds it is a caller bug — the ring
// state machine must close or reclassify the incumbent first.
func (r *Registry) SetRole(c *Conn, role Role) {
	c.Role = role
	switch role {
	case RolePredecessor:
		r.predSlot = c.slot
	case RoleSuccessor:
		r.succSlot = c.slot
	case RoleOutboundChord:
		r.outboundChordSlot = c.slot
	case RoleNewNode:
		r.newNodeSlot = c.slot
	}
}

// Close releases slot, clearing any role index that pointed to it.
// Closing is idempotent: an already-empty slot is a no-op.
func (r *Registry) Close(slot int) {
	c := r.slots[slot]
	if c == nil {
		return
	}
	_ = c.Net.Close()
	if r.predSlot == slot {
		r.predSlot = ringproto.NoID
	}
	if r.succSlot == slot {
		r.succSlot = ringproto.NoID
	}
	if r.outboundChordSlot == slot {
		r.outboundChordSlot = ringproto.NoID
	}
	if r.newNodeSlot == slot {
		r.newNodeSlot = ringproto.NoID
	}
	r.slots[slot] = nil
}

// Get returns the connection in slot, or nil if empty.
func (r *Registry) Get(slot int) *Conn { return r.slots[slot] }

// FindByNodeID scans for a connection whose resolved peer id matches.
func (r *Registry) FindByNodeID(id int) (*Conn, bool) {
	if id == ringproto.NoID {
		return nil, false
	}
	for _, c := range r.slots {
		if c != nil && c.PeerID == id {
			return c, true
		}
	}
	return nil, false
}

// FindByNet returns the connection wrapping the given net.Conn, used by
// the event loop to map a readiness event back to a registry slot.
func (r *Registry) FindByNet(nc net.Conn) (*Conn, bool) {
	for _, c := range r.slots {
		if c != nil && c.Net == nc {
			return c, true
		}
	}
	return nil, false
}

func (r *Registry) at(slot int) (*Conn, bool) {
	if slot == ringproto.NoID {
		return nil, false
	}
	return r.slots[slot], true
}

// Predecessor returns the connection currently tagged as predecessor.
func (r *Registry) Predecessor() (*Conn, bool) { return r.at(r.predSlot) }

// Successor returns the connection currently tagged as successor.
func (r *Registry) Successor() (*Conn, bool) { return r.at(r.succSlot) }

// OutboundChord returns the single outbound chord connection, if any.
func (r *Registry) OutboundChord() (*Conn, bool) { return r.at(r.outboundChordSlot) }

// NewNode returns the in-progress inbound connection awaiting
// classification, if any.
func (r *Registry) NewNode() (*Conn, bool) { return r.at(r.newNodeSlot) }

// IsInboundChord reports whether c holds none of the four singular
// roles — the definition of an inbound chord (spec.md §4.2).
func (r *Registry) IsInboundChord(c *Conn) bool {
	return c.Role != RoleNewNode && c.Role != RolePredecessor &&
		c.Role != RoleSuccessor && c.Role != RoleOutboundChord
}

// All returns every occupied slot, in slot order, for broadcast
// operations (route announcements, topology listing).
func (r *Registry) All() []*Conn {
	var out []*Conn
	for _, c := range r.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Chords returns every inbound chord connection plus the outbound
// chord, if present — used by "show topology".
func (r *Registry) Chords() []*Conn {
	var out []*Conn
	for _, c := range r.slots {
		if c != nil && (c.Role == RoleInboundChord || c.Role == RoleOutboundChord) {
			out = append(out, c)
		}
	}
	return out
}
