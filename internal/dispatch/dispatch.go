// Package dispatch is the thin translation layer between an already
// line-framed peer message and the ring state machine (spec.md §4.6).
// Role classification and the actual per-verb handling already live in
// internal/ring's HandleMessage/HandleBrokenSocket — this package turns
// "here is a complete line from this connection" into a parsed
// ringproto.Message and a ring call, and nothing more. The line framing
// itself happens in the per-connection pump goroutines owned by
// internal/eventloop (spec.md §5's "dumb byte/line pump" sources); this
// package is only ever called from the event loop's single goroutine.
package dispatch

import (
	"ringd/internal/logger"
	"ringd/internal/registry"
	"ringd/internal/ring"
	"ringd/internal/ringproto"
)

// Dispatcher feeds already-framed lines and connection-lifecycle events
// into a Ring.
type Dispatcher struct {
	r   *ring.Ring
	log logger.Logger
}

// New returns a Dispatcher over r, logging via log.
func New(r *ring.Ring, log logger.Logger) *Dispatcher {
	return &Dispatcher{r: r, log: log}
}

// Line handles one complete protocol line received on conn. A malformed
// line is logged and discarded (spec.md §7's peer-recoverable category)
// rather than torn down the connection.
func (d *Dispatcher) Line(conn *registry.Conn, line string) {
	msg, err := ringproto.ParseLine(line)
	if err != nil {
		d.log.Warn("discarding malformed line from peer",
			logger.F("peer_id", conn.PeerID), logger.F("line", line), logger.F("err", err.Error()))
		return
	}
	d.r.HandleMessage(conn, msg)
}

// Overflow handles a peer connection whose pending line exceeded the
// frame buffer; the connection stays open for whatever comes next.
func (d *Dispatcher) Overflow(conn *registry.Conn) {
	d.log.Warn("dropping oversized line from peer", logger.F("peer_id", conn.PeerID))
}

// Closed handles a peer connection's read side ending (EOF or error),
// routing it through the ring's broken-socket recovery.
func (d *Dispatcher) Closed(conn *registry.Conn) {
	d.r.HandleBrokenSocket(conn)
}
