// Package directory implements the UDP bootstrap directory protocol: a
// node asks a well-known directory server for the current membership of
// a named ring, and optionally registers or deregisters itself in it.
//
// Unlike the node-to-node protocol in internal/ringproto, directory
// datagrams are not newline-terminated: each UDP packet is one complete
// message (original_source/node-server.c builds its NODES/REG/UNREG
// requests with a plain sprintf and no trailing '\n').
package directory

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"ringd/internal/ringproto"
)

const defaultTimeout = 1 * time.Second

// ErrTimeout is returned when the directory server does not answer a
// NODES query within the configured timeout. The caller (internal/shell)
// treats it as the trigger for ring.JoinTimedOut, not as a reason to
// terminate the process.
var ErrTimeout = errors.New("directory: query timed out")

// ErrMalformedResponse is returned when a NODESLIST reply fails the
// header or line-grammar checks below. The original implementation
// treats this as fatal and calls exit(1) from inside the socket read;
// here it is an ordinary error. The caller (internal/shell) handles it
// like any other query error: the current join fails and the node
// leaves the ring through ring.JoinTimedOut. The process does not exit.
var ErrMalformedResponse = errors.New("directory: malformed NODESLIST response")

// Client speaks the directory's UDP protocol against a single configured
// directory server address.
type Client struct {
	conn    *net.UDPConn
	timeout time.Duration
}

// Dial resolves and connects a UDP socket to the directory server at
// ip:port. The "connection" is local-only (UDP is connectionless), but
// net.DialUDP lets subsequent Read/Write calls omit the peer address and
// filters out datagrams from anyone else.
func Dial(ip, port string) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip, port))
	if err != nil {
		return nil, fmt.Errorf("directory: resolve %s:%s: %w", ip, port, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("directory: dial %s:%s: %w", ip, port, err)
	}
	return &Client{conn: conn, timeout: defaultTimeout}, nil
}

// SetTimeout overrides the default 1-second NODES query timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Close releases the underlying UDP socket.
func (c *Client) Close() error { return c.conn.Close() }

// QueryNodes asks the directory for the current membership of ring and
// returns it as a slice of identities. When chordMode is true, entries
// equal to selfID or already present in an existing connection (per
// alreadyConnected) are dropped, matching the original's separate
// chord-candidate listing path in node-server.c.
//
// An empty, non-error result means the ring is currently empty: the
// caller is the first (or only) member.
func (c *Client) QueryNodes(ring string, selfID int, chordMode bool, alreadyConnected func(id int) bool) ([]ringproto.Identity, error) {
	req := ringproto.DirNodes{Ring: ring}.Encode()
	if _, err := c.conn.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("directory: send NODES: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("directory: set read deadline: %w", err)
	}
	buf := make([]byte, ringproto.MaxMessageSize*ringproto.MaxNodes)
	n, err := c.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("directory: read NODESLIST: %w", err)
	}

	nodes, err := parseNodesList(buf[:n], ring)
	if err != nil {
		return nil, err
	}
	if !chordMode {
		return nodes, nil
	}

	filtered := nodes[:0]
	for _, id := range nodes {
		if id.ID == selfID || alreadyConnected(id.ID) {
			continue
		}
		filtered = append(filtered, id)
	}
	return filtered, nil
}

// parseNodesList validates and decodes a NODESLIST response.
//
// The header is "NODESLIST <ring-id>\n" where ring-id is always exactly
// three characters (the join command only ever accepts 3-character ring
// ids), so byte index 13 ("NODESLIST " is 10 bytes, the id is 3 more) is
// always the header's terminating newline in a well-formed reply. This
// is the same fixed-offset check node-server.c performs on the raw
// buffer before trusting the rest of it.
func parseNodesList(data []byte, wantRing string) ([]ringproto.Identity, error) {
	const prefix = "NODESLIST "
	if len(data) < 14 || string(data[:len(prefix)]) != prefix {
		return nil, fmt.Errorf("%w: missing %q header", ErrMalformedResponse, prefix)
	}
	if data[13] != '\n' {
		return nil, fmt.Errorf("%w: header not terminated at byte 13", ErrMalformedResponse)
	}
	gotRing := string(data[len(prefix):13])
	if gotRing != wantRing {
		return nil, fmt.Errorf("%w: ring id %q in reply does not match request %q", ErrMalformedResponse, gotRing, wantRing)
	}

	body := string(data[14:])
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return nil, nil
	}

	lines := strings.Split(body, "\n")
	nodes := make([]ringproto.Identity, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: node line %q wants 3 fields, got %d", ErrMalformedResponse, line, len(fields))
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: node id %q: %v", ErrMalformedResponse, fields[0], err)
		}
		nodes = append(nodes, ringproto.Identity{ID: id, IP: fields[1], Port: fields[2]})
	}
	return nodes, nil
}

// Register satisfies ring.Directory, telling the directory self has
// joined ring with the given identity.
func (c *Client) Register(ring string, self ringproto.Identity) error {
	req := ringproto.DirReg{Ring: ring, ID: self.ID, IP: self.IP, Port: self.Port}.Encode()
	if _, err := c.conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("directory: send REG: %w", err)
	}
	return nil
}

// Deregister satisfies ring.Directory, telling the directory selfID has
// left ring.
func (c *Client) Deregister(ring string, selfID int) error {
	req := ringproto.DirUnreg{Ring: ring, ID: selfID}.Encode()
	if _, err := c.conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("directory: send UNREG: %w", err)
	}
	return nil
}
