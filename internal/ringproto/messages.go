package ringproto

import (
	"fmt"
	"strconv"
	"strings"
)

// Message is the discriminated union of every line the node-to-node and
// directory protocols carry. Concrete types implement it as a marker;
// callers type-switch on the concrete type after ParseLine.
type Message interface {
	Encode() string
	isMessage()
}

// ---- node-to-node messages (spec.md §6) ----

// Entry announces that a node wishes to enter, or has entered, between
// the sender and its successor: "ENTRY id ip port".
type Entry struct {
	ID   int
	IP   string
	Port string
}

func (m Entry) Encode() string {
	return fmt.Sprintf("ENTRY %d %s %s", m.ID, m.IP, m.Port)
}
func (Entry) isMessage() {}

// Pred tells the receiving peer "I am your predecessor; my id is ID":
// "PRED id".
type Pred struct{ ID int }

func (m Pred) Encode() string { return fmt.Sprintf("PRED %d", m.ID) }
func (Pred) isMessage()       {}

// Succ tells a predecessor its new second/actual successor:
// "SUCC id ip port".
type Succ struct {
	ID   int
	IP   string
	Port string
}

func (m Succ) Encode() string {
	return fmt.Sprintf("SUCC %d %s %s", m.ID, m.IP, m.Port)
}
func (Succ) isMessage() {}

// Chord establishes a chord link: "CHORD id".
type Chord struct{ ID int }

func (m Chord) Encode() string { return fmt.Sprintf("CHORD %d", m.ID) }
func (Chord) isMessage()       {}

// Route announces a (neighbor, recipient, path) triple. HasPath is false
// for the path-absent form ("ROUTE nbr rcp"), meaning the neighbor has no
// route to the recipient. Nodes holds the full dash-separated path
// including both endpoints, exactly as it appears on the wire.
type Route struct {
	NeighborID  int
	RecipientID int
	HasPath     bool
	Nodes       []int // endpoints included: Nodes[0]==NeighborID, Nodes[len-1]==RecipientID
}

func (m Route) Encode() string {
	if !m.HasPath {
		return fmt.Sprintf("ROUTE %d %d", m.NeighborID, m.RecipientID)
	}
	parts := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		parts[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("ROUTE %d %d %s", m.NeighborID, m.RecipientID, strings.Join(parts, "-"))
}
func (Route) isMessage() {}

// Chat carries an application payload: "CHAT src dst text". Text may
// contain spaces but never a newline (lines are newline-terminated).
type Chat struct {
	Src  int
	Dst  int
	Text string
}

func (m Chat) Encode() string { return fmt.Sprintf("CHAT %d %d %s", m.Src, m.Dst, m.Text) }
func (Chat) isMessage()       {}

// ---- directory protocol (spec.md §6, §4.3) ----

type DirNodes struct{ Ring string }

func (m DirNodes) Encode() string { return fmt.Sprintf("NODES %s", m.Ring) }
func (DirNodes) isMessage()       {}

type DirReg struct {
	Ring string
	ID   int
	IP   string
	Port string
}

func (m DirReg) Encode() string {
	return fmt.Sprintf("REG %s %d %s %s", m.Ring, m.ID, m.IP, m.Port)
}
func (DirReg) isMessage() {}

type DirUnreg struct {
	Ring string
	ID   int
}

func (m DirUnreg) Encode() string { return fmt.Sprintf("UNREG %s %d", m.Ring, m.ID) }
func (DirUnreg) isMessage()       {}

// ---- parsing ----

// ParseLine classifies a single inbound line (without its trailing
// newline) and decodes it into one of the Message implementations above.
// An unrecognized verb or malformed argument list yields ErrMalformedLine
// wrapped with the offending line, so callers can log-and-discard per
// spec.md §7's peer-recoverable category.
func ParseLine(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedLine)
	}
	verb := fields[0]
	args := fields[1:]

	switch verb {
	case "ENTRY":
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: ENTRY wants 3 args, got %d", ErrMalformedLine, len(args))
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: ENTRY id: %v", ErrMalformedLine, err)
		}
		return Entry{ID: id, IP: args[1], Port: args[2]}, nil

	case "PRED":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: PRED wants 1 arg, got %d", ErrMalformedLine, len(args))
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: PRED id: %v", ErrMalformedLine, err)
		}
		return Pred{ID: id}, nil

	case "SUCC":
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: SUCC wants 3 args, got %d", ErrMalformedLine, len(args))
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: SUCC id: %v", ErrMalformedLine, err)
		}
		return Succ{ID: id, IP: args[1], Port: args[2]}, nil

	case "CHORD":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: CHORD wants 1 arg, got %d", ErrMalformedLine, len(args))
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: CHORD id: %v", ErrMalformedLine, err)
		}
		return Chord{ID: id}, nil

	case "ROUTE":
		if len(args) != 2 && len(args) != 3 {
			return nil, fmt.Errorf("%w: ROUTE wants 2 or 3 args, got %d", ErrMalformedLine, len(args))
		}
		nbr, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: ROUTE neighbor: %v", ErrMalformedLine, err)
		}
		rcp, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("%w: ROUTE recipient: %v", ErrMalformedLine, err)
		}
		if len(args) == 2 {
			return Route{NeighborID: nbr, RecipientID: rcp, HasPath: false}, nil
		}
		nodeStrs := strings.Split(args[2], "-")
		nodes := make([]int, len(nodeStrs))
		for i, s := range nodeStrs {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("%w: ROUTE path element %q: %v", ErrMalformedLine, s, err)
			}
			nodes[i] = n
		}
		return Route{NeighborID: nbr, RecipientID: rcp, HasPath: true, Nodes: nodes}, nil

	case "CHAT":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: CHAT wants at least 2 args, got %d", ErrMalformedLine, len(args))
		}
		src, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: CHAT src: %v", ErrMalformedLine, err)
		}
		dst, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("%w: CHAT dst: %v", ErrMalformedLine, err)
		}
		// Preserve the text's original spacing by re-slicing the raw line
		// rather than rejoining strings.Fields.
		return Chat{Src: src, Dst: dst, Text: textAfterNFields(line, 3)}, nil

	case "NODES":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: NODES wants 1 arg, got %d", ErrMalformedLine, len(args))
		}
		return DirNodes{Ring: args[0]}, nil

	case "REG":
		if len(args) != 4 {
			return nil, fmt.Errorf("%w: REG wants 4 args, got %d", ErrMalformedLine, len(args))
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("%w: REG id: %v", ErrMalformedLine, err)
		}
		return DirReg{Ring: args[0], ID: id, IP: args[2], Port: args[3]}, nil

	case "UNREG":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: UNREG wants 2 args, got %d", ErrMalformedLine, len(args))
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("%w: UNREG id: %v", ErrMalformedLine, err)
		}
		return DirUnreg{Ring: args[0], ID: id}, nil

	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformedLine, verb)
	}
}

// fieldOffset returns the byte offset of the start of the n-th
// whitespace-separated field (0-indexed) in line, or len(line) if there
// are fewer than n+1 fields.
func fieldOffset(line string, n int) int {
	i := 0
	for f := 0; f < n; f++ {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			return len(line)
		}
		for i < len(line) && line[i] != ' ' {
			i++
		}
	}
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return i
}

func textAfterNFields(line string, n int) string {
	return line[fieldOffset(line, n):]
}
