// Package shell implements the stdin command surface (spec.md §6): a
// pure Parse(line) that never touches I/O or ring state, and a Dispatch
// that performs the corresponding ring operation and writes a
// human-readable result. Input(line) is the event loop's actual entry
// point — it first checks whether a join or chord candidate selection
// is pending (spec.md §4.3's AWAITING_USER_SELECTION) before falling
// back to Parse+Dispatch, mirroring original_source/main.c's
// input_state check. Grounded on the teacher's cmd/client liner-based
// REPL for verb/argument shape, but split into Parse/Dispatch so the
// event loop (internal/eventloop) can treat a stdin line exactly like
// any other framed event rather than blocking on a second goroutine's
// prompt. A directory NODES query gets one bounded retry via
// github.com/cenkalti/backoff/v5 before a join or chord request is
// allowed to fail.
package shell

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"ringd/internal/ring"
	"ringd/internal/ringproto"

	"github.com/cenkalti/backoff/v5"
)

// Kind identifies which stdin command a Command carries.
type Kind int

const (
	Join Kind = iota
	Leave
	DirectJoin
	Chord
	RemoveChord
	Message
	ShowTopology
	ShowRouting
	ShowPath
	Exit
)

// Command is the parsed form of one stdin line.
type Command struct {
	Kind     Kind
	RingID   string
	SelfID   int
	SuccID   int
	IP       string
	Port     string
	TargetID int
	Text     string
}

// Parse classifies and validates one stdin line into a Command. It
// performs no I/O and touches no ring state, so it can be tested with
// plain strings.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("shell: empty command")
	}
	verb, args := fields[0], fields[1:]

	switch verb {
	case "join", "j":
		if len(args) != 2 {
			return Command{}, fmt.Errorf("usage: join <ring> <id>")
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			return Command{}, fmt.Errorf("join: invalid id %q", args[1])
		}
		return Command{Kind: Join, RingID: args[0], SelfID: id}, nil

	case "leave", "l":
		return Command{Kind: Leave}, nil

	case "direct":
		if len(args) != 5 || args[0] != "join" {
			return Command{}, fmt.Errorf("usage: direct join <self-id> <succ-id> <ip> <port>")
		}
		return parseDirectJoin(args[1:])

	case "dj":
		if len(args) != 4 {
			return Command{}, fmt.Errorf("usage: dj <self-id> <succ-id> <ip> <port>")
		}
		return parseDirectJoin(args)

	case "chord", "c":
		return Command{Kind: Chord}, nil

	case "remove":
		if len(args) != 1 || args[0] != "chord" {
			return Command{}, fmt.Errorf("usage: remove chord")
		}
		return Command{Kind: RemoveChord}, nil

	case "rc":
		return Command{Kind: RemoveChord}, nil

	case "message", "m":
		if len(args) < 2 {
			return Command{}, fmt.Errorf("usage: message <id> <text>")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return Command{}, fmt.Errorf("message: invalid id %q", args[0])
		}
		return Command{Kind: Message, TargetID: id, Text: textAfterNFields(line, 2)}, nil

	case "show":
		if len(args) == 0 {
			return Command{}, fmt.Errorf("usage: show topology|routing <id>|path <id>")
		}
		switch args[0] {
		case "topology":
			return Command{Kind: ShowTopology}, nil
		case "routing":
			return parseShowWithID(ShowRouting, args[1:], "show routing <id>")
		case "path":
			return parseShowWithID(ShowPath, args[1:], "show path <id>")
		default:
			return Command{}, fmt.Errorf("usage: show topology|routing <id>|path <id>")
		}

	case "st":
		return Command{Kind: ShowTopology}, nil
	case "sr":
		return parseShowWithID(ShowRouting, args, "sr <id>")
	case "sp":
		return parseShowWithID(ShowPath, args, "sp <id>")

	case "exit", "x":
		return Command{Kind: Exit}, nil

	default:
		return Command{}, fmt.Errorf("shell: unrecognized command %q", verb)
	}
}

func parseDirectJoin(args []string) (Command, error) {
	selfID, err := strconv.Atoi(args[0])
	if err != nil {
		return Command{}, fmt.Errorf("direct join: invalid self id %q", args[0])
	}
	succID, err := strconv.Atoi(args[1])
	if err != nil {
		return Command{}, fmt.Errorf("direct join: invalid successor id %q", args[1])
	}
	return Command{Kind: DirectJoin, SelfID: selfID, SuccID: succID, IP: args[2], Port: args[3]}, nil
}

func parseShowWithID(kind Kind, args []string, usage string) (Command, error) {
	if len(args) != 1 {
		return Command{}, fmt.Errorf("usage: %s", usage)
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return Command{}, fmt.Errorf("invalid id %q", args[0])
	}
	return Command{Kind: kind, TargetID: id}, nil
}

// textAfterNFields returns line's content starting at the n-th
// whitespace-separated field, preserving internal spacing — mirrors
// ringproto's CHAT text extraction so message text round-trips exactly.
func textAfterNFields(line string, n int) string {
	i := 0
	for f := 0; f < n; f++ {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			return ""
		}
		for i < len(line) && line[i] != ' ' {
			i++
		}
	}
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return line[i:]
}

// NodeLister queries the bootstrap directory for a ring's current node
// list, driving the AWAITING_NODE_LIST phase of a join or chord
// request. Satisfied by *directory.Client.
type NodeLister interface {
	QueryNodes(ringID string, selfID int, chordMode bool, alreadyConnected func(id int) bool) ([]ringproto.Identity, error)
}

// selection identifies which kind of candidate choice, if any, the next
// raw stdin line will be interpreted as — mirrors original_source's
// JOIN_NODE_SELECTION / CHORD_NODE_SELECTION input_state.
type selection int

const (
	selectNone selection = iota
	selectJoin
	selectChord
)

// Shell dispatches parsed Commands against a Ring and writes
// human-readable results to out. It also tracks whether the ring is
// AWAITING_USER_SELECTION, in which case the next stdin line is a bare
// candidate id rather than a verb.
type Shell struct {
	r   *ring.Ring
	dir NodeLister
	out io.Writer

	awaiting selection
}

// New returns a Shell driving r, querying dir for node lists on join
// and chord requests, and writing command output to out.
func New(r *ring.Ring, dir NodeLister, out io.Writer) *Shell {
	return &Shell{r: r, dir: dir, out: out}
}

// queryNodesWithRetry wraps one NodeLister.QueryNodes call with a
// single bounded retry, per SPEC_FULL §7(e): "one extra directory
// NODES retry within the 1s budget" before a directory-query failure
// is allowed to surface as a join/chord timeout.
func (s *Shell) queryNodesWithRetry(ringID string, selfID int, chordMode bool, alreadyConnected func(id int) bool) ([]ringproto.Identity, error) {
	op := func() ([]ringproto.Identity, error) {
		nodes, err := s.dir.QueryNodes(ringID, selfID, chordMode, alreadyConnected)
		if err != nil {
			return nil, err
		}
		return nodes, nil
	}
	return backoff.Retry(context.Background(), op,
		backoff.WithMaxTries(2),
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)))
}

// Input processes one stdin line. When a successor or chord-target
// selection is pending it is consumed as a bare id (or cancels the
// operation on anything else); otherwise the line is parsed as an
// ordinary command. It reports whether the caller should terminate.
func (s *Shell) Input(line string) (terminate bool) {
	if s.awaiting != selectNone {
		return s.handleSelection(line)
	}
	cmd, err := Parse(line)
	if err != nil {
		fmt.Fprintln(s.out, err)
		return false
	}
	return s.Dispatch(cmd)
}

func (s *Shell) handleSelection(line string) bool {
	awaiting := s.awaiting
	s.awaiting = selectNone

	id, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		fmt.Fprintln(s.out, "invalid id. operation cancelled.")
		if awaiting == selectJoin {
			s.r.CancelJoinSelection()
		}
		return false
	}

	switch awaiting {
	case selectJoin:
		if err := s.r.SelectSuccessor(id); err != nil {
			fmt.Fprintln(s.out, "invalid id. operation cancelled.")
			return false
		}
		fmt.Fprintln(s.out, "joined the ring")
	case selectChord:
		if err := s.r.SelectChordTarget(id); err != nil {
			fmt.Fprintln(s.out, "invalid id. operation cancelled.")
			return false
		}
		fmt.Fprintln(s.out, "chord established")
	}
	return false
}

func (s *Shell) printCandidates() {
	fmt.Fprintln(s.out, "candidates:")
	for _, c := range s.r.Candidates() {
		fmt.Fprintf(s.out, "  %d  %s:%s\n", c.ID, c.IP, c.Port)
	}
	fmt.Fprint(s.out, "select an id, or anything else to cancel: ")
}

// Dispatch executes cmd. It reports whether the caller should terminate
// (the "exit"/"x" command), matching spec.md §6's exit-code-0 path.
func (s *Shell) Dispatch(cmd Command) (terminate bool) {
	switch cmd.Kind {
	case Join:
		if err := s.r.RequestJoin(cmd.RingID, cmd.SelfID); err != nil {
			fmt.Fprintln(s.out, "join failed:", err)
			return false
		}
		nodes, err := s.queryNodesWithRetry(cmd.RingID, cmd.SelfID, false, nil)
		if err != nil {
			s.r.JoinTimedOut()
			fmt.Fprintln(s.out, "join failed:", err)
			return false
		}
		if err := s.r.ReceiveNodeList(nodes); err != nil {
			fmt.Fprintln(s.out, "join failed:", err)
			return false
		}
		if s.r.State() == ring.AwaitingUserSelection {
			s.awaiting = selectJoin
			s.printCandidates()
		} else {
			fmt.Fprintln(s.out, "no other nodes in the ring; joined alone")
		}

	case Leave:
		s.r.LeaveRing()
		fmt.Fprintln(s.out, "left the ring")

	case DirectJoin:
		succ := ringproto.Identity{ID: cmd.SuccID, IP: cmd.IP, Port: cmd.Port}
		if err := s.r.DirectJoin(cmd.SelfID, succ); err != nil {
			fmt.Fprintln(s.out, "direct join failed:", err)
			return false
		}
		fmt.Fprintln(s.out, "joined directly")

	case Chord:
		if err := s.r.RequestChord(); err != nil {
			fmt.Fprintln(s.out, "chord request failed:", err)
			return false
		}
		alreadyConnected := func(id int) bool {
			_, ok := s.r.Registry().FindByNodeID(id)
			return ok
		}
		nodes, err := s.queryNodesWithRetry(s.r.RingID(), s.r.Self().ID, true, alreadyConnected)
		if err != nil {
			fmt.Fprintln(s.out, "chord request failed:", err)
			return false
		}
		if err := s.r.ReceiveNodeList(nodes); err != nil {
			fmt.Fprintln(s.out, "chord request failed:", err)
			return false
		}
		s.awaiting = selectChord
		s.printCandidates()

	case RemoveChord:
		if err := s.r.RemoveOutboundChord(); err != nil {
			fmt.Fprintln(s.out, "remove chord failed:", err)
			return false
		}
		fmt.Fprintln(s.out, "chord removed")

	case Message:
		if err := s.r.SendChat(cmd.TargetID, cmd.Text); err != nil {
			fmt.Fprintln(s.out, "message failed:", err)
			return false
		}

	case ShowTopology:
		s.showTopology()

	case ShowRouting:
		s.showRouting(cmd.TargetID)

	case ShowPath:
		s.showPath(cmd.TargetID)

	case Exit:
		return true
	}
	return false
}

func (s *Shell) showTopology() {
	fmt.Fprintf(s.out, "self: %d\n", s.r.Self().ID)
	if pred, ok := s.r.Registry().Predecessor(); ok {
		fmt.Fprintf(s.out, "predecessor: %d\n", pred.PeerID)
	} else {
		fmt.Fprintln(s.out, "predecessor: none")
	}
	fmt.Fprintf(s.out, "successor: %d\n", s.r.Succ().ID)
	fmt.Fprintf(s.out, "second successor: %d\n", s.r.SecondSucc().ID)
	if chord, ok := s.r.Registry().OutboundChord(); ok {
		fmt.Fprintf(s.out, "outbound chord: %d\n", chord.PeerID)
	}
	for _, c := range s.r.Registry().Chords() {
		if s.r.Registry().IsInboundChord(c) {
			fmt.Fprintf(s.out, "inbound chord: %d\n", c.PeerID)
		}
	}
}

func (s *Shell) showRouting(id int) {
	neighborID, ok := s.r.Routing().Forward(id)
	if !ok {
		fmt.Fprintf(s.out, "no route to %d\n", id)
		return
	}
	path, _ := s.r.Routing().ChosenPath(id)
	fmt.Fprintf(s.out, "route to %d via neighbor %d, %d hop(s)\n", id, neighborID, path.Hops)
}

func (s *Shell) showPath(id int) {
	path, ok := s.r.Routing().ChosenPath(id)
	if !ok {
		fmt.Fprintf(s.out, "no path to %d\n", id)
		return
	}
	neighborID, _ := s.r.Routing().Forward(id)
	nodes := append([]int{s.r.Self().ID, neighborID}, path.Nodes...)
	if neighborID != id {
		nodes = append(nodes, id)
	}
	strs := make([]string, len(nodes))
	for i, n := range nodes {
		strs[i] = strconv.Itoa(n)
	}
	fmt.Fprintln(s.out, strings.Join(strs, "-"))
}
