package node_test

import (
	"net"
	"testing"
	"time"

	"ringd/internal/node"
	"ringd/internal/ring"
	"ringd/internal/ringproto"

	"github.com/stretchr/testify/require"
)

// stubDirectory satisfies node.Directory without reaching any real
// bootstrap backend; node.New requires one, but a direct join (the only
// ring operation this smoke test drives) never calls it.
type stubDirectory struct{}

func (stubDirectory) Register(ringID string, self ringproto.Identity) error { return nil }
func (stubDirectory) Deregister(ringID string, selfID int) error            { return nil }
func (stubDirectory) QueryNodes(ringID string, selfID int, chordMode bool, alreadyConnected func(id int) bool) ([]ringproto.Identity, error) {
	return nil, nil
}

// TestNewAssemblesAWorkingNode checks that New wires the Registry,
// routing Engine, Ring, Dispatcher, Shell, and Loop together into
// something that can actually run a ring operation, rather than just
// type-checking. It stops short of driving Loop.Run (which starts a
// real github.com/peterh/liner stdin prompt, not worth seaming out of
// production code for a test); the watching dialer's interaction with
// WatchConn over a real socket is exercised at the Ring+dispatch layer
// by internal/ring/scenario_test.go's equivalent harness.
func TestNewAssemblesAWorkingNode(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	n := node.New(ringproto.NoID, "127.0.0.1", port, ln, stubDirectory{}, 500*time.Millisecond, nil, nil)
	require.NotNil(t, n.Ring)
	require.NotNil(t, n.Loop)
	require.Equal(t, ring.Disconnected, n.Ring.State())

	self := ringproto.Identity{ID: 1, IP: "127.0.0.1", Port: port}
	require.NoError(t, n.Ring.DirectJoin(1, self))
	require.Equal(t, ring.Connected, n.Ring.State())
	require.Equal(t, 1, n.Ring.Succ().ID)
	require.Equal(t, 1, n.Ring.SecondSucc().ID)

	n.Ring.SetPredecessorTimeout(250 * time.Millisecond)

	require.NoError(t, n.Close())
}
