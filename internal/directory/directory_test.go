package directory

import (
	"net"
	"strconv"
	"testing"
	"time"

	"ringd/internal/ringproto"
)

// fakeServer is a minimal UDP directory stand-in: it listens on loopback
// and lets the test script a single canned reply to whatever it receives.
type fakeServer struct {
	conn *net.UDPConn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{conn: conn}
}

func (s *fakeServer) addr() (ip, port string) {
	a := s.conn.LocalAddr().(*net.UDPAddr)
	return a.IP.String(), strconv.Itoa(a.Port)
}

// respondOnce reads one datagram and writes back reply to its sender.
func (s *fakeServer) respondOnce(t *testing.T, reply []byte) {
	t.Helper()
	buf := make([]byte, 4096)
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	_ = n
	if _, err := s.conn.WriteToUDP(reply, from); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *fakeServer) close() { s.conn.Close() }

func TestQueryNodesParsesWellFormedReply(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	ip, port := srv.addr()

	client, err := Dial(ip, port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	done := make(chan struct{})
	go func() {
		srv.respondOnce(t, []byte("NODESLIST abc\n5 10.0.0.5 9005\n7 10.0.0.7 9007\n"))
		close(done)
	}()

	nodes, err := client.QueryNodes("abc", 1, false, nil)
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	<-done
	if len(nodes) != 2 || nodes[0].ID != 5 || nodes[1].ID != 7 {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestQueryNodesEmptyRing(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	ip, port := srv.addr()

	client, err := Dial(ip, port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	go srv.respondOnce(t, []byte("NODESLIST abc\n"))

	nodes, err := client.QueryNodes("abc", 1, false, nil)
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected empty ring, got %+v", nodes)
	}
}

func TestQueryNodesChordModeFiltersSelfAndConnected(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	ip, port := srv.addr()

	client, err := Dial(ip, port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	go srv.respondOnce(t, []byte("NODESLIST abc\n1 10.0.0.1 9001\n5 10.0.0.5 9005\n7 10.0.0.7 9007\n"))

	connected := map[int]bool{5: true}
	nodes, err := client.QueryNodes("abc", 1, true, func(id int) bool { return connected[id] })
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != 7 {
		t.Fatalf("expected only node 7 to survive chord filtering, got %+v", nodes)
	}
}

func TestQueryNodesMalformedHeaderRejected(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	ip, port := srv.addr()

	client, err := Dial(ip, port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	go srv.respondOnce(t, []byte("BOGUS abc\n"))

	_, err = client.QueryNodes("abc", 1, false, nil)
	if err == nil {
		t.Fatalf("expected an error for a malformed header")
	}
}

func TestQueryNodesTimesOut(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	ip, port := srv.addr()

	client, err := Dial(ip, port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	client.SetTimeout(50 * time.Millisecond)

	_, err = client.QueryNodes("abc", 1, false, nil)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestRegisterAndDeregisterSendExpectedLines(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()
	ip, port := srv.addr()

	client, err := Dial(ip, port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	buf := make([]byte, 256)
	srv.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := client.Register("abc", ringproto.Identity{ID: 3, IP: "10.0.0.3", Port: "9003"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	n, _, err := srv.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if got := string(buf[:n]); got != "REG abc 3 10.0.0.3 9003" {
		t.Fatalf("REG line = %q", got)
	}

	if err := client.Deregister("abc", 3); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	n, _, err = srv.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if got := string(buf[:n]); got != "UNREG abc 3" {
		t.Fatalf("UNREG line = %q", got)
	}
}
