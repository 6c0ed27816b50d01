// Package harness drives a small cluster of ringd node processes,
// each in its own Docker container on a private bridge network,
// through join/direct-join/message scenarios over their stdin command
// interface (SPEC_FULL §4.10). It supplements the interactive-only
// testing story of a single node with the kind of multi-node
// integration exerciser a real deployment of this protocol needs.
// Grounded on the teacher's internal/client/tester, generalized from a
// gRPC lookup load generator to a Docker-container orchestrator for
// this protocol's stdin surface.
package harness

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"ringd/internal/harness/writer"
	"ringd/internal/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// node is one running container's harness-side handle: its name (used
// as its advertised address, resolved by Docker's embedded DNS), and
// the attached stdin/stdout stream the harness drives commands over.
type node struct {
	name string
	id   int
	conn io.ReadWriteCloser
	out  *bufio.Reader
}

// Harness owns the Docker resources and the live node handles for one
// cluster run.
type Harness struct {
	cfg    *Config
	log    logger.Logger
	w      writer.Writer
	docker *client.Client

	networkID string
	nodes     []*node
}

// New returns a Harness ready to Run. docker must be a connected
// client (client.NewClientWithOpts(client.FromEnv,
// client.WithAPIVersionNegotiation())).
func New(cfg *Config, log logger.Logger, w writer.Writer, docker *client.Client) *Harness {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Harness{cfg: cfg, log: log, w: w, docker: docker}
}

// Run creates the network, starts every node container, drives the
// join/message scenarios, and tears everything down before returning.
func (h *Harness) Run(ctx context.Context) error {
	if err := h.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("harness: network: %w", err)
	}
	defer h.teardownNetwork(context.Background())

	if err := h.startNodes(ctx); err != nil {
		return fmt.Errorf("harness: start nodes: %w", err)
	}
	defer h.teardownNodes(context.Background())

	if err := h.buildRing(ctx); err != nil {
		return fmt.Errorf("harness: build ring: %w", err)
	}

	if err := h.exchangeMessage(ctx); err != nil {
		return fmt.Errorf("harness: message exchange: %w", err)
	}

	return nil
}

func (h *Harness) ensureNetwork(ctx context.Context) error {
	resp, err := h.docker.NetworkCreate(ctx, h.cfg.Cluster.Network, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return err
	}
	h.networkID = resp.ID
	h.log.Info("created harness network", logger.F("network", h.cfg.Cluster.Network))
	return nil
}

func (h *Harness) teardownNetwork(ctx context.Context) {
	if h.networkID == "" {
		return
	}
	if err := h.docker.NetworkRemove(ctx, h.networkID); err != nil {
		h.log.Warn("failed to remove harness network", logger.F("err", err.Error()))
	}
}

// startNodes creates and starts one container per cluster node, each
// running ringd with its own-ip set to its container name (resolved by
// Docker's embedded DNS on the harness network) and no directory
// arguments — the cluster is assembled entirely by direct join.
func (h *Harness) startNodes(ctx context.Context) error {
	for i := 0; i < h.cfg.Cluster.NodeCount; i++ {
		name := fmt.Sprintf("%s-%d", h.cfg.Cluster.NamePrefix, i)
		cmd := []string{name, h.cfg.Cluster.TCPPort}

		created, err := h.docker.ContainerCreate(ctx,
			&container.Config{
				Image:        h.cfg.Cluster.Image,
				Cmd:          cmd,
				Tty:          false,
				OpenStdin:    true,
				AttachStdin:  true,
				AttachStdout: true,
				AttachStderr: true,
			},
			&container.HostConfig{},
			&network.NetworkingConfig{
				EndpointsConfig: map[string]*network.EndpointSettings{
					h.cfg.Cluster.Network: {},
				},
			},
			nil, name)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}

		if err := h.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}

		attach, err := h.docker.ContainerAttach(ctx, created.ID, container.AttachOptions{
			Stream: true, Stdin: true, Stdout: true, Stderr: true,
		})
		if err != nil {
			return fmt.Errorf("attach %s: %w", name, err)
		}

		h.nodes = append(h.nodes, &node{
			name: name,
			id:   i + 1,
			conn: attach.Conn,
			out:  bufio.NewReader(attach.Conn),
		})
		h.log.Info("started node container", logger.F("name", name))
	}
	return nil
}

func (h *Harness) teardownNodes(ctx context.Context) {
	for _, n := range h.nodes {
		_ = n.conn.Close()
		if err := h.docker.ContainerRemove(ctx, n.name, container.RemoveOptions{Force: true}); err != nil {
			h.log.Warn("failed to remove node container", logger.F("name", n.name), logger.F("err", err.Error()))
		}
	}
}

// sendLine writes one stdin command to n, matching spec.md §6's
// newline-terminated command surface.
func (n *node) sendLine(line string) error {
	_, err := io.WriteString(n.conn, line+"\n")
	return err
}

// awaitLine blocks until a line containing substr arrives on n's
// output, or ctx is done. It discards everything else — node startup
// banners, prompts, and unrelated log lines.
func (n *node) awaitLine(ctx context.Context, substr string) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			line, err := n.out.ReadString('\n')
			if strings.Contains(line, substr) {
				ch <- result{line: line}
				return
			}
			if err != nil {
				ch <- result{err: err}
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// buildRing makes node 0 a standalone ring via direct join, then
// direct-joins every other node against node 0 in turn — exercising
// the entry-insertion path (spec.md §8's "entry insertion" scenario)
// repeatedly against the same rendezvous point.
func (h *Harness) buildRing(ctx context.Context) error {
	if len(h.nodes) == 0 {
		return fmt.Errorf("no nodes started")
	}
	head := h.nodes[0]
	if err := head.sendLine(fmt.Sprintf("dj %d %d %s %s", head.id, head.id, head.name, h.cfg.Cluster.TCPPort)); err != nil {
		return err
	}
	h.log.Info("node formed a standalone ring", logger.F("node", head.name))

	for _, n := range h.nodes[1:] {
		waitCtx, cancel := context.WithTimeout(ctx, h.cfg.Scenario.WaitTimeout)
		cmd := fmt.Sprintf("dj %d %d %s %s", n.id, head.id, head.name, h.cfg.Cluster.TCPPort)
		start := time.Now()
		if err := n.sendLine(cmd); err != nil {
			cancel()
			return err
		}
		if _, err := n.awaitLine(waitCtx, "joined directly"); err != nil {
			cancel()
			return fmt.Errorf("%s did not confirm join: %w", n.name, err)
		}
		cancel()
		_ = h.w.WriteRow("join", n.name, time.Since(start))
		h.log.Info("node joined the ring", logger.F("node", n.name))
	}
	return nil
}

// exchangeMessage sends one chat message from the last node to the
// first and waits for the first node's stdout to report receipt,
// recording the observed round-trip latency.
func (h *Harness) exchangeMessage(ctx context.Context) error {
	if len(h.nodes) < 2 {
		return nil
	}
	sender := h.nodes[len(h.nodes)-1]
	recipient := h.nodes[0]

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.Scenario.WaitTimeout)
	defer cancel()

	start := time.Now()
	cmd := fmt.Sprintf("message %d %s", recipient.id, h.cfg.Scenario.MessageText)
	if err := sender.sendLine(cmd); err != nil {
		return err
	}
	if _, err := recipient.awaitLine(waitCtx, h.cfg.Scenario.MessageText); err != nil {
		return fmt.Errorf("recipient never observed the chat: %w", err)
	}
	rtt := time.Since(start)
	_ = h.w.WriteRow("message", fmt.Sprintf("%s->%s", sender.name, recipient.name), rtt)
	h.log.Info("chat delivered", logger.F("rtt", rtt.String()))
	return nil
}
