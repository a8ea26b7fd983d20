// Package loopback is an in-process Transport backed by real agents. It
// pushes every envelope through the wire codec and can inject faults.
package loopback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"deckhand/pkg/agent"
	"deckhand/pkg/api"
	"deckhand/pkg/model"
	"deckhand/pkg/transport"
)

// Fault alters how a node's channel behaves.
type Fault int

const (
	FaultNone Fault = iota
	// FaultUnreachable fails Open immediately.
	FaultUnreachable
	// FaultHang blocks every command until its context ends.
	FaultHang
	// FaultDrop fails every command after the session opened.
	FaultDrop
)

var ErrUnreachable = errors.New("connection refused")

// Call is one envelope an agent received.
type Call struct {
	Node    string
	Command api.Command
	Key     model.ResourceKey
}

// Network routes sessions to agents by node name.
type Network struct {
	mu     sync.Mutex
	agents map[string]*agent.Agent
	states map[string]*agent.MemoryState
	faults map[string]Fault
	calls  []Call
	log    *logrus.Entry
}

func New() *Network {
	return &Network{
		agents: make(map[string]*agent.Agent),
		states: make(map[string]*agent.MemoryState),
		faults: make(map[string]Fault),
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Add starts an agent for node with in-memory state and the given runtime.
// A nil runtime applies nothing.
func (n *Network) Add(node string, runtime agent.Runtime, secret string) *agent.Agent {
	if runtime == nil {
		runtime = &agent.HookRuntime{}
	}
	state := agent.NewMemoryState()
	a := agent.New(state, runtime, agent.Options{Node: node, Secret: secret, Logger: n.log})
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agents[node] = a
	n.states[node] = state
	return a
}

// State exposes a node agent's local state for inspection.
func (n *Network) State(node string) *agent.MemoryState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.states[node]
}

func (n *Network) SetFault(node string, f Fault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[node] = f
}

// Calls returns received envelopes in arrival order.
func (n *Network) Calls() []Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Call(nil), n.calls...)
}

// CallsFor filters Calls by node and command. An empty node matches all.
func (n *Network) CallsFor(node string, cmd api.Command) []Call {
	var out []Call
	for _, c := range n.Calls() {
		if (node == "" || c.Node == node) && c.Command == cmd {
			out = append(out, c)
		}
	}
	return out
}

func (n *Network) ResetCalls() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = nil
}

func (n *Network) Open(ctx context.Context, node model.Node) (transport.Session, error) {
	n.mu.Lock()
	a, ok := n.agents[node.Name]
	fault := n.faults[node.Name]
	n.mu.Unlock()
	if !ok || fault == FaultUnreachable {
		return nil, transport.Wrap(node.Name, "connect", fmt.Errorf("dial %s: %w", node.Address, ErrUnreachable))
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.Wrap(node.Name, "connect", err)
	}
	return &session{net: n, node: node.Name, agent: a}, nil
}

func (n *Network) Close() error { return nil }

func (n *Network) fault(node string) Fault {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.faults[node]
}

func (n *Network) record(node string, env api.Envelope) {
	c := Call{Node: node, Command: env.Command}
	switch {
	case env.Apply != nil:
		c.Key = env.Apply.Key()
	case env.Remove != nil:
		c.Key = env.Remove.Key()
	}
	n.mu.Lock()
	n.calls = append(n.calls, c)
	n.mu.Unlock()
}

type session struct {
	net   *Network
	node  string
	agent *agent.Agent
}

func (s *session) Do(ctx context.Context, env api.Envelope) (api.Reply, error) {
	switch s.net.fault(s.node) {
	case FaultHang:
		<-ctx.Done()
		return api.Reply{}, ctx.Err()
	case FaultDrop, FaultUnreachable:
		return api.Reply{}, fmt.Errorf("session to %s: %w", s.node, ErrUnreachable)
	}
	if err := ctx.Err(); err != nil {
		return api.Reply{}, err
	}
	var in, out bytes.Buffer
	if err := api.WriteEnvelope(&in, env); err != nil {
		return api.Reply{}, err
	}
	s.net.record(s.node, env)
	if err := s.agent.Serve(ctx, &in, &out); err != nil {
		return api.Reply{}, err
	}
	return api.ReadReply(&out)
}

func (s *session) Close() error { return nil }
