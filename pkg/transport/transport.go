// Package transport carries agent command envelopes to nodes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"deckhand/pkg/api"
	"deckhand/pkg/auth"
	"deckhand/pkg/model"
)

// Transport opens command sessions to node agents.
type Transport interface {
	Open(ctx context.Context, node model.Node) (Session, error)
	Close() error
}

// Session delivers envelopes to one node's agent.
type Session interface {
	Do(ctx context.Context, env api.Envelope) (api.Reply, error)
	Close() error
}

// Provisioner is implemented by sessions that can run arbitrary setup
// commands on the node, such as installing the agent.
type Provisioner interface {
	Provision(ctx context.Context, script string) ([]byte, error)
}

// AgentError is a failure the agent reported; the channel itself worked.
type AgentError struct {
	Node    string
	Command api.Command
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("node %s: agent %s: %s", e.Node, e.Command, e.Message)
}

// Client speaks the agent command contract over a Session.
type Client struct {
	session Session
	node    string
	signer  *auth.Signer
}

// NewClient wraps s for node. signer may be nil.
func NewClient(s Session, node string, signer *auth.Signer) *Client {
	return &Client{session: s, node: node, signer: signer}
}

// Apply sends a manifest and returns the agent's outcome.
func (c *Client) Apply(ctx context.Context, req api.ApplyRequest) (model.Outcome, string, error) {
	reply, err := c.do(ctx, api.Envelope{Command: api.CommandApply, Apply: &req})
	if err != nil {
		return model.OutcomeFailed, "", err
	}
	return reply.Outcome, reply.Message, nil
}

// Remove deletes a resource and returns the agent's outcome.
func (c *Client) Remove(ctx context.Context, req api.RemoveRequest) (model.Outcome, string, error) {
	reply, err := c.do(ctx, api.Envelope{Command: api.CommandRemove, Remove: &req})
	if err != nil {
		return model.OutcomeFailed, "", err
	}
	return reply.Outcome, reply.Message, nil
}

// Status returns the agent's health and running resources.
func (c *Client) Status(ctx context.Context) (api.NodeStatus, error) {
	return c.status(ctx, api.CommandStatus)
}

// Cordon sets or clears the node's cordon flag.
func (c *Client) Cordon(ctx context.Context, cordoned bool) (api.NodeStatus, error) {
	cmd := api.CommandUncordon
	if cordoned {
		cmd = api.CommandCordon
	}
	return c.status(ctx, cmd)
}

func (c *Client) status(ctx context.Context, cmd api.Command) (api.NodeStatus, error) {
	reply, err := c.do(ctx, api.Envelope{Command: cmd})
	if err != nil {
		return api.NodeStatus{}, err
	}
	if reply.Status == nil {
		return api.NodeStatus{}, &AgentError{Node: c.node, Command: cmd, Message: "reply carries no status"}
	}
	return *reply.Status, nil
}

func (c *Client) do(ctx context.Context, env api.Envelope) (api.Reply, error) {
	env.Node = c.node
	env, err := c.signer.Sign(env)
	if err != nil {
		return api.Reply{}, err
	}
	reply, err := c.session.Do(ctx, env)
	if err != nil {
		return api.Reply{}, Wrap(c.node, string(env.Command), err)
	}
	if reply.Error != "" {
		return reply, &AgentError{Node: c.node, Command: env.Command, Message: reply.Error}
	}
	return reply, nil
}

// Wrap turns a channel failure into a *model.TransportError, classifying
// deadline and network timeouts. Errors already wrapped pass through.
func Wrap(node, op string, err error) error {
	var te *model.TransportError
	if errors.As(err, &te) {
		return err
	}
	var ne net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
	return &model.TransportError{Node: node, Op: op, Timeout: timeout, Err: err}
}
