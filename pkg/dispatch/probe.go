package dispatch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"deckhand/pkg/api"
	"deckhand/pkg/model"
	"deckhand/pkg/transport"
)

// ErrNoProvision is returned when the transport cannot run setup commands.
var ErrNoProvision = errors.New("transport does not support provisioning")

// Probe is one node's answer to a Status command.
type Probe struct {
	Node   string
	Status api.NodeStatus
	Err    error
}

// Reachable reports whether the node answered at all.
func (p Probe) Reachable() bool {
	var te *model.TransportError
	return p.Err == nil || !errors.As(p.Err, &te)
}

// Probe queries every node's status concurrently. Results follow the order
// of nodes.
func (d *Dispatcher) Probe(ctx context.Context, nodes []model.Node) []Probe {
	out := make([]Probe, len(nodes))
	g := new(errgroup.Group)
	g.SetLimit(d.opts.Concurrency)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			st, err := d.status(ctx, n, nil)
			out[i] = Probe{Node: n.Name, Status: st, Err: err}
			if err != nil {
				d.log.WithField("node", n.Name).WithError(err).Info("probe failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Cordon sets the node's cordon flag on its agent.
func (d *Dispatcher) Cordon(ctx context.Context, node model.Node, cordoned bool) (api.NodeStatus, error) {
	return d.status(ctx, node, &cordoned)
}

func (d *Dispatcher) status(ctx context.Context, node model.Node, cordon *bool) (api.NodeStatus, error) {
	client, closeFn, err := d.connect(ctx, node)
	if err != nil {
		return api.NodeStatus{}, err
	}
	defer closeFn()
	ectx, cancel := context.WithTimeout(ctx, d.opts.ExecuteTimeout)
	defer cancel()
	if cordon != nil {
		return client.Cordon(ectx, *cordon)
	}
	return client.Status(ectx)
}

// Provision runs script on the node, for example to install the agent.
func (d *Dispatcher) Provision(ctx context.Context, node model.Node, script string) error {
	cctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	s, err := d.transport.Open(cctx, node)
	cancel()
	if err != nil {
		return transport.Wrap(node.Name, "connect", err)
	}
	defer s.Close()
	p, ok := s.(transport.Provisioner)
	if !ok {
		return ErrNoProvision
	}
	ectx, cancel := context.WithTimeout(ctx, d.opts.ExecuteTimeout)
	defer cancel()
	if out, err := p.Provision(ectx, script); err != nil {
		return fmt.Errorf("provision %s: %w (output %q)", node.Name, err, out)
	}
	return nil
}

func (d *Dispatcher) connect(ctx context.Context, node model.Node) (*transport.Client, func(), error) {
	cctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()
	s, err := d.transport.Open(cctx, node)
	if err != nil {
		return nil, nil, transport.Wrap(node.Name, "connect", err)
	}
	return transport.NewClient(s, node.Name, d.opts.Signer), func() { _ = s.Close() }, nil
}
