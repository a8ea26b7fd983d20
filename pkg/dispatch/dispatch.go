// Package dispatch fans work units out across the fleet. Each unit is one
// resource on one node; a node's failure only affects that node's units.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"deckhand/pkg/api"
	"deckhand/pkg/auth"
	"deckhand/pkg/model"
	"deckhand/pkg/transport"
)

const (
	DefaultConcurrency    = 8
	DefaultPerNode        = 2
	DefaultConnectTimeout = 10 * time.Second
	DefaultExecuteTimeout = 60 * time.Second
)

// Options bound the dispatcher.
type Options struct {
	Concurrency    int
	PerNode        int
	ConnectTimeout time.Duration
	ExecuteTimeout time.Duration
	Signer         *auth.Signer
	Logger         *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PerNode <= 0 {
		o.PerNode = DefaultPerNode
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ExecuteTimeout <= 0 {
		o.ExecuteTimeout = DefaultExecuteTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Unit is one action against one node.
type Unit struct {
	Key      model.ResourceKey
	Node     model.Node
	Op       model.Op
	Reason   string // carried into the result for skip units
	Manifest []byte
	Hash     string
}

// Result is the outcome of one Unit.
type Result struct {
	Unit     Unit
	Outcome  model.Outcome
	Reason   string
	Err      error
	Duration time.Duration
	// Sent is set once the command went out on an open session. A failed
	// unit that was sent may have left the node changed.
	Sent bool
}

// Canceled reports whether the unit was cut short by the caller. Canceled
// units are Failed and must not be taken as applied.
func (r Result) Canceled() bool { return r.Reason == model.ReasonCanceled }

// Dispatcher executes units over a Transport.
type Dispatcher struct {
	transport transport.Transport
	opts      Options
	log       *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(t transport.Transport, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		transport: t,
		opts:      opts,
		log:       opts.Logger.WithField("component", "dispatch"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Run executes units and returns one result per unit in input order. It
// never fails as a whole; every failure is attached to its unit.
//
// A unit holds its node's slot before it competes for one of the
// Concurrency slots, so units queued behind a slow node never occupy
// capacity that other nodes could use.
func (d *Dispatcher) Run(ctx context.Context, units []Unit) []Result {
	results := make([]Result, len(units))
	run := newRun(d, ctx)
	defer run.close()

	type indexed struct {
		i int
		r Result
	}
	out := make(chan indexed, len(units))
	g := new(errgroup.Group)
	for i, u := range units {
		if !u.Op.Dispatched() {
			out <- indexed{i, local(u)}
			continue
		}
		i, u := i, u
		g.Go(func() error {
			out <- indexed{i, run.execute(ctx, u)}
			return nil
		})
	}
	_ = g.Wait()
	close(out)
	for r := range out {
		results[r.i] = r.r
	}
	return results
}

func local(u Unit) Result {
	if u.Op == model.OpNoop {
		return Result{Unit: u, Outcome: model.OutcomeUnchanged, Reason: u.Reason}
	}
	return Result{Unit: u, Outcome: model.OutcomeSkipped, Reason: u.Reason}
}

// lock serializes operations on one resource at one node.
func (d *Dispatcher) lock(node string, key model.ResourceKey) *sync.Mutex {
	id := node + "|" + key.String()
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.locks[id]
	if !ok {
		m = &sync.Mutex{}
		d.locks[id] = m
	}
	return m
}

// run holds per-invocation state: open sessions, nodes marked down and the
// fleet-wide slots.
type run struct {
	d      *Dispatcher
	parent context.Context
	slots  *semaphore.Weighted

	mu    sync.Mutex
	nodes map[string]*nodeConn
}

type nodeConn struct {
	sem *semaphore.Weighted

	once    sync.Once
	session transport.Session
	client  *transport.Client
	openErr error

	mu   sync.Mutex
	down error
}

func newRun(d *Dispatcher, parent context.Context) *run {
	return &run{
		d:      d,
		parent: parent,
		slots:  semaphore.NewWeighted(int64(d.opts.Concurrency)),
		nodes:  make(map[string]*nodeConn),
	}
}

func (r *run) conn(name string) *nodeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.nodes[name]
	if !ok {
		c = &nodeConn{sem: semaphore.NewWeighted(int64(r.d.opts.PerNode))}
		r.nodes[name] = c
	}
	return c
}

func (r *run) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.nodes {
		if c.session != nil {
			_ = c.session.Close()
		}
	}
}

func (c *nodeConn) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down == nil {
		c.down = err
	}
}

func (c *nodeConn) isDown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

func (r *run) open(ctx context.Context, node model.Node, c *nodeConn) (*transport.Client, error) {
	c.once.Do(func() {
		cctx, cancel := context.WithTimeout(ctx, r.d.opts.ConnectTimeout)
		defer cancel()
		s, err := r.d.transport.Open(cctx, node)
		if err != nil {
			c.openErr = transport.Wrap(node.Name, "connect", err)
			return
		}
		c.session = s
		c.client = transport.NewClient(s, node.Name, r.d.opts.Signer)
	})
	return c.client, c.openErr
}

func (r *run) execute(ctx context.Context, u Unit) Result {
	c := r.conn(u.Node.Name)
	res := Result{Unit: u}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return canceled(res, err)
	}
	defer c.sem.Release(1)

	m := r.d.lock(u.Node.Name, u.Key)
	m.Lock()
	defer m.Unlock()

	if err := c.isDown(); err != nil {
		return unreachable(res)
	}
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return canceled(res, err)
	}
	defer r.slots.Release(1)
	if err := ctx.Err(); err != nil {
		return canceled(res, err)
	}
	// The node may have gone down while this unit waited for a slot.
	if err := c.isDown(); err != nil {
		return unreachable(res)
	}

	start := time.Now()
	res.Outcome, res.Sent, res.Err = r.call(ctx, u, c)
	res.Duration = time.Since(start)

	log := r.d.log.WithFields(logrus.Fields{"node": u.Node.Name, "resource": u.Key.String(), "op": u.Op})
	var te *model.TransportError
	switch {
	case res.Err == nil:
		log.WithField("outcome", res.Outcome).Debug("unit done")
	case ctx.Err() != nil:
		// The caller gave up; whether the agent acted is unknown.
		res = canceled(res, ctx.Err())
		log.Debug("unit canceled")
	case errors.As(res.Err, &te):
		c.markDown(res.Err)
		res.Outcome = model.OutcomeFailed
		if te.Timeout {
			res.Reason = "timeout"
		}
		log.WithError(res.Err).Warn("node unreachable, skipping its remaining units")
	default:
		res.Outcome = model.OutcomeFailed
		log.WithError(res.Err).Warn("unit failed")
	}
	return res
}

func unreachable(res Result) Result {
	res.Outcome, res.Reason = model.OutcomeSkipped, model.ReasonUnreachable
	return res
}

func canceled(res Result, err error) Result {
	res.Outcome, res.Reason, res.Err = model.OutcomeFailed, model.ReasonCanceled, err
	return res
}

func (r *run) call(ctx context.Context, u Unit, c *nodeConn) (model.Outcome, bool, error) {
	client, err := r.open(ctx, u.Node, c)
	if err != nil {
		return model.OutcomeFailed, false, err
	}
	ectx, cancel := context.WithTimeout(ctx, r.d.opts.ExecuteTimeout)
	defer cancel()

	var outcome model.Outcome
	switch u.Op {
	case model.OpCreate, model.OpUpdate:
		outcome, _, err = client.Apply(ectx, api.ApplyRequest{
			Kind: u.Key.Kind, Name: u.Key.Name, Namespace: u.Key.Namespace,
			Manifest: u.Manifest, Hash: u.Hash,
		})
	case model.OpDelete:
		outcome, _, err = client.Remove(ectx, api.RemoveRequest{
			Kind: u.Key.Kind, Name: u.Key.Name, Namespace: u.Key.Namespace,
		})
	default:
		return model.OutcomeFailed, false, fmt.Errorf("op %s is not dispatchable", u.Op)
	}
	if err != nil {
		return model.OutcomeFailed, true, err
	}
	if !outcome.Succeeded() {
		return model.OutcomeFailed, true, fmt.Errorf("node %s: agent returned %s", u.Node.Name, outcome)
	}
	return outcome, true, nil
}
