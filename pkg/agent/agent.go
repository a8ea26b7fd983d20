// Package agent is the node side of deckhand: it executes one command per
// invocation against the local runtime and records what it applied.
package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deckhand/pkg/api"
	"deckhand/pkg/auth"
	"deckhand/pkg/model"
)

// Options configure an Agent.
type Options struct {
	Node   string // when set, commands addressed to another node are refused
	Secret string // when set, mutating commands must carry a valid token
	Logger *logrus.Entry
}

// Agent handles command envelopes for one node.
type Agent struct {
	node    string
	secret  string
	state   State
	runtime Runtime
	log     *logrus.Entry
	now     func() time.Time

	mu sync.Mutex
}

func New(state State, runtime Runtime, opts Options) *Agent {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Agent{
		node:    opts.Node,
		secret:  opts.Secret,
		state:   state,
		runtime: runtime,
		log:     log.WithField("component", "agent"),
		now:     time.Now,
	}
}

// Serve reads one envelope from r and writes its reply to w.
func (a *Agent) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	env, err := api.ReadEnvelope(r)
	if err != nil {
		_ = api.WriteReply(w, api.Reply{Outcome: model.OutcomeFailed, Error: err.Error()})
		return err
	}
	return api.WriteReply(w, a.Handle(ctx, env))
}

// Handle executes env. Commands are serialized within one agent.
func (a *Agent) Handle(ctx context.Context, env api.Envelope) api.Reply {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.log.WithField("command", env.Command)
	if a.node != "" && env.Node != "" && env.Node != a.node {
		return failed(fmt.Errorf("command addressed to node %q, this is %q", env.Node, a.node))
	}
	if a.secret != "" && env.Command != api.CommandStatus {
		if err := auth.Verify(a.secret, env); err != nil {
			log.WithError(err).Warn("rejected unsigned command")
			return failed(fmt.Errorf("unauthorized: %w", err))
		}
	}

	var reply api.Reply
	switch env.Command {
	case api.CommandApply:
		if env.Apply == nil {
			return failed(fmt.Errorf("apply command without request"))
		}
		reply = a.apply(ctx, *env.Apply)
	case api.CommandRemove:
		if env.Remove == nil {
			return failed(fmt.Errorf("remove command without request"))
		}
		reply = a.remove(ctx, *env.Remove)
	case api.CommandStatus:
		reply = a.status(ctx)
	case api.CommandCordon, api.CommandUncordon:
		if err := a.state.SetCordoned(ctx, env.Command == api.CommandCordon); err != nil {
			return failed(fmt.Errorf("%s: %w", env.Command, err))
		}
		reply = a.status(ctx)
	default:
		return failed(fmt.Errorf("unknown command %q", env.Command))
	}
	log.WithFields(logrus.Fields{"outcome": reply.Outcome, "error": reply.Error}).Debug("handled command")
	return reply
}

func (a *Agent) apply(ctx context.Context, req api.ApplyRequest) api.Reply {
	key := req.Key()
	if !key.Kind.Valid() || key.Name == "" || key.Namespace == "" || req.Hash == "" {
		return failed(fmt.Errorf("malformed apply request for %s", key))
	}
	stored, ok, err := a.state.Get(ctx, key)
	if err != nil {
		return failed(fmt.Errorf("read state for %s: %w", key, err))
	}
	if ok && stored.Hash == req.Hash {
		return api.Reply{Outcome: model.OutcomeUnchanged, Message: "already at " + short(req.Hash)}
	}

	outcome := model.OutcomeCreated
	if ok {
		outcome = model.OutcomeUpdated
		if err := a.runtime.Remove(ctx, key, stored.Manifest); err != nil {
			return failed(fmt.Errorf("recreate %s: remove: %w", key, err))
		}
		// The old workload is gone; forget it before starting the new one.
		if err := a.state.Delete(ctx, key); err != nil {
			return failed(fmt.Errorf("recreate %s: %w", key, err))
		}
	}
	if err := a.runtime.Apply(ctx, key, req.Hash, req.Manifest); err != nil {
		return failed(fmt.Errorf("apply %s: %w", key, err))
	}
	if err := a.state.Put(ctx, Entry{Key: key, Hash: req.Hash, Manifest: req.Manifest, UpdatedAt: a.now()}); err != nil {
		return failed(fmt.Errorf("record %s: %w", key, err))
	}
	return api.Reply{Outcome: outcome, Message: "applied " + short(req.Hash)}
}

func (a *Agent) remove(ctx context.Context, req api.RemoveRequest) api.Reply {
	key := req.Key()
	stored, ok, err := a.state.Get(ctx, key)
	if err != nil {
		return failed(fmt.Errorf("read state for %s: %w", key, err))
	}
	if !ok {
		return api.Reply{Outcome: model.OutcomeDeleted, Message: "not present"}
	}
	if err := a.runtime.Remove(ctx, key, stored.Manifest); err != nil {
		return failed(fmt.Errorf("remove %s: %w", key, err))
	}
	if err := a.state.Delete(ctx, key); err != nil {
		return failed(fmt.Errorf("forget %s: %w", key, err))
	}
	return api.Reply{Outcome: model.OutcomeDeleted}
}

func failed(err error) api.Reply {
	return api.Reply{Outcome: model.OutcomeFailed, Error: err.Error()}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
