package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"deckhand/pkg/dispatch"
	"deckhand/pkg/model"
)

// RegisterNode persists n, optionally installs the agent, and probes it.
// Conflicts reject the registration; a failed probe or install only leaves
// the node Unhealthy.
func (r *Reconciler) RegisterNode(ctx context.Context, n model.Node, force bool) (model.Node, error) {
	inv := r.begin("register")
	now := r.now()
	n.Health = model.HealthUnknown
	n.Message = ""
	n.CreatedAt, n.UpdatedAt = now, now
	stored, err := r.ledger.RegisterNode(ctx, n, force)
	if err != nil {
		return model.Node{}, err
	}
	log := inv.log.WithField("node", stored.Name)

	var probe dispatch.Probe
	install := ""
	if r.install != "" {
		if err := r.fleet.Provision(ctx, stored, r.install); err != nil {
			probe = dispatch.Probe{Node: stored.Name, Err: err}
			install = " install failed"
		}
	}
	if probe.Err == nil {
		probe = r.fleet.Probe(ctx, []model.Node{stored})[0]
	}
	observe(&stored, probe, r.now())
	if err := r.ledger.UpdateNode(context.WithoutCancel(ctx), stored); err != nil {
		return stored, fmt.Errorf("record node health: %w", err)
	}
	log.WithFields(logrus.Fields{"health": stored.Health, "address": stored.Address}).Info("node registered")
	r.audit(ctx, inv.id, "register", stored.Name,
		fmt.Sprintf("address=%s subnet=%s health=%s%s", stored.Address, stored.SubnetCIDR, stored.Health, install))
	return stored, nil
}

// DeregisterNode removes a node from the registry and returns the
// resources that still record a deployment on it. Those entries are left
// for the operator to resolve.
func (r *Reconciler) DeregisterNode(ctx context.Context, name string) ([]model.ResourceKey, error) {
	inv := r.begin("deregister")
	if _, err := r.ledger.GetNode(ctx, name); err != nil {
		return nil, fmt.Errorf("node %s: %w", name, err)
	}
	held, err := r.ledger.ListResources(ctx, model.ResourceFilter{Node: name})
	if err != nil {
		return nil, fmt.Errorf("list resources on %s: %w", name, err)
	}
	if err := r.ledger.DeleteNode(ctx, name); err != nil {
		return nil, err
	}
	keys := sortedKeys(held)
	if len(keys) > 0 {
		inv.log.WithFields(logrus.Fields{"node": name, "resources": len(keys)}).Warn("deregistered node still holds resources")
	}
	detail := "clean"
	if len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		detail = "still recorded: " + strings.Join(names, ", ")
	}
	r.audit(ctx, inv.id, "deregister", name, detail)
	return keys, nil
}

// Cordon marks a node unschedulable for new single-target resources. The
// ledger is updated even when the agent cannot be reached; the returned
// error then says the agent still has the old flag.
func (r *Reconciler) Cordon(ctx context.Context, name string, cordoned bool) (model.Node, error) {
	action := "uncordon"
	if cordoned {
		action = "cordon"
	}
	inv := r.begin(action)
	n, err := r.ledger.GetNode(ctx, name)
	if err != nil {
		return model.Node{}, fmt.Errorf("node %s: %w", name, err)
	}
	st, agentErr := r.fleet.Cordon(ctx, n, cordoned)
	now := r.now()
	n.Cordoned = cordoned
	n.UpdatedAt = now
	if agentErr == nil {
		n.Health = st.Health
		n.AgentBuild = st.Build
		n.LastContact = now
		n.Message = ""
	}
	if err := r.ledger.UpdateNode(context.WithoutCancel(ctx), n); err != nil {
		return n, err
	}
	detail := "agent updated"
	if agentErr != nil {
		detail = "agent not updated: " + agentErr.Error()
		inv.log.WithError(agentErr).WithField("node", name).Warn(action + " not delivered to agent")
	}
	r.audit(ctx, inv.id, action, name, detail)
	if agentErr != nil {
		return n, fmt.Errorf("%s %s recorded, agent not updated: %w", action, name, agentErr)
	}
	return n, nil
}

func (r *Reconciler) ListNodes(ctx context.Context) ([]model.Node, error) {
	return r.ledger.ListNodes(ctx)
}
