// Package diff decides, per target node, what has to happen to bring a
// node's copy of a resource to the desired hash.
package diff

import (
	"sort"

	"deckhand/pkg/model"
)

// ReasonNotTargeted marks an entry on a registered node that placement no
// longer selects; it is left in place.
const ReasonNotTargeted = "not targeted"

// Action is the decision for one (resource, node) pair.
type Action struct {
	Node   string
	Op     model.Op
	Reason string // set for OpSkip
}

// Registry resolves node names to their registry entry.
type Registry map[string]model.Node

// NewRegistry indexes nodes by name.
func NewRegistry(nodes []model.Node) Registry {
	r := make(Registry, len(nodes))
	for _, n := range nodes {
		r[n.Name] = n
	}
	return r
}

// Apply compares hash against the last-applied hash recorded for every
// target and returns one action per target, followed by skip actions for
// deployment entries on nodes that are no longer registered.
func Apply(hash string, targets []string, deployments map[string]model.Deployment, reg Registry) []Action {
	actions := make([]Action, 0, len(targets))
	targeted := make(map[string]bool, len(targets))
	for _, name := range targets {
		targeted[name] = true
		actions = append(actions, decide(hash, deployments[name].AppliedHash, reg[name].Health))
		actions[len(actions)-1].Node = name
	}
	for _, name := range sortedNodes(deployments) {
		if targeted[name] {
			continue
		}
		reason := ReasonNotTargeted
		if _, ok := reg[name]; !ok {
			reason = model.ReasonNotRegistered
		}
		actions = append(actions, Action{Node: name, Op: model.OpSkip, Reason: reason})
	}
	return actions
}

func decide(hash, stored string, health model.NodeHealth) Action {
	switch {
	case stored == hash:
		return Action{Op: model.OpNoop}
	case stored == "" && health.Dispatchable():
		return Action{Op: model.OpCreate}
	case stored == "":
		return Action{Op: model.OpSkip, Reason: model.ReasonUnreachable}
	case health.Dispatchable():
		return Action{Op: model.OpUpdate}
	default:
		return Action{Op: model.OpSkip, Reason: model.ReasonStale}
	}
}

// Remove issues a delete for every deployment entry. Entries on nodes that
// are unregistered or unhealthy are skipped and stay in the map.
func Remove(deployments map[string]model.Deployment, reg Registry) []Action {
	var actions []Action
	for _, name := range sortedNodes(deployments) {
		node, ok := reg[name]
		switch {
		case !ok:
			actions = append(actions, Action{Node: name, Op: model.OpSkip, Reason: model.ReasonNotRegistered})
		case !node.Health.Dispatchable():
			actions = append(actions, Action{Node: name, Op: model.OpSkip, Reason: model.ReasonUnreachable})
		default:
			actions = append(actions, Action{Node: name, Op: model.OpDelete})
		}
	}
	return actions
}

// Pending reports whether any action needs a node call.
func Pending(actions []Action) bool {
	for _, a := range actions {
		if a.Op.Dispatched() {
			return true
		}
	}
	return false
}

func sortedNodes(deployments map[string]model.Deployment) []string {
	out := make([]string, 0, len(deployments))
	for n := range deployments {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
