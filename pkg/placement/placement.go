// Package placement decides which registered nodes a resource targets.
package placement

import (
	"fmt"
	"sort"

	"deckhand/pkg/model"
)

// Mode is how many nodes a kind runs on.
type Mode int

const (
	// AllNodes targets every registered node regardless of health.
	AllNodes Mode = iota
	// SingleNode targets exactly one node, sticky once chosen.
	SingleNode
)

// ModeOf maps every kind to its placement mode.
func ModeOf(kind model.Kind) Mode {
	switch kind {
	case model.KindDaemonSet, model.KindSecret, model.KindIngress, model.KindService:
		return AllNodes
	case model.KindPod, model.KindDeployment, model.KindCronJob:
		return SingleNode
	default:
		panic(fmt.Sprintf("placement: unhandled kind %q", string(kind)))
	}
}

// Load counts resources per node; used to pick the least-loaded node.
type Load map[string]int

// LoadOf counts, for each node, the records that have an entry on it.
func LoadOf(records []model.ResourceRecord) Load {
	load := Load{}
	for _, r := range records {
		for node := range r.Deployments {
			load[node]++
		}
	}
	return load
}

// Constraints narrow the nodes a single-node resource may land on. They
// come from the pod spec's nodeName and nodeSelector.
type Constraints struct {
	NodeName     string
	NodeSelector map[string]string
}

// Fits reports whether n satisfies c, ignoring health and cordon.
func (c Constraints) Fits(n model.Node) bool {
	if c.NodeName != "" && c.NodeName != n.Name {
		return false
	}
	for k, v := range c.NodeSelector {
		if n.Labels[k] != v {
			return false
		}
	}
	return true
}

// Place returns the ordered target nodes for key. existing is the record's
// deployment map (nil for new resources), nodes the current registry.
// Constraints apply to single-node kinds only.
func Place(key model.ResourceKey, c Constraints, existing map[string]model.Deployment, nodes []model.Node, load Load) (model.PlacementDecision, error) {
	decision := model.PlacementDecision{Key: key}
	switch ModeOf(key.Kind) {
	case AllNodes:
		for _, n := range nodes {
			decision.Targets = append(decision.Targets, n.Name)
		}
		sort.Strings(decision.Targets)
		return decision, nil
	default:
		var fit []model.Node
		for _, n := range nodes {
			if c.Fits(n) {
				fit = append(fit, n)
			}
		}
		if node, ok := sticky(existing, fit); ok {
			decision.Targets = []string{node}
			decision.Sticky = true
			return decision, nil
		}
		node, err := leastLoaded(c, nodes, fit, load)
		if err != nil {
			return decision, &model.PlacementError{Key: key, Reason: err.Error()}
		}
		decision.Targets = []string{node}
		return decision, nil
	}
}

// sticky returns the registered node already holding the resource.
func sticky(existing map[string]model.Deployment, nodes []model.Node) (string, bool) {
	var held []string
	for _, n := range nodes {
		if _, ok := existing[n.Name]; ok {
			held = append(held, n.Name)
		}
	}
	if len(held) == 0 {
		return "", false
	}
	sort.Strings(held)
	return held[0], true
}

func leastLoaded(c Constraints, nodes, fit []model.Node, load Load) (string, error) {
	type scored struct {
		name  string
		score int // lower is better
	}
	var candidates []scored
	for _, n := range fit {
		if !n.Schedulable() {
			continue
		}
		candidates = append(candidates, scored{name: n.Name, score: load[n.Name]})
	}
	if len(candidates) == 0 {
		return "", unplaceable(c, nodes, fit)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].name, nil
}

func unplaceable(c Constraints, nodes, fit []model.Node) error {
	switch {
	case len(nodes) == 0:
		return fmt.Errorf("no nodes registered")
	case c.NodeName != "" && len(fit) == 0:
		for _, n := range nodes {
			if n.Name == c.NodeName {
				return fmt.Errorf("node %q does not match nodeSelector %v", c.NodeName, c.NodeSelector)
			}
		}
		return fmt.Errorf("nodeName %q is not a registered node", c.NodeName)
	case c.NodeName != "":
		return fmt.Errorf("node %q is not schedulable (%s, cordoned=%t)", c.NodeName, fit[0].Health, fit[0].Cordoned)
	case len(c.NodeSelector) > 0 && len(fit) == 0:
		return fmt.Errorf("no registered node matches nodeSelector %v", c.NodeSelector)
	case len(c.NodeSelector) > 0:
		return fmt.Errorf("no healthy schedulable node among %d matching nodeSelector %v", len(fit), c.NodeSelector)
	default:
		return fmt.Errorf("no healthy schedulable node among %d registered", len(nodes))
	}
}
