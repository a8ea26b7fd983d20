package placement

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"deckhand/pkg/model"
)

func fleet(health ...model.NodeHealth) []model.Node {
	names := []string{"c", "a", "b", "d"}
	var out []model.Node
	for i, h := range health {
		out = append(out, model.Node{Name: names[i], Health: h})
	}
	return out
}

func key(kind model.Kind) model.ResourceKey {
	return model.ResourceKey{Kind: kind, Name: "r", Namespace: "default"}
}

func TestAllNodeKindsTargetEveryNode(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthUnhealthy, model.HealthUnknown)
	nodes[0].Cordoned = true
	for _, kind := range []model.Kind{model.KindDaemonSet, model.KindSecret, model.KindIngress, model.KindService} {
		d, err := Place(key(kind), Constraints{}, nil, nodes, nil)
		assert.NilError(t, err)
		assert.Check(t, is.DeepEqual(d.Targets, []string{"a", "b", "c"}), kind)
	}
}

func TestSingleNodeKindsPickExactlyOne(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthHealthy, model.HealthHealthy)
	for _, kind := range []model.Kind{model.KindPod, model.KindDeployment, model.KindCronJob} {
		d, err := Place(key(kind), Constraints{}, nil, nodes, Load{"a": 2, "b": 1, "c": 1})
		assert.NilError(t, err)
		assert.Check(t, is.DeepEqual(d.Targets, []string{"b"}), kind)
		assert.Check(t, !d.Sticky)
	}
}

func TestSingleNodeIsDeterministic(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthHealthy, model.HealthHealthy)
	first, err := Place(key(model.KindPod), Constraints{}, nil, nodes, nil)
	assert.NilError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Place(key(model.KindPod), Constraints{}, nil, nodes, nil)
		assert.NilError(t, err)
		assert.Check(t, is.DeepEqual(again.Targets, first.Targets))
	}
	assert.Check(t, is.DeepEqual(first.Targets, []string{"a"}))
}

func TestSingleNodeIsSticky(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthHealthy, model.HealthUnhealthy)
	existing := map[string]model.Deployment{"b": {Node: "b", AppliedHash: "h"}}
	d, err := Place(key(model.KindDeployment), Constraints{}, existing, nodes, Load{"b": 50})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(d.Targets, []string{"b"}))
	assert.Check(t, d.Sticky)
}

func TestStickyIgnoresDeregisteredNode(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthHealthy)
	existing := map[string]model.Deployment{"gone": {Node: "gone"}}
	d, err := Place(key(model.KindPod), Constraints{}, existing, nodes, nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(d.Targets, []string{"a"}))
	assert.Check(t, !d.Sticky)
}

func TestSingleNodeSkipsUnschedulable(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthUnhealthy, model.HealthUnknown, model.HealthHealthy)
	nodes[0].Cordoned = true
	d, err := Place(key(model.KindCronJob), Constraints{}, nil, nodes, nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(d.Targets, []string{"d"}))
}

func TestNoSchedulableNode(t *testing.T) {
	_, err := Place(key(model.KindPod), Constraints{}, nil, fleet(model.HealthUnhealthy), nil)
	var pe *model.PlacementError
	assert.Assert(t, errors.As(err, &pe))
	assert.ErrorContains(t, err, "no healthy schedulable node")

	_, err = Place(key(model.KindPod), Constraints{}, nil, nil, nil)
	assert.ErrorContains(t, err, "no nodes registered")
}

func TestNodeNamePinsPlacement(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthHealthy, model.HealthHealthy)
	d, err := Place(key(model.KindPod), Constraints{NodeName: "c"}, nil, nodes, Load{"c": 9})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(d.Targets, []string{"c"}))

	// A new pin moves the resource off the node it held.
	existing := map[string]model.Deployment{"a": {Node: "a", AppliedHash: "h"}}
	d, err = Place(key(model.KindDeployment), Constraints{NodeName: "b"}, existing, nodes, nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(d.Targets, []string{"b"}))
	assert.Check(t, !d.Sticky)
}

func TestNodeNameUnavailable(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthUnhealthy)
	var pe *model.PlacementError

	_, err := Place(key(model.KindPod), Constraints{NodeName: "zz"}, nil, nodes, nil)
	assert.Assert(t, errors.As(err, &pe))
	assert.Check(t, is.ErrorContains(err, `nodeName "zz" is not a registered node`))

	_, err = Place(key(model.KindCronJob), Constraints{NodeName: "a"}, nil, nodes, nil)
	assert.Assert(t, errors.As(err, &pe))
	assert.Check(t, is.ErrorContains(err, `node "a" is not schedulable`))

	nodes[0].Cordoned = true
	_, err = Place(key(model.KindPod), Constraints{NodeName: "c"}, nil, nodes, nil)
	assert.Check(t, is.ErrorContains(err, `node "c" is not schedulable`))
}

func TestNodeSelector(t *testing.T) {
	nodes := fleet(model.HealthHealthy, model.HealthHealthy, model.HealthHealthy)
	nodes[0].Labels = map[string]string{"disk": "ssd"}
	nodes[2].Labels = map[string]string{"disk": "ssd", "zone": "b"}

	d, err := Place(key(model.KindPod), Constraints{NodeSelector: map[string]string{"disk": "ssd"}}, nil, nodes, Load{"c": 3})
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(d.Targets, []string{"b"}))

	_, err = Place(key(model.KindPod), Constraints{NodeSelector: map[string]string{"disk": "hdd"}}, nil, nodes, nil)
	var pe *model.PlacementError
	assert.Assert(t, errors.As(err, &pe))
	assert.Check(t, is.ErrorContains(err, "no registered node matches nodeSelector"))

	// All-node kinds ignore constraints.
	d, err = Place(key(model.KindDaemonSet), Constraints{NodeName: "a"}, nil, nodes, nil)
	assert.NilError(t, err)
	assert.Check(t, is.Len(d.Targets, 3))
}

func TestLoadOf(t *testing.T) {
	load := LoadOf([]model.ResourceRecord{
		{Deployments: map[string]model.Deployment{"a": {}, "b": {}}},
		{Deployments: map[string]model.Deployment{"a": {}}},
	})
	assert.Check(t, is.DeepEqual(load, Load{"a": 2, "b": 1}))
}
