package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"deckhand/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	g, err := OpenGorm("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return map[string]Ledger{"memory": NewMemory(), "sqlite": g}
}

func node(name, addr, cidr string) model.Node {
	return model.Node{Name: name, Address: addr, SubnetCIDR: cidr, Health: model.HealthHealthy, CreatedAt: t0, UpdatedAt: t0}
}

func TestNodeRegistry(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			got, err := l.RegisterNode(ctx, node("a", "10.0.0.1", "10.30.1.7/24"), false)
			assert.NilError(t, err)
			assert.Check(t, is.Equal(got.SubnetCIDR, "10.30.1.0/24"))
			_, err = l.RegisterNode(ctx, node("b", "10.0.0.2", "10.30.2.0/24"), false)
			assert.NilError(t, err)

			var conflict *model.ConflictError
			_, err = l.RegisterNode(ctx, node("a", "10.0.0.9", "10.30.9.0/24"), false)
			assert.Assert(t, errors.As(err, &conflict))
			assert.Check(t, is.Equal(conflict.Field, "name"))

			_, err = l.RegisterNode(ctx, node("c", "10.0.0.2", "10.30.3.0/24"), false)
			assert.Assert(t, errors.As(err, &conflict))
			assert.Check(t, is.Equal(conflict.Field, "address"))

			_, err = l.RegisterNode(ctx, node("c", "10.0.0.3", "10.30.0.0/16"), false)
			assert.Assert(t, errors.As(err, &conflict))
			assert.Check(t, is.Equal(conflict.Field, "subnetCidr"))

			_, err = l.RegisterNode(ctx, node("c", "10.0.0.3", "not-a-cidr"), false)
			var ve *model.ValidationError
			assert.Check(t, errors.As(err, &ve))

			replaced := node("a", "10.0.0.11", "10.30.1.0/24")
			_, err = l.RegisterNode(ctx, replaced, true)
			assert.NilError(t, err)

			nodes, err := l.ListNodes(ctx)
			assert.NilError(t, err)
			assert.Assert(t, is.Len(nodes, 2))
			assert.Check(t, is.Equal(nodes[0].Name, "a"))
			assert.Check(t, is.Equal(nodes[0].Address, "10.0.0.11"))

			a := nodes[0]
			a.Health = model.HealthUnhealthy
			a.Cordoned = true
			a.LastContact = t0.Add(time.Minute)
			assert.NilError(t, l.UpdateNode(ctx, a))
			back, err := l.GetNode(ctx, "a")
			assert.NilError(t, err)
			assert.Check(t, is.Equal(back.Health, model.HealthUnhealthy))
			assert.Check(t, back.Cordoned)
			assert.Check(t, back.LastContact.Equal(t0.Add(time.Minute)))

			assert.Check(t, is.ErrorIs(l.UpdateNode(ctx, node("zz", "x", "10.99.0.0/24")), model.ErrNotFound))
			assert.NilError(t, l.DeleteNode(ctx, "b"))
			_, err = l.GetNode(ctx, "b")
			assert.Check(t, is.ErrorIs(err, model.ErrNotFound))
			assert.Check(t, is.ErrorIs(l.DeleteNode(ctx, "b"), model.ErrNotFound))
		})
	}
}

func TestNodeLabels(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			n := node("a", "10.0.0.1", "10.30.1.0/24")
			n.Labels = map[string]string{"disk": "ssd", "zone": "b"}
			_, err := l.RegisterNode(ctx, n, false)
			assert.NilError(t, err)
			n.Labels["disk"] = "hdd"

			got, err := l.GetNode(ctx, "a")
			assert.NilError(t, err)
			assert.Check(t, is.DeepEqual(got.Labels, map[string]string{"disk": "ssd", "zone": "b"}))

			got.Labels = map[string]string{"zone": "c"}
			assert.NilError(t, l.UpdateNode(ctx, got))
			nodes, err := l.ListNodes(ctx)
			assert.NilError(t, err)
			assert.Assert(t, is.Len(nodes, 1))
			assert.Check(t, is.DeepEqual(nodes[0].Labels, map[string]string{"zone": "c"}))
		})
	}
}

func TestResourceRecords(t *testing.T) {
	ctx := context.Background()
	key := model.ResourceKey{Kind: model.KindDaemonSet, Name: "ingress", Namespace: "default"}
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.GetResource(ctx, key)
			assert.Check(t, is.ErrorIs(err, model.ErrNotFound))
			assert.Check(t, is.ErrorIs(l.PutDeployment(ctx, key, model.Deployment{Node: "a"}), model.ErrNotFound))

			rec, err := l.PutResource(ctx, model.ResourceRecord{Key: key, Manifest: []byte(`{"a":1}`), Hash: "h1", CreatedAt: t0, UpdatedAt: t0})
			assert.NilError(t, err)
			assert.Check(t, is.Equal(rec.Version, int64(1)))

			_, err = l.PutResource(ctx, model.ResourceRecord{Key: key, Hash: "h-new", Version: 0})
			assert.Check(t, is.ErrorIs(err, model.ErrStaleRecord))

			rec.Hash = "h2"
			rec.Manifest = []byte(`{"a":2}`)
			rec.UpdatedAt = t0.Add(time.Hour)
			rec, err = l.PutResource(ctx, rec)
			assert.NilError(t, err)
			assert.Check(t, is.Equal(rec.Version, int64(2)))

			for _, n := range []string{"a", "b"} {
				assert.NilError(t, l.PutDeployment(ctx, key, model.Deployment{Node: n, AppliedHash: "h2", LastResult: model.OutcomeCreated, LastAttempt: t0}))
			}
			assert.NilError(t, l.PutDeployment(ctx, key, model.Deployment{Node: "b", AppliedHash: "h1", LastResult: model.OutcomeFailed, LastError: "boom", LastAttempt: t0}))

			got, err := l.GetResource(ctx, key)
			assert.NilError(t, err)
			assert.Check(t, is.Equal(got.Hash, "h2"))
			assert.Check(t, is.Equal(string(got.Manifest), `{"a":2}`))
			assert.Check(t, is.DeepEqual(got.Nodes(), []string{"a", "b"}))
			assert.Check(t, is.Equal(got.Deployments["b"].LastError, "boom"))
			assert.Check(t, got.CreatedAt.Equal(t0))

			other := model.ResourceKey{Kind: model.KindPod, Name: "web", Namespace: "shop"}
			_, err = l.PutResource(ctx, model.ResourceRecord{Key: other, Hash: "p", CreatedAt: t0, UpdatedAt: t0})
			assert.NilError(t, err)
			assert.NilError(t, l.PutDeployment(ctx, other, model.Deployment{Node: "b", AppliedHash: "p", LastAttempt: t0}))

			all, err := l.ListResources(ctx, model.ResourceFilter{})
			assert.NilError(t, err)
			assert.Check(t, is.Len(all, 2))
			shop, err := l.ListResources(ctx, model.ResourceFilter{Namespace: "shop"})
			assert.NilError(t, err)
			assert.Check(t, is.Len(shop, 1))
			onA, err := l.ListResources(ctx, model.ResourceFilter{Node: "a"})
			assert.NilError(t, err)
			assert.Assert(t, is.Len(onA, 1))
			assert.Check(t, is.Equal(onA[0].Key, key))

			assert.NilError(t, l.DeleteDeployment(ctx, key, "a"))
			got, err = l.GetResource(ctx, key)
			assert.NilError(t, err)
			assert.Check(t, is.DeepEqual(got.Nodes(), []string{"b"}))

			assert.NilError(t, l.DeleteResource(ctx, key))
			_, err = l.GetResource(ctx, key)
			assert.Check(t, is.ErrorIs(err, model.ErrNotFound))
			assert.Check(t, is.ErrorIs(l.DeleteResource(ctx, key), model.ErrNotFound))
		})
	}
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			for i, action := range []string{"register", "apply", "remove"} {
				assert.NilError(t, l.AppendAudit(ctx, model.AuditEntry{RunID: "r", Actor: "ops", Action: action, Timestamp: t0.Add(time.Duration(i) * time.Second)}))
			}
			last, err := l.ListAudit(ctx, 2)
			assert.NilError(t, err)
			assert.Assert(t, is.Len(last, 2))
			assert.Check(t, is.Equal(last[0].Action, "apply"))
			assert.Check(t, is.Equal(last[1].Action, "remove"))

			all, err := l.ListAudit(ctx, 0)
			assert.NilError(t, err)
			assert.Check(t, is.Len(all, 3))
		})
	}
}
