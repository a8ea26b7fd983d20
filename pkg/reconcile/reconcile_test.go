package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"deckhand/pkg/agent"
	"deckhand/pkg/api"
	"deckhand/pkg/dispatch"
	"deckhand/pkg/manifest"
	"deckhand/pkg/model"
	"deckhand/pkg/store"
	"deckhand/pkg/transport/loopback"
)

const backupCronJob = `
apiVersion: batch/v1
kind: CronJob
metadata:
  name: backup
spec:
  schedule: "0 3 * * *"
  jobTemplate:
    spec:
      template:
        spec:
          containers:
            - name: backup
              image: restic/restic:0.16
`

const ingressDaemonSet = `
apiVersion: apps/v1
kind: DaemonSet
metadata:
  name: ingress
  namespace: edge
spec:
  template:
    spec:
      containers:
        - name: proxy
          image: caddy:2
`

func pod(name, image string, secretRef string) string {
	env := ""
	if secretRef != "" {
		env = fmt.Sprintf(`
      env:
        - name: TOKEN
          valueFrom:
            secretKeyRef:
              name: %s
              key: token`, secretRef)
	}
	return fmt.Sprintf(`
apiVersion: v1
kind: Pod
metadata:
  name: %s
spec:
  containers:
    - name: main
      image: %s%s
`, name, image, env)
}

const apiTokenSecret = `
apiVersion: v1
kind: Secret
metadata:
  name: api-token
data:
  token: dG9rZW4=
`

var (
	backupKey  = model.ResourceKey{Kind: model.KindCronJob, Name: "backup", Namespace: "default"}
	ingressKey = model.ResourceKey{Kind: model.KindDaemonSet, Name: "ingress", Namespace: "edge"}
)

func podKey(name string) model.ResourceKey {
	return model.ResourceKey{Kind: model.KindPod, Name: name, Namespace: "default"}
}

type fixture struct {
	net    *loopback.Network
	ledger store.Ledger
	rec    *Reconciler
	nodes  int
}

func newFixture(t *testing.T, ledger store.Ledger, nodes ...string) *fixture {
	t.Helper()
	net := loopback.New()
	d := dispatch.New(net, dispatch.Options{
		PerNode:        1,
		ConnectTimeout: 200 * time.Millisecond,
		ExecuteTimeout: 200 * time.Millisecond,
	})
	f := &fixture{net: net, ledger: ledger, rec: New(ledger, d, Options{Actor: "tester"})}
	for _, n := range nodes {
		f.addNode(t, n)
	}
	return f
}

func (f *fixture) addNode(t *testing.T, name string) model.Node {
	t.Helper()
	f.nodes++
	if f.net.State(name) == nil {
		f.net.Add(name, nil, "")
	}
	n, err := f.rec.RegisterNode(context.Background(), model.Node{
		Name:       name,
		Address:    fmt.Sprintf("192.0.2.%d", f.nodes),
		SubnetCIDR: fmt.Sprintf("10.%d.0.0/24", 100+f.nodes),
	}, false)
	assert.NilError(t, err)
	assert.Equal(t, n.Health, model.HealthHealthy)
	return n
}

func (f *fixture) apply(t *testing.T, ctx context.Context, docs ...string) *model.Report {
	t.Helper()
	report, err := f.rec.Apply(ctx, manifest.ParseBytes([]byte(strings.Join(docs, "\n---\n"))))
	assert.NilError(t, err)
	return report
}

func outcomes(r *model.Report, key model.ResourceKey) map[string]model.Outcome {
	out := make(map[string]model.Outcome)
	for _, u := range r.Units {
		if u.Key == key {
			out[u.Node] = u.Outcome
		}
	}
	return out
}

func forEachLedger(t *testing.T, fn func(t *testing.T, l store.Ledger)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemory()) })
	t.Run("sqlite", func(t *testing.T) {
		g, err := store.OpenGorm("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
		assert.NilError(t, err)
		t.Cleanup(func() { _ = g.Close() })
		fn(t, g)
	})
}

func TestApplyTwiceIsUnchangedWithoutDispatch(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l store.Ledger) {
		ctx := context.Background()
		f := newFixture(t, l, "a", "b", "c")

		first := f.apply(t, ctx, backupCronJob)
		assert.Check(t, is.DeepEqual(outcomes(first, backupKey), map[string]model.Outcome{"a": model.OutcomeCreated}))
		assert.Check(t, is.Equal(first.Status(), model.StatusSuccess))

		f.net.ResetCalls()
		second := f.apply(t, ctx, backupCronJob)
		assert.Check(t, is.DeepEqual(outcomes(second, backupKey), map[string]model.Outcome{"a": model.OutcomeUnchanged}))
		assert.Check(t, is.Len(f.net.Calls(), 0))

		rec, err := l.GetResource(ctx, backupKey)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(rec.Deployments["a"].AppliedHash, rec.Hash))
		assert.Check(t, !rec.Deployments["a"].Pending)
		assert.Check(t, is.Equal(rec.Version, int64(1)))
	})
}

func TestApplyReaderJSONAndYAML(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")

	in := strings.NewReader(`{"apiVersion":"v1","kind":"Service","metadata":{"name":"web"},"spec":{"ports":[{"port":80}]}}
---
` + apiTokenSecret)
	report, err := f.rec.ApplyReader(ctx, in)
	assert.NilError(t, err)
	svc := model.ResourceKey{Kind: model.KindService, Name: "web", Namespace: "default"}
	secret := model.ResourceKey{Kind: model.KindSecret, Name: "api-token", Namespace: "default"}
	assert.Check(t, is.DeepEqual(outcomes(report, svc), map[string]model.Outcome{"a": model.OutcomeCreated}))
	assert.Check(t, is.DeepEqual(outcomes(report, secret), map[string]model.Outcome{"a": model.OutcomeCreated}))
	assert.Check(t, is.Len(report.Rejections, 0))
}

func TestDaemonSetRemoveAndReapply(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l store.Ledger) {
		ctx := context.Background()
		f := newFixture(t, l, "a", "b")

		report := f.apply(t, ctx, ingressDaemonSet)
		assert.Check(t, is.DeepEqual(outcomes(report, ingressKey), map[string]model.Outcome{
			"a": model.OutcomeCreated, "b": model.OutcomeCreated,
		}))

		removed, err := f.rec.Remove(ctx, ingressKey)
		assert.NilError(t, err)
		assert.Check(t, is.DeepEqual(outcomes(removed, ingressKey), map[string]model.Outcome{
			"a": model.OutcomeDeleted, "b": model.OutcomeDeleted,
		}))
		_, err = l.GetResource(ctx, ingressKey)
		assert.Check(t, errors.Is(err, model.ErrNotFound))

		again := f.apply(t, ctx, ingressDaemonSet)
		assert.Check(t, is.DeepEqual(outcomes(again, ingressKey), map[string]model.Outcome{
			"a": model.OutcomeCreated, "b": model.OutcomeCreated,
		}))
	})
}

func TestDaemonSetExtendsToNewNode(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l store.Ledger) {
		ctx := context.Background()
		f := newFixture(t, l, "a", "b")
		f.apply(t, ctx, ingressDaemonSet)

		f.addNode(t, "c")
		f.net.ResetCalls()
		report := f.apply(t, ctx, ingressDaemonSet)
		assert.Check(t, is.DeepEqual(outcomes(report, ingressKey), map[string]model.Outcome{
			"a": model.OutcomeUnchanged, "b": model.OutcomeUnchanged, "c": model.OutcomeCreated,
		}))
		calls := f.net.CallsFor("", api.CommandApply)
		assert.Assert(t, is.Len(calls, 1))
		assert.Check(t, is.Equal(calls[0].Node, "c"))
	})
}

func TestMissingSecretRejectedBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")

	report := f.apply(t, ctx, pod("web", "nginx:1.27", "db-creds"))
	assert.Assert(t, is.Len(report.Rejections, 1))
	var ve *model.ValidationError
	assert.Assert(t, errors.As(report.Rejections[0].Err, &ve))
	assert.Check(t, is.Contains(ve.Error(), `"db-creds"`))
	assert.Check(t, is.Len(report.Units, 0))
	assert.Check(t, is.Len(f.net.CallsFor("", api.CommandApply), 0))
	assert.Check(t, report.HasFailures())
	assert.Check(t, is.Equal(report.Status(), model.StatusFailed))

	_, err := f.ledger.GetResource(ctx, podKey("web"))
	assert.Check(t, errors.Is(err, model.ErrNotFound))
}

func TestSecretInBatchDispatchedFirst(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l store.Ledger) {
		ctx := context.Background()
		f := newFixture(t, l, "a", "b")

		report := f.apply(t, ctx, pod("web", "nginx:1.27", "api-token"), apiTokenSecret)
		assert.Check(t, is.Len(report.Rejections, 0))
		assert.Check(t, is.Equal(report.Status(), model.StatusSuccess))

		calls := f.net.CallsFor("", api.CommandApply)
		assert.Assert(t, is.Len(calls, 3))
		assert.Check(t, is.Equal(calls[0].Key.Kind, model.KindSecret))
		assert.Check(t, is.Equal(calls[1].Key.Kind, model.KindSecret))
		assert.Check(t, is.Equal(calls[2].Key, podKey("web")))

		// The Secret is in the ledger now, so a later Pod resolves against it.
		later := f.apply(t, ctx, pod("worker", "busybox:1", "api-token"))
		assert.Check(t, is.Len(later.Rejections, 0))
	})
}

func TestHangingNodeIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a", "b", "c")
	f.net.SetFault("c", loopback.FaultHang)

	report := f.apply(t, ctx, ingressDaemonSet)
	got := outcomes(report, ingressKey)
	assert.Check(t, is.Equal(got["a"], model.OutcomeCreated))
	assert.Check(t, is.Equal(got["b"], model.OutcomeCreated))
	assert.Check(t, is.Equal(got["c"], model.OutcomeFailed))
	u, _ := report.Unit(ingressKey, "c")
	assert.Check(t, is.Equal(u.Reason, "timeout"))
	assert.Check(t, is.Equal(report.Status(), model.StatusPartial))

	c, err := f.ledger.GetNode(ctx, "c")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(c.Health, model.HealthUnhealthy))

	rec, err := f.ledger.GetResource(ctx, ingressKey)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(rec.Deployments["c"].AppliedHash, ""))
	assert.Check(t, is.Equal(rec.Deployments["c"].LastResult, model.OutcomeFailed))
	assert.Check(t, !rec.Deployments["c"].Pending)

	// Still hanging: the probe fails and c's work is skipped, not retried.
	second := f.apply(t, ctx, ingressDaemonSet)
	got = outcomes(second, ingressKey)
	assert.Check(t, is.Equal(got["a"], model.OutcomeUnchanged))
	assert.Check(t, is.Equal(got["c"], model.OutcomeSkipped))

	// Recovered: the probe marks c healthy and the create goes through.
	f.net.SetFault("c", loopback.FaultNone)
	third := f.apply(t, ctx, ingressDaemonSet)
	assert.Check(t, is.Equal(outcomes(third, ingressKey)["c"], model.OutcomeCreated))
}

func TestStickyPlacement(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l store.Ledger) {
		ctx := context.Background()
		f := newFixture(t, l, "a", "b")

		first := f.apply(t, ctx, pod("web", "nginx:1.27", ""), pod("api", "api:1", ""))
		assert.Check(t, is.DeepEqual(outcomes(first, podKey("web")), map[string]model.Outcome{"a": model.OutcomeCreated}))
		assert.Check(t, is.DeepEqual(outcomes(first, podKey("api")), map[string]model.Outcome{"b": model.OutcomeCreated}))

		_, err := f.rec.Cordon(ctx, "a", true)
		assert.NilError(t, err)
		cordoned, err := f.net.State("a").Cordoned(ctx)
		assert.NilError(t, err)
		assert.Check(t, cordoned)

		updated := f.apply(t, ctx, pod("web", "nginx:1.28", ""), pod("cache", "redis:7", ""))
		assert.Check(t, is.DeepEqual(outcomes(updated, podKey("web")), map[string]model.Outcome{"a": model.OutcomeUpdated}))
		assert.Check(t, is.DeepEqual(outcomes(updated, podKey("cache")), map[string]model.Outcome{"b": model.OutcomeCreated}))
	})
}

func TestNoSchedulableNodeIsPlacementError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())

	report := f.apply(t, ctx, pod("web", "nginx:1.27", ""), ingressDaemonSet)
	assert.Assert(t, is.Len(report.Rejections, 1))
	var pe *model.PlacementError
	assert.Check(t, errors.As(report.Rejections[0].Err, &pe))
	// A DaemonSet with no nodes has nothing to do and is not recorded.
	_, err := f.ledger.GetResource(ctx, ingressKey)
	assert.Check(t, errors.Is(err, model.ErrNotFound))
}

func TestSchedulingConstraintsPickNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a", "b", "c")
	c, err := f.ledger.GetNode(ctx, "c")
	assert.NilError(t, err)
	c.Labels = map[string]string{"disk": "ssd"}
	assert.NilError(t, f.ledger.UpdateNode(ctx, c))

	pinned := strings.Replace(pod("pinned", "nginx:1.27", ""), "spec:\n", "spec:\n  nodeName: b\n", 1)
	selected := strings.Replace(pod("selected", "nginx:1.27", ""), "spec:\n", "spec:\n  nodeSelector: {disk: ssd}\n", 1)
	lost := strings.Replace(pod("lost", "nginx:1.27", ""), "spec:\n", "spec:\n  nodeName: z\n", 1)

	report := f.apply(t, ctx, pinned, selected, lost)
	assert.Check(t, is.DeepEqual(outcomes(report, podKey("pinned")), map[string]model.Outcome{"b": model.OutcomeCreated}))
	assert.Check(t, is.DeepEqual(outcomes(report, podKey("selected")), map[string]model.Outcome{"c": model.OutcomeCreated}))

	assert.Assert(t, is.Len(report.Rejections, 1))
	assert.Check(t, is.Equal(report.Rejections[0].Index, 2))
	var pe *model.PlacementError
	assert.Assert(t, errors.As(report.Rejections[0].Err, &pe))
	assert.Check(t, is.Contains(pe.Reason, `nodeName "z" is not a registered node`))
	_, err = f.ledger.GetResource(ctx, podKey("lost"))
	assert.Check(t, errors.Is(err, model.ErrNotFound))
}

func TestMalformedDocumentDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")

	report := f.apply(t, ctx, "kind: [unbalanced", pod("web", "nginx:1.27", ""), pod("web", "nginx:1.27", ""))
	assert.Check(t, is.Len(report.Rejections, 2))
	assert.Check(t, is.Equal(outcomes(report, podKey("web"))["a"], model.OutcomeCreated))
	assert.Check(t, is.Equal(report.Status(), model.StatusPartial))
}

func TestCanceledApplyRecordsNoSuccess(t *testing.T) {
	f := newFixture(t, store.NewMemory(), "a")
	f.apply(t, context.Background(), pod("web", "nginx:1.27", ""))
	before, err := f.ledger.GetResource(context.Background(), podKey("web"))
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := f.apply(t, ctx, pod("web", "nginx:1.28", ""))
	u, ok := report.Unit(podKey("web"), "a")
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(u.Outcome, model.OutcomeFailed))
	assert.Check(t, is.Equal(u.Reason, model.ReasonCanceled))

	after, err := f.ledger.GetResource(context.Background(), podKey("web"))
	assert.NilError(t, err)
	d := after.Deployments["a"]
	assert.Check(t, is.Equal(d.AppliedHash, before.Hash))
	assert.Check(t, !d.Pending)
	assert.Check(t, after.Hash != before.Hash)

	a, err := f.ledger.GetNode(context.Background(), "a")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(a.Health, model.HealthHealthy))

	retry := f.apply(t, context.Background(), pod("web", "nginx:1.28", ""))
	assert.Check(t, is.Equal(outcomes(retry, podKey("web"))["a"], model.OutcomeUpdated))
}

// imageRuntime fails every apply whose manifest names image.
type imageRuntime struct{ image string }

func (r imageRuntime) Apply(_ context.Context, _ model.ResourceKey, _ string, manifest []byte) error {
	if bytes.Contains(manifest, []byte(r.image)) {
		return errors.New("pull " + r.image + ": not found")
	}
	return nil
}

func (imageRuntime) Remove(context.Context, model.ResourceKey, []byte) error { return nil }

func TestFailedRecreateForgetsAppliedHash(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l store.Ledger) {
		ctx := context.Background()
		f := newFixture(t, l)
		f.net.Add("a", imageRuntime{image: "nginx:1.28"}, "")
		f.addNode(t, "a")

		f.apply(t, ctx, pod("web", "nginx:1.27", ""))
		failed := f.apply(t, ctx, pod("web", "nginx:1.28", ""))
		assert.Check(t, is.DeepEqual(outcomes(failed, podKey("web")), map[string]model.Outcome{"a": model.OutcomeFailed}))

		_, running, err := f.net.State("a").Get(ctx, podKey("web"))
		assert.NilError(t, err)
		assert.Check(t, !running)
		rec, err := l.GetResource(ctx, podKey("web"))
		assert.NilError(t, err)
		assert.Check(t, is.Equal(rec.Deployments["a"].AppliedHash, ""))
		assert.Check(t, is.Equal(rec.Deployments["a"].LastResult, model.OutcomeFailed))

		// Going back to the old manifest must reach the node again.
		f.net.ResetCalls()
		back := f.apply(t, ctx, pod("web", "nginx:1.27", ""))
		assert.Check(t, is.DeepEqual(outcomes(back, podKey("web")), map[string]model.Outcome{"a": model.OutcomeCreated}))
		assert.Check(t, is.Len(f.net.CallsFor("a", api.CommandApply), 1))
	})
}

func TestFailedFirstApplyIsRolledBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")
	f.net.SetFault("a", loopback.FaultDrop)

	report := f.apply(t, ctx, pod("web", "nginx:1.27", ""))
	assert.Check(t, is.Equal(outcomes(report, podKey("web"))["a"], model.OutcomeFailed))
	assert.Check(t, is.Equal(report.Status(), model.StatusFailed))
	_, err := f.ledger.GetResource(ctx, podKey("web"))
	assert.Check(t, errors.Is(err, model.ErrNotFound))
}

func TestPartialRemoveKeepsRecord(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l store.Ledger) {
		ctx := context.Background()
		f := newFixture(t, l, "a", "b")
		f.apply(t, ctx, ingressDaemonSet)

		f.net.SetFault("b", loopback.FaultUnreachable)
		report, err := f.rec.Remove(ctx, ingressKey)
		assert.NilError(t, err)
		got := outcomes(report, ingressKey)
		assert.Check(t, is.Equal(got["a"], model.OutcomeDeleted))
		assert.Check(t, is.Equal(got["b"], model.OutcomeFailed))

		rec, err := l.GetResource(ctx, ingressKey)
		assert.NilError(t, err)
		assert.Check(t, is.DeepEqual(rec.Nodes(), []string{"b"}))

		f.net.SetFault("b", loopback.FaultNone)
		report, err = f.rec.Remove(ctx, ingressKey)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(outcomes(report, ingressKey)["b"], model.OutcomeDeleted))
		_, err = l.GetResource(ctx, ingressKey)
		assert.Check(t, errors.Is(err, model.ErrNotFound))
	})
}

func TestRemoveUnknownResource(t *testing.T) {
	f := newFixture(t, store.NewMemory(), "a")
	report, err := f.rec.Remove(context.Background(), podKey("ghost"))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(report.Rejections, 1))
	assert.Check(t, errors.Is(report.Rejections[0].Err, model.ErrNotFound))
	assert.Check(t, is.Equal(report.Rejections[0].Index, -1))
}

func TestRemoveDocumentsRejectsByDocumentIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")
	f.apply(t, ctx, backupCronJob)

	report, err := f.rec.RemoveDocuments(ctx, manifest.ParseBytes([]byte(strings.Join(
		[]string{"kind: [unbalanced", pod("ghost", "nginx:1.27", ""), backupCronJob}, "\n---\n"))))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(report.Rejections, 2))
	assert.Check(t, is.Equal(report.Rejections[0].Index, 0))
	assert.Check(t, is.Equal(report.Rejections[1].Index, 1))
	assert.Check(t, is.DeepEqual(report.Rejections[1].Key, &model.ResourceKey{Kind: model.KindPod, Name: "ghost", Namespace: "default"}))
	assert.Check(t, errors.Is(report.Rejections[1].Err, model.ErrNotFound))
	assert.Check(t, is.Equal(outcomes(report, backupKey)["a"], model.OutcomeDeleted))
}

func TestRemoveDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")
	f.apply(t, ctx, backupCronJob)

	report, err := f.rec.RemoveDocuments(ctx, manifest.ParseBytes([]byte(backupCronJob+"\n---\nkind: Widget\n")))
	assert.NilError(t, err)
	assert.Check(t, is.Len(report.Rejections, 1))
	assert.Check(t, is.Equal(outcomes(report, backupKey)["a"], model.OutcomeDeleted))
}

func TestDeregisterLeavesVisibleInconsistency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a", "b")
	f.apply(t, ctx, ingressDaemonSet)

	keys, err := f.rec.DeregisterNode(ctx, "b")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(keys, []model.ResourceKey{ingressKey}))

	report := f.apply(t, ctx, ingressDaemonSet)
	u, ok := report.Unit(ingressKey, "b")
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(u.Outcome, model.OutcomeSkipped))
	assert.Check(t, is.Equal(u.Reason, model.ReasonNotRegistered))
	assert.Check(t, is.Equal(report.Status(), model.StatusPartial))

	_, err = f.rec.DeregisterNode(ctx, "b")
	assert.Check(t, errors.Is(err, model.ErrNotFound))
}

func TestRefreshReportsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a", "b", "c")
	f.apply(t, ctx, ingressDaemonSet, pod("web", "nginx:1.27", ""))
	_, err := f.rec.DeregisterNode(ctx, "c")
	assert.NilError(t, err)

	web, err := f.ledger.GetResource(ctx, podKey("web"))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(web.Nodes(), []string{"a"}))

	stranger := podKey("stranger")
	assert.NilError(t, f.net.State("a").Put(ctx, agent.Entry{Key: ingressKey, Hash: "edited"}))
	assert.NilError(t, f.net.State("b").Delete(ctx, ingressKey))
	assert.NilError(t, f.net.State("b").Put(ctx, agent.Entry{Key: podKey("web"), Hash: web.Hash}))
	assert.NilError(t, f.net.State("b").Put(ctx, agent.Entry{Key: stranger, Hash: "x"}))

	report, err := f.rec.Refresh(ctx)
	assert.NilError(t, err)
	assert.Check(t, !report.HasFailures())
	assert.Check(t, is.Len(report.Nodes, 2))

	type found struct {
		key  model.ResourceKey
		node string
	}
	drift := make(map[found]model.Drift)
	for _, d := range report.Drift {
		drift[found{d.Key, d.Node}] = d.Drift
	}
	assert.Check(t, is.DeepEqual(drift, map[found]model.Drift{
		{ingressKey, "a"}:    model.DriftChanged,
		{ingressKey, "b"}:    model.DriftLost,
		{ingressKey, "c"}:    model.DriftOrphaned,
		{podKey("web"), "b"}: model.DriftDiscovered,
		{stranger, "b"}:      model.DriftUntracked,
	}))

	rec, err := f.ledger.GetResource(ctx, ingressKey)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(rec.Deployments["a"].AppliedHash, "edited"))
	assert.Check(t, is.Equal(rec.Deployments["b"].AppliedHash, ""))
	_, err = f.ledger.GetResource(ctx, stranger)
	assert.Check(t, errors.Is(err, model.ErrNotFound))

	f.net.ResetCalls()
	healed := f.apply(t, ctx, ingressDaemonSet)
	got := outcomes(healed, ingressKey)
	assert.Check(t, is.Equal(got["a"], model.OutcomeUpdated))
	assert.Check(t, is.Equal(got["b"], model.OutcomeCreated))
}

func TestRefreshMarksUnreachableNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a", "b")
	f.net.SetFault("b", loopback.FaultUnreachable)
	assert.NilError(t, f.net.State("a").SetCordoned(ctx, true))

	report, err := f.rec.Refresh(ctx)
	assert.NilError(t, err)
	assert.Check(t, report.HasFailures())

	a, err := f.ledger.GetNode(ctx, "a")
	assert.NilError(t, err)
	assert.Check(t, a.Cordoned)
	b, err := f.ledger.GetNode(ctx, "b")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(b.Health, model.HealthUnhealthy))
	assert.Check(t, b.Message != "")
}

func TestRegisterNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")

	_, err := f.rec.RegisterNode(ctx, model.Node{Name: "b", Address: "192.0.2.1", SubnetCIDR: "10.200.0.0/24"}, false)
	var ce *model.ConflictError
	assert.Assert(t, errors.As(err, &ce))
	assert.Check(t, is.Equal(ce.Field, "address"))

	// No agent answers on d; registration still succeeds but d is unhealthy.
	d, err := f.rec.RegisterNode(ctx, model.Node{Name: "d", Address: "192.0.2.50", SubnetCIDR: "10.200.0.0/24"}, false)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(d.Health, model.HealthUnhealthy))

	f.net.Add("d", nil, "")
	d, err = f.rec.RegisterNode(ctx, model.Node{Name: "d", Address: "192.0.2.51", SubnetCIDR: "10.200.0.0/24"}, true)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(d.Health, model.HealthHealthy))
	assert.Check(t, is.Equal(d.Address, "192.0.2.51"))

	entries, err := f.rec.Audit(ctx, 10)
	assert.NilError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
		assert.Check(t, is.Equal(e.Actor, "tester"))
	}
	assert.Check(t, is.DeepEqual(actions, []string{"register", "register", "register"}))
}

func TestCordonUnreachableStillRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a")
	f.net.SetFault("a", loopback.FaultUnreachable)

	n, err := f.rec.Cordon(ctx, "a", true)
	assert.Check(t, is.ErrorContains(err, "agent not updated"))
	assert.Check(t, n.Cordoned)
	stored, err := f.ledger.GetNode(ctx, "a")
	assert.NilError(t, err)
	assert.Check(t, stored.Cordoned)
}

func TestDescribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory(), "a", "b")
	f.apply(t, ctx, ingressDaemonSet)
	_, err := f.rec.DeregisterNode(ctx, "b")
	assert.NilError(t, err)

	desc, err := f.rec.Describe(ctx, ingressKey)
	assert.NilError(t, err)
	assert.Check(t, is.Len(desc.Record.Deployments, 2))
	assert.Check(t, is.Len(desc.Nodes, 1))
	obj, err := manifest.Decode(desc.Record.Manifest)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(obj["kind"], "DaemonSet"))

	recs, err := f.rec.List(ctx, model.ResourceFilter{Namespace: "edge"})
	assert.NilError(t, err)
	assert.Check(t, is.Len(recs, 1))
}
