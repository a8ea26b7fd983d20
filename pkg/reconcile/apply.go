package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"deckhand/pkg/diff"
	"deckhand/pkg/dispatch"
	"deckhand/pkg/manifest"
	"deckhand/pkg/model"
	"deckhand/pkg/placement"
)

// planned is one accepted resource on its way through an apply.
type planned struct {
	res      *manifest.Resource
	existing *model.ResourceRecord // nil for a first apply
	targets  []string
	actions  []diff.Action
	rejected bool
	work     *work
}

func (p *planned) isNew() bool { return p.existing == nil }

func (p *planned) deployments() map[string]model.Deployment {
	if p.existing == nil {
		return nil
	}
	return p.existing.Deployments
}

// ApplyReader parses r as a manifest stream and applies it.
func (r *Reconciler) ApplyReader(ctx context.Context, in io.Reader) (*model.Report, error) {
	docs, err := manifest.Parse(in)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, docs)
}

// Apply drives every accepted document to its desired state on its target
// nodes. Rejected documents and per-node failures are in the report; the
// error is reserved for ledger failures, alongside a usable report.
func (r *Reconciler) Apply(ctx context.Context, docs []manifest.Document) (*model.Report, error) {
	inv := r.begin(model.OperationApply)
	report := &model.Report{RunID: inv.id, Operation: model.OperationApply, StartedAt: r.now()}

	inv.enter(PhaseValidating)
	plans, err := r.validate(ctx, docs, report)
	if err != nil {
		return report, err
	}

	inv.enter(PhaseDiffing)
	nodes, err := r.ledger.ListNodes(ctx)
	if err != nil {
		return report, fmt.Errorf("list nodes: %w", err)
	}
	all, err := r.ledger.ListResources(ctx, model.ResourceFilter{})
	if err != nil {
		return report, fmt.Errorf("list resources: %w", err)
	}
	current := make(map[model.ResourceKey]model.ResourceRecord, len(all))
	for _, rec := range all {
		current[rec.Key] = rec
	}
	for _, p := range plans {
		if rec, ok := current[p.res.Key]; ok {
			rec := rec
			p.existing = &rec
		}
	}
	nodes = r.probeStale(ctx, inv, plans, nodes)
	reg := diff.NewRegistry(nodes)
	load := placement.LoadOf(all)
	for _, p := range plans {
		nodeName, selector := manifest.Scheduling(p.res.Key.Kind, p.res.Object)
		c := placement.Constraints{NodeName: nodeName, NodeSelector: selector}
		decision, err := placement.Place(p.res.Key, c, p.deployments(), nodes, load)
		if err != nil {
			report.Reject(p.res.Index, &p.res.Key, err)
			p.rejected = true
			continue
		}
		if !decision.Sticky && placement.ModeOf(p.res.Key.Kind) == placement.SingleNode {
			load[decision.Targets[0]]++
		}
		p.targets = decision.Targets
		p.actions = diff.Apply(p.res.Hash, decision.Targets, p.deployments(), reg)
		inv.log.WithFields(logrus.Fields{"resource": p.res.Key.String(), "targets": p.targets}).Debug("planned")
	}

	var errs *multierror.Error
	if err := r.persistDesired(ctx, plans, report); err != nil {
		errs = multierror.Append(errs, err)
	}

	inv.enter(PhaseDispatching)
	var items []*work
	for _, p := range plans {
		if p.rejected {
			continue
		}
		p.work = newWork(p.res.Key, p.actions, reg, p.res.Canonical, p.res.Hash)
		items = append(items, p.work)
	}
	r.dispatchWaves(ctx, items, false)

	inv.enter(PhaseReporting)
	if err := r.recordApply(ctx, inv, plans, items, reg, report); err != nil {
		errs = multierror.Append(errs, err)
	}
	report.Sort()
	report.FinishedAt = r.now()
	r.audit(ctx, inv.id, model.OperationApply, fmt.Sprintf("%d documents", len(docs)),
		fmt.Sprintf("%s: %s rejected=%d", report.Status(), summary(report.Counts()), len(report.Rejections)))
	inv.log.WithField("status", report.Status()).Info("apply finished")
	inv.enter(PhaseIdle)
	return report, errs.ErrorOrNil()
}

// validate canonicalizes docs, rejects duplicates and resolves Secret
// references against the ledger and the batch itself.
func (r *Reconciler) validate(ctx context.Context, docs []manifest.Document, report *model.Report) ([]*planned, error) {
	var (
		plans []*planned
		seen  = make(map[model.ResourceKey]bool)
	)
	for _, doc := range docs {
		res, err := manifest.Canonicalize(doc)
		if err != nil {
			var ve *model.ValidationError
			if errors.As(err, &ve) {
				report.Reject(doc.Index, ve.Key, err)
			} else {
				report.Reject(doc.Index, nil, err)
			}
			continue
		}
		if seen[res.Key] {
			key := res.Key
			report.Reject(doc.Index, &key, &model.ValidationError{Key: &key, Index: doc.Index, Reason: "duplicate resource in batch"})
			continue
		}
		seen[res.Key] = true
		plans = append(plans, &planned{res: res})
	}

	secrets, err := r.secretIndex(ctx, plans)
	if err != nil {
		return nil, err
	}
	accepted := plans[:0]
	for _, p := range plans {
		if err := manifest.ResolveRefs(p.res, secrets); err != nil {
			report.Reject(p.res.Index, &p.res.Key, err)
			continue
		}
		accepted = append(accepted, p)
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].res.Key.Kind.DispatchWave() < accepted[j].res.Key.Kind.DispatchWave()
	})
	return accepted, nil
}

type secretSet map[string]bool

func (s secretSet) HasSecret(namespace, name string) bool { return s[namespace+"/"+name] }

func (r *Reconciler) secretIndex(ctx context.Context, plans []*planned) (secretSet, error) {
	recs, err := r.ledger.ListResources(ctx, model.ResourceFilter{Kind: model.KindSecret})
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	set := make(secretSet, len(recs))
	for _, rec := range recs {
		set[rec.Key.Namespace+"/"+rec.Key.Name] = true
	}
	for _, p := range plans {
		if p.res.Key.Kind == model.KindSecret {
			set[p.res.Key.Namespace+"/"+p.res.Key.Name] = true
		}
	}
	return set, nil
}

// probeStale refreshes the health of nodes that are not known Healthy and
// may receive create or update work, so a recovered node is not skipped.
func (r *Reconciler) probeStale(ctx context.Context, inv *invocation, plans []*planned, nodes []model.Node) []model.Node {
	want := make(map[string]bool)
	for _, p := range plans {
		deps := p.deployments()
		held := false
		for _, n := range nodes {
			if _, ok := deps[n.Name]; ok {
				held = true
			}
		}
		for _, n := range nodes {
			if n.Health == model.HealthHealthy {
				continue
			}
			d, ok := deps[n.Name]
			switch {
			case ok && d.AppliedHash != p.res.Hash:
				want[n.Name] = true
			case placement.ModeOf(p.res.Key.Kind) == placement.AllNodes && !ok:
				want[n.Name] = true
			case placement.ModeOf(p.res.Key.Kind) == placement.SingleNode && !held && !n.Cordoned:
				want[n.Name] = true
			}
		}
	}
	if len(want) == 0 {
		return nodes
	}
	var targets []model.Node
	for _, n := range nodes {
		if want[n.Name] {
			targets = append(targets, n)
		}
	}
	byName := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byName[n.Name] = i
	}
	now := r.now()
	for _, p := range r.fleet.Probe(ctx, targets) {
		n := &nodes[byName[p.Node]]
		observe(n, p, now)
		inv.log.WithFields(logrus.Fields{"node": n.Name, "health": n.Health}).Debug("probed")
		if err := r.ledger.UpdateNode(ctx, *n); err != nil {
			inv.log.WithError(err).WithField("node", n.Name).Warn("record node health")
		}
	}
	return nodes
}

// persistDesired writes changed manifests and marks every unit about to
// be dispatched as pending.
func (r *Reconciler) persistDesired(ctx context.Context, plans []*planned, report *model.Report) error {
	var errs *multierror.Error
	now := r.now()
	for _, p := range plans {
		if p.rejected {
			continue
		}
		if p.existing == nil || p.existing.Hash != p.res.Hash {
			rec := model.ResourceRecord{Key: p.res.Key, Manifest: p.res.Canonical, Hash: p.res.Hash, CreatedAt: now, UpdatedAt: now}
			if p.existing != nil {
				rec.Version = p.existing.Version
				rec.CreatedAt = p.existing.CreatedAt
			}
			if _, err := r.ledger.PutResource(ctx, rec); err != nil {
				report.Reject(p.res.Index, &p.res.Key, err)
				p.rejected = true
				continue
			}
		}
		deps := p.deployments()
		for _, a := range p.actions {
			if a.Op != model.OpCreate && a.Op != model.OpUpdate {
				continue
			}
			d := model.Deployment{
				Node:        a.Node,
				AppliedHash: deps[a.Node].AppliedHash,
				LastResult:  model.OutcomePending,
				LastError:   deps[a.Node].LastError,
				Pending:     true,
				LastAttempt: now,
			}
			if err := r.ledger.PutDeployment(ctx, p.res.Key, d); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("mark %s pending on %s: %w", p.res.Key, a.Node, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

// recordApply writes every unit's outcome. It runs detached from ctx so an
// interrupted invocation still leaves no entry pending.
func (r *Reconciler) recordApply(ctx context.Context, inv *invocation, plans []*planned, items []*work, reg diff.Registry, report *model.Report) error {
	ctx = context.WithoutCancel(ctx)
	var errs *multierror.Error
	if err := r.recordContacts(ctx, items, reg); err != nil {
		errs = multierror.Append(errs, err)
	}
	now := r.now()
	for _, p := range plans {
		if p.rejected || p.work == nil {
			continue
		}
		deps := p.deployments()
		succeeded := false
		for _, res := range p.work.results {
			report.Add(unitResult(res))
			if res.Outcome.Succeeded() {
				succeeded = true
			}
			prev, had := deps[res.Unit.Node.Name]
			d, ok := afterApply(prev, had, res, p.res.Hash, now)
			if !ok {
				continue
			}
			if err := r.ledger.PutDeployment(ctx, p.res.Key, d); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("record %s on %s: %w", p.res.Key, d.Node, err))
			}
		}
		if p.isNew() && !succeeded {
			// Never created anywhere; the record does not exist yet.
			if err := r.ledger.DeleteResource(ctx, p.res.Key); err != nil && !isNotFound(err) {
				errs = multierror.Append(errs, fmt.Errorf("roll back %s: %w", p.res.Key, err))
			}
			inv.log.WithField("resource", p.res.Key.String()).Info("no node accepted a new resource, record dropped")
		}
	}
	return errs.ErrorOrNil()
}

// afterApply returns the deployment entry a unit result leaves behind, and
// false when the entry must stay as it is.
func afterApply(prev model.Deployment, had bool, res dispatch.Result, hash string, now time.Time) (model.Deployment, bool) {
	d := model.Deployment{Node: res.Unit.Node.Name, AppliedHash: prev.AppliedHash, LastAttempt: now}
	switch {
	case res.Unit.Op == model.OpNoop:
		if !had || !prev.Pending {
			return d, false
		}
		d.LastResult = model.OutcomeUnchanged
	case res.Unit.Op == model.OpSkip:
		if res.Reason == diff.ReasonNotTargeted || res.Reason == model.ReasonNotRegistered {
			return d, false
		}
		d.LastResult = model.OutcomeSkipped
		d.LastError = res.Reason
	case res.Outcome.Applied():
		d.AppliedHash = hash
		d.LastResult = res.Outcome
	default:
		d.LastResult = res.Outcome
		d.LastError = res.Reason
		if res.Err != nil {
			d.LastError = res.Err.Error()
		}
		// A recreate that reached the agent may have removed the old
		// workload before failing, so nothing is known to run there.
		if res.Sent && (res.Unit.Op == model.OpCreate || res.Unit.Op == model.OpUpdate) {
			d.AppliedHash = ""
		}
	}
	return d, true
}
