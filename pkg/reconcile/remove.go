package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"deckhand/pkg/diff"
	"deckhand/pkg/dispatch"
	"deckhand/pkg/manifest"
	"deckhand/pkg/model"
)

// RemoveDocuments removes the resources that docs identify.
func (r *Reconciler) RemoveDocuments(ctx context.Context, docs []manifest.Document) (*model.Report, error) {
	var (
		keys     []model.ResourceKey
		indexes  []int
		rejected []model.Rejection
	)
	for _, doc := range docs {
		if doc.Err != nil {
			err := &model.ValidationError{Index: doc.Index, Reason: "malformed manifest", Err: doc.Err}
			rejected = append(rejected, model.Rejection{Index: doc.Index, Error: err.Error(), Err: err})
			continue
		}
		key, err := manifest.Identify(doc.Object)
		if err != nil {
			verr := &model.ValidationError{Index: doc.Index, Reason: "unidentifiable manifest", Err: err}
			rejected = append(rejected, model.Rejection{Index: doc.Index, Error: verr.Error(), Err: verr})
			continue
		}
		keys = append(keys, key)
		indexes = append(indexes, doc.Index)
	}
	report, err := r.remove(ctx, keys, indexes)
	if report != nil {
		report.Rejections = append(rejected, report.Rejections...)
	}
	return report, err
}

// Remove deletes each resource from every node holding it. A record is
// dropped once its deployment map is empty; entries that could not be
// removed keep the record alive.
func (r *Reconciler) Remove(ctx context.Context, keys ...model.ResourceKey) (*model.Report, error) {
	return r.remove(ctx, keys, nil)
}

// remove backs Remove. indexes holds the document index of each key and
// is nil when the keys did not come from documents.
func (r *Reconciler) remove(ctx context.Context, keys []model.ResourceKey, indexes []int) (*model.Report, error) {
	inv := r.begin(model.OperationRemove)
	report := &model.Report{RunID: inv.id, Operation: model.OperationRemove, StartedAt: r.now()}

	inv.enter(PhaseValidating)
	var (
		records []model.ResourceRecord
		seen    = make(map[model.ResourceKey]bool)
		errs    *multierror.Error
	)
	for i, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		rec, err := r.ledger.GetResource(ctx, key)
		if err != nil {
			k := key
			index := -1
			if indexes != nil {
				index = indexes[i]
			}
			if isNotFound(err) {
				err = &model.ValidationError{Key: &k, Index: index, Reason: "no such resource", Err: err}
			}
			report.Reject(index, &k, err)
			continue
		}
		if len(rec.Deployments) == 0 {
			if err := r.ledger.DeleteResource(ctx, key); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", key, err))
			}
			continue
		}
		records = append(records, rec)
	}

	inv.enter(PhaseDiffing)
	nodes, err := r.ledger.ListNodes(ctx)
	if err != nil {
		return report, fmt.Errorf("list nodes: %w", err)
	}
	nodes = r.probeHolders(ctx, inv, records, nodes)
	reg := diff.NewRegistry(nodes)
	items := make([]*work, 0, len(records))
	for _, rec := range records {
		items = append(items, newWork(rec.Key, diff.Remove(rec.Deployments, reg), reg, nil, ""))
	}

	inv.enter(PhaseDispatching)
	r.dispatchWaves(ctx, items, true)

	inv.enter(PhaseReporting)
	if err := r.recordRemove(ctx, records, items, reg, report); err != nil {
		errs = multierror.Append(errs, err)
	}
	report.Sort()
	report.FinishedAt = r.now()
	r.audit(ctx, inv.id, model.OperationRemove, fmt.Sprintf("%d resources", len(seen)),
		fmt.Sprintf("%s: %s rejected=%d", report.Status(), summary(report.Counts()), len(report.Rejections)))
	inv.log.WithField("status", report.Status()).Info("remove finished")
	inv.enter(PhaseIdle)
	return report, errs.ErrorOrNil()
}

// probeHolders probes nodes not known Healthy that hold an entry to delete.
func (r *Reconciler) probeHolders(ctx context.Context, inv *invocation, records []model.ResourceRecord, nodes []model.Node) []model.Node {
	want := make(map[string]bool)
	for _, rec := range records {
		for name := range rec.Deployments {
			want[name] = true
		}
	}
	var targets []model.Node
	idx := make(map[string]int, len(nodes))
	for i, n := range nodes {
		idx[n.Name] = i
		if want[n.Name] && n.Health != model.HealthHealthy {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return nodes
	}
	now := r.now()
	for _, p := range r.fleet.Probe(ctx, targets) {
		n := &nodes[idx[p.Node]]
		observe(n, p, now)
		if err := r.ledger.UpdateNode(ctx, *n); err != nil {
			inv.log.WithError(err).WithField("node", n.Name).Warn("record node health")
		}
	}
	return nodes
}

func (r *Reconciler) recordRemove(ctx context.Context, records []model.ResourceRecord, items []*work, reg diff.Registry, report *model.Report) error {
	ctx = context.WithoutCancel(ctx)
	var errs *multierror.Error
	if err := r.recordContacts(ctx, items, reg); err != nil {
		errs = multierror.Append(errs, err)
	}
	now := r.now()
	for i, rec := range records {
		remaining := len(rec.Deployments)
		for _, res := range items[i].results {
			report.Add(unitResult(res))
			name := res.Unit.Node.Name
			switch {
			case res.Outcome == model.OutcomeDeleted:
				if err := r.ledger.DeleteDeployment(ctx, rec.Key, name); err != nil && !isNotFound(err) {
					errs = multierror.Append(errs, fmt.Errorf("forget %s on %s: %w", rec.Key, name, err))
					continue
				}
				remaining--
			case res.Reason == model.ReasonNotRegistered:
			default:
				d := afterRemove(rec.Deployments[name], res, now)
				if err := r.ledger.PutDeployment(ctx, rec.Key, d); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("record %s on %s: %w", rec.Key, name, err))
				}
			}
		}
		if remaining == 0 {
			if err := r.ledger.DeleteResource(ctx, rec.Key); err != nil && !isNotFound(err) {
				errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", rec.Key, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

func afterRemove(prev model.Deployment, res dispatch.Result, now time.Time) model.Deployment {
	d := prev
	d.LastResult = res.Outcome
	d.LastError = res.Reason
	if res.Err != nil {
		d.LastError = res.Err.Error()
	}
	d.Pending = false
	d.LastAttempt = now
	return d
}

func sortedKeys(recs []model.ResourceRecord) []model.ResourceKey {
	keys := make([]model.ResourceKey, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
