package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"deckhand/pkg/model"
)

// Refresh asks every registered node what it actually runs and overwrites
// the ledger's observed state with the answer. Desired manifests are never
// touched; everything that disagreed is listed as drift.
func (r *Reconciler) Refresh(ctx context.Context) (*model.RefreshReport, error) {
	inv := r.begin(model.OperationRefresh)
	report := &model.RefreshReport{RunID: inv.id, StartedAt: r.now()}

	inv.enter(PhaseDispatching)
	nodes, err := r.ledger.ListNodes(ctx)
	if err != nil {
		return report, fmt.Errorf("list nodes: %w", err)
	}
	records, err := r.ledger.ListResources(ctx, model.ResourceFilter{})
	if err != nil {
		return report, fmt.Errorf("list resources: %w", err)
	}
	probes := r.fleet.Probe(ctx, nodes)

	inv.enter(PhaseReporting)
	ctx = context.WithoutCancel(ctx)
	var errs *multierror.Error
	now := r.now()
	registered := make(map[string]bool, len(nodes))
	running := make(map[string]map[model.ResourceKey]string)
	for i, p := range probes {
		n := nodes[i]
		registered[n.Name] = true
		observe(&n, p, now)
		if err := r.ledger.UpdateNode(ctx, n); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("record node %s: %w", n.Name, err))
		}
		np := model.NodeProbe{Node: n.Name, Health: n.Health, Cordoned: n.Cordoned}
		if p.Err != nil {
			np.Error = p.Err.Error()
		} else {
			set := make(map[model.ResourceKey]string, len(p.Status.Running))
			for _, rr := range p.Status.Running {
				set[rr.Key()] = rr.Hash
			}
			running[n.Name] = set
			np.Running = len(set)
		}
		report.Nodes = append(report.Nodes, np)
		inv.log.WithFields(logrus.Fields{"node": n.Name, "health": n.Health}).Debug("refreshed node")
	}

	tracked := make(map[model.ResourceKey]bool, len(records))
	for _, rec := range records {
		tracked[rec.Key] = true
		for _, name := range rec.Nodes() {
			d := rec.Deployments[name]
			if !registered[name] {
				report.Drift = append(report.Drift, model.DriftEntry{Key: rec.Key, Node: name, Drift: model.DriftOrphaned, Recorded: d.AppliedHash})
				continue
			}
			set, ok := running[name]
			if !ok {
				continue
			}
			observed, runs := set[rec.Key]
			entry, changed := reconcileEntry(d, observed, runs, now)
			switch {
			case runs && d.AppliedHash != observed:
				report.Drift = append(report.Drift, model.DriftEntry{Key: rec.Key, Node: name, Drift: model.DriftChanged, Recorded: d.AppliedHash, Observed: observed})
			case !runs && d.AppliedHash != "":
				report.Drift = append(report.Drift, model.DriftEntry{Key: rec.Key, Node: name, Drift: model.DriftLost, Recorded: d.AppliedHash})
			}
			if changed {
				if err := r.ledger.PutDeployment(ctx, rec.Key, entry); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("record %s on %s: %w", rec.Key, name, err))
				}
			}
		}
		for name, set := range running {
			if _, held := rec.Deployments[name]; held {
				continue
			}
			observed, runs := set[rec.Key]
			if !runs {
				continue
			}
			report.Drift = append(report.Drift, model.DriftEntry{Key: rec.Key, Node: name, Drift: model.DriftDiscovered, Observed: observed})
			d := model.Deployment{Node: name, AppliedHash: observed, LastResult: model.OutcomeUnchanged, LastAttempt: now}
			if err := r.ledger.PutDeployment(ctx, rec.Key, d); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("record %s on %s: %w", rec.Key, name, err))
			}
		}
	}
	for name, set := range running {
		for key, hash := range set {
			if !tracked[key] {
				report.Drift = append(report.Drift, model.DriftEntry{Key: key, Node: name, Drift: model.DriftUntracked, Observed: hash})
			}
		}
	}
	sort.Slice(report.Drift, func(i, j int) bool {
		a, b := report.Drift[i], report.Drift[j]
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		return a.Node < b.Node
	})
	report.FinishedAt = r.now()

	unreachable := 0
	for _, n := range report.Nodes {
		if n.Error != "" {
			unreachable++
		}
	}
	r.audit(ctx, inv.id, model.OperationRefresh, fmt.Sprintf("%d nodes", len(nodes)),
		fmt.Sprintf("unreachable=%d drift=%d", unreachable, len(report.Drift)))
	inv.log.WithFields(logrus.Fields{"unreachable": unreachable, "drift": len(report.Drift)}).Info("refresh finished")
	inv.enter(PhaseIdle)
	return report, errs.ErrorOrNil()
}

// reconcileEntry rewrites a deployment entry to what the node reported.
func reconcileEntry(d model.Deployment, observed string, runs bool, now time.Time) (model.Deployment, bool) {
	out := d
	switch {
	case runs && (d.AppliedHash != observed || d.Pending):
		out.AppliedHash = observed
		out.LastResult = model.OutcomeUnchanged
	case !runs && (d.AppliedHash != "" || d.Pending):
		out.AppliedHash = ""
		out.LastResult = model.OutcomeDeleted
	default:
		return d, false
	}
	out.Pending = false
	out.LastError = ""
	out.LastAttempt = now
	return out, true
}
