package reconcile

import (
	"context"
	"errors"
	"sort"

	"github.com/hashicorp/go-multierror"

	"deckhand/pkg/diff"
	"deckhand/pkg/dispatch"
	"deckhand/pkg/model"
)

// work is the set of units for one resource. results align with units.
type work struct {
	key     model.ResourceKey
	units   []dispatch.Unit
	results []dispatch.Result
}

func newWork(key model.ResourceKey, actions []diff.Action, reg diff.Registry, manifest []byte, hash string) *work {
	w := &work{key: key}
	for _, a := range actions {
		node, ok := reg[a.Node]
		if !ok {
			node = model.Node{Name: a.Node}
		}
		w.units = append(w.units, dispatch.Unit{
			Key: key, Node: node, Op: a.Op, Reason: a.Reason,
			Manifest: manifest, Hash: hash,
		})
	}
	return w
}

// dispatchWaves runs items wave by wave (Secrets first, or last when
// reverse). A node that fails at the transport level in one wave is not
// contacted again in later waves.
func (r *Reconciler) dispatchWaves(ctx context.Context, items []*work, reverse bool) {
	byWave := make(map[int][]*work)
	var waves []int
	for _, w := range items {
		wave := w.key.Kind.DispatchWave()
		if _, ok := byWave[wave]; !ok {
			waves = append(waves, wave)
		}
		byWave[wave] = append(byWave[wave], w)
		w.results = make([]dispatch.Result, len(w.units))
	}
	sort.Ints(waves)
	if reverse {
		sort.Sort(sort.Reverse(sort.IntSlice(waves)))
	}

	down := make(map[string]bool)
	for _, wave := range waves {
		type slot struct {
			w *work
			i int
		}
		var (
			units []dispatch.Unit
			slots []slot
		)
		for _, w := range byWave[wave] {
			for i, u := range w.units {
				if u.Op.Dispatched() && down[u.Node.Name] {
					w.results[i] = dispatch.Result{Unit: u, Outcome: model.OutcomeSkipped, Reason: model.ReasonUnreachable}
					continue
				}
				units = append(units, u)
				slots = append(slots, slot{w, i})
			}
		}
		if len(units) == 0 {
			continue
		}
		for i, res := range r.fleet.Run(ctx, units) {
			s := slots[i]
			s.w.results[s.i] = res
			var te *model.TransportError
			if errors.As(res.Err, &te) {
				down[res.Unit.Node.Name] = true
			}
		}
	}
}

// nodeContacts folds dispatch results into node health. Canceled and
// local units say nothing about a node.
func nodeContacts(items []*work) map[string]error {
	seen := make(map[string]error)
	for _, w := range items {
		for _, res := range w.results {
			if !res.Unit.Op.Dispatched() || res.Canceled() || res.Outcome == model.OutcomeSkipped {
				continue
			}
			name := res.Unit.Node.Name
			var te *model.TransportError
			if errors.As(res.Err, &te) {
				seen[name] = res.Err
			} else if _, ok := seen[name]; !ok {
				seen[name] = nil
			}
		}
	}
	return seen
}

// recordContacts persists node health after a dispatch.
func (r *Reconciler) recordContacts(ctx context.Context, items []*work, reg diff.Registry) error {
	var errs *multierror.Error
	now := r.now()
	for name, err := range nodeContacts(items) {
		n, ok := reg[name]
		if !ok {
			continue
		}
		contact(&n, err, now)
		reg[name] = n
		if uerr := r.ledger.UpdateNode(ctx, n); uerr != nil && !isNotFound(uerr) {
			errs = multierror.Append(errs, uerr)
		}
	}
	return errs.ErrorOrNil()
}

func unitResult(res dispatch.Result) model.UnitResult {
	u := model.UnitResult{
		Key:      res.Unit.Key,
		Node:     res.Unit.Node.Name,
		Op:       res.Unit.Op,
		Outcome:  res.Outcome,
		Reason:   res.Reason,
		Duration: res.Duration,
	}
	if res.Err != nil {
		u.Error = res.Err.Error()
	}
	return u
}
