package reconcile

import (
	"context"

	"deckhand/pkg/model"
)

// List returns records matching filter, ordered by key.
func (r *Reconciler) List(ctx context.Context, filter model.ResourceFilter) ([]model.ResourceRecord, error) {
	return r.ledger.ListResources(ctx, filter)
}

// Description is a record together with the nodes its entries point at.
// Nodes no longer registered are absent from Nodes.
type Description struct {
	Record model.ResourceRecord
	Nodes  map[string]model.Node
}

func (r *Reconciler) Describe(ctx context.Context, key model.ResourceKey) (Description, error) {
	rec, err := r.ledger.GetResource(ctx, key)
	if err != nil {
		return Description{}, err
	}
	desc := Description{Record: rec, Nodes: make(map[string]model.Node, len(rec.Deployments))}
	for _, name := range rec.Nodes() {
		n, err := r.ledger.GetNode(ctx, name)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return desc, err
		}
		desc.Nodes[name] = n
	}
	return desc, nil
}

// Audit returns the newest limit entries, oldest first.
func (r *Reconciler) Audit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	return r.ledger.ListAudit(ctx, limit)
}
