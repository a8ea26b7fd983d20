package store

import (
	"context"

	"deckhand/pkg/model"
)

// Ledger is the orchestrator-local record of desired resources, their
// per-node deployment status and the node registry. Lookups that miss
// return model.ErrNotFound; invariant violations return *model.ConflictError.
type Ledger interface {
	// RegisterNode inserts n, or replaces the node of the same name when
	// replace is set. Names and addresses are unique and subnet ranges may
	// not overlap.
	RegisterNode(ctx context.Context, n model.Node, replace bool) (model.Node, error)
	// UpdateNode overwrites the mutable status fields of an existing node.
	UpdateNode(ctx context.Context, n model.Node) error
	GetNode(ctx context.Context, name string) (model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	DeleteNode(ctx context.Context, name string) error

	GetResource(ctx context.Context, key model.ResourceKey) (model.ResourceRecord, error)
	ListResources(ctx context.Context, filter model.ResourceFilter) ([]model.ResourceRecord, error)
	// PutResource writes the desired manifest and hash. rec.Version must
	// match the stored version (0 for a new record); the stored record with
	// its bumped version is returned. Deployment entries are not touched.
	PutResource(ctx context.Context, rec model.ResourceRecord) (model.ResourceRecord, error)
	// DeleteResource removes a record and all of its deployment entries.
	DeleteResource(ctx context.Context, key model.ResourceKey) error
	PutDeployment(ctx context.Context, key model.ResourceKey, d model.Deployment) error
	DeleteDeployment(ctx context.Context, key model.ResourceKey, node string) error

	AppendAudit(ctx context.Context, e model.AuditEntry) error
	// ListAudit returns the newest limit entries, oldest first.
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)

	Close() error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() Ledger {
	return NewMemoryStore()
}

func staleRecord(key model.ResourceKey) error {
	return &model.ConflictError{Field: "version", Value: key.String(), Err: model.ErrStaleRecord}
}
