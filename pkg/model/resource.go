package model

import (
	"fmt"
	"sort"
	"time"
)

// DefaultNamespace is applied to manifests that omit metadata.namespace.
const DefaultNamespace = "default"

// ResourceKey is the globally unique identity of a resource.
type ResourceKey struct {
	Kind      Kind   `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Namespace, k.Name)
}

// Less orders keys by kind, namespace, then name.
func (k ResourceKey) Less(o ResourceKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.Namespace != o.Namespace {
		return k.Namespace < o.Namespace
	}
	return k.Name < o.Name
}

// ResourceRecord is the ledger's desired and observed state for one resource.
type ResourceRecord struct {
	Key         ResourceKey           `json:"key"`
	Manifest    []byte                `json:"manifest"` // canonical JSON
	Hash        string                `json:"hash"`
	Version     int64                 `json:"version"` // bumped on every desired-state write
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	Deployments map[string]Deployment `json:"deployments"` // node name -> status
}

// Nodes returns the deployment map's node names in order.
func (r ResourceRecord) Nodes() []string {
	out := make([]string, 0, len(r.Deployments))
	for n := range r.Deployments {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Deployment is the per-node status of a resource.
type Deployment struct {
	Node        string    `json:"node"`
	AppliedHash string    `json:"appliedHash,omitempty"` // empty until an apply succeeds
	LastResult  Outcome   `json:"lastResult"`
	LastError   string    `json:"lastError,omitempty"`
	Pending     bool      `json:"pending,omitempty"` // dispatched, no definitive outcome yet
	LastAttempt time.Time `json:"lastAttempt"`
}

// ResourceFilter narrows ListResources. Empty fields match everything.
type ResourceFilter struct {
	Kind      Kind
	Namespace string
	Node      string
}

// Match reports whether a record passes the filter.
func (f ResourceFilter) Match(r ResourceRecord) bool {
	if f.Kind != "" && r.Key.Kind != f.Kind {
		return false
	}
	if f.Namespace != "" && r.Key.Namespace != f.Namespace {
		return false
	}
	if f.Node != "" {
		if _, ok := r.Deployments[f.Node]; !ok {
			return false
		}
	}
	return true
}
