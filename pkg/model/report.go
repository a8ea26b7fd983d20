package model

import (
	"sort"
	"time"
)

// Operation names used in reports and the audit log.
const (
	OperationApply   = "apply"
	OperationRemove  = "remove"
	OperationRefresh = "refresh"
)

// ReportStatus summarizes a report for the caller.
type ReportStatus string

const (
	StatusSuccess ReportStatus = "Success"
	StatusPartial ReportStatus = "Partial"
	StatusFailed  ReportStatus = "Failed"
)

// UnitResult is the outcome of one (resource, node) unit of work.
type UnitResult struct {
	Key      ResourceKey   `json:"key"`
	Node     string        `json:"node"`
	Op       Op            `json:"op"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"` // why a unit was skipped
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Rejection is a document or resource refused before any dispatch.
type Rejection struct {
	Index int          `json:"index"` // position within the input, -1 when not document based
	Key   *ResourceKey `json:"key,omitempty"`
	Error string       `json:"error"`
	Err   error        `json:"-"`
}

// Report aggregates every unit of one apply or remove invocation.
type Report struct {
	RunID      string       `json:"runId"`
	Operation  string       `json:"operation"`
	Units      []UnitResult `json:"units"`
	Rejections []Rejection  `json:"rejections,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Reject records a refused document.
func (r *Report) Reject(index int, key *ResourceKey, err error) {
	r.Rejections = append(r.Rejections, Rejection{Index: index, Key: key, Error: err.Error(), Err: err})
}

// Add appends unit results.
func (r *Report) Add(units ...UnitResult) {
	r.Units = append(r.Units, units...)
}

// Sort orders units by resource key then node.
func (r *Report) Sort() {
	sort.SliceStable(r.Units, func(i, j int) bool {
		a, b := r.Units[i], r.Units[j]
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		return a.Node < b.Node
	})
}

// Counts tallies units per outcome.
func (r *Report) Counts() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, u := range r.Units {
		out[u.Outcome]++
	}
	return out
}

// HasFailures reports whether any unit failed or any document was rejected.
func (r *Report) HasFailures() bool {
	if len(r.Rejections) > 0 {
		return true
	}
	for _, u := range r.Units {
		if u.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// Status is Success with no failures, Failed when nothing succeeded, and
// Partial otherwise. Skipped units alone make a report Partial.
func (r *Report) Status() ReportStatus {
	succeeded, skipped := 0, 0
	for _, u := range r.Units {
		switch {
		case u.Outcome.Succeeded():
			succeeded++
		case u.Outcome == OutcomeSkipped:
			skipped++
		}
	}
	if !r.HasFailures() {
		if skipped > 0 {
			return StatusPartial
		}
		return StatusSuccess
	}
	if succeeded == 0 {
		return StatusFailed
	}
	return StatusPartial
}

// Unit returns the result for key on node.
func (r *Report) Unit(key ResourceKey, node string) (UnitResult, bool) {
	for _, u := range r.Units {
		if u.Key == key && u.Node == node {
			return u, true
		}
	}
	return UnitResult{}, false
}

// Drift classifies a difference found by refresh.
type Drift string

const (
	DriftDiscovered Drift = "discovered" // running on node, not recorded for it
	DriftLost       Drift = "lost"       // recorded for node, not running there
	DriftChanged    Drift = "changed"    // running with a different hash
	DriftUntracked  Drift = "untracked"  // running on node, unknown to the ledger
	DriftOrphaned   Drift = "orphaned"   // recorded for a node no longer registered
)

// DriftEntry is one difference between the ledger and a node.
type DriftEntry struct {
	Key      ResourceKey `json:"key"`
	Node     string      `json:"node"`
	Drift    Drift       `json:"drift"`
	Recorded string      `json:"recorded,omitempty"`
	Observed string      `json:"observed,omitempty"`
}

// NodeProbe is the refresh result for one node.
type NodeProbe struct {
	Node     string     `json:"node"`
	Health   NodeHealth `json:"health"`
	Cordoned bool       `json:"cordoned,omitempty"`
	Running  int        `json:"running"`
	Error    string     `json:"error,omitempty"`
}

// RefreshReport is the result of a refresh invocation.
type RefreshReport struct {
	RunID      string       `json:"runId"`
	Nodes      []NodeProbe  `json:"nodes"`
	Drift      []DriftEntry `json:"drift,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// HasFailures reports whether any node could not be reached.
func (r *RefreshReport) HasFailures() bool {
	for _, n := range r.Nodes {
		if n.Error != "" {
			return true
		}
	}
	return false
}
