package model

// Outcome is the result of one unit of work against one node.
type Outcome string

const (
	OutcomePending   Outcome = "Pending"
	OutcomeCreated   Outcome = "Created"
	OutcomeUpdated   Outcome = "Updated"
	OutcomeUnchanged Outcome = "Unchanged"
	OutcomeDeleted   Outcome = "Deleted"
	OutcomeSkipped   Outcome = "Skipped"
	OutcomeFailed    Outcome = "Failed"
)

// Applied reports whether the outcome leaves the node running the sent hash.
func (o Outcome) Applied() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeUnchanged
}

// Succeeded reports whether the unit finished without error or skip.
func (o Outcome) Succeeded() bool {
	return o.Applied() || o == OutcomeDeleted
}

// Op is the action the diff engine chose for a (resource, node) pair.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpNoop   Op = "noop"
	OpSkip   Op = "skip"
)

// Dispatched reports whether the op needs a call to the node.
func (o Op) Dispatched() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Skip reasons.
const (
	ReasonUnreachable   = "unreachable"
	ReasonStale         = "unreachable, still stale"
	ReasonNotRegistered = "node not registered"
	ReasonCanceled      = "canceled"
)
