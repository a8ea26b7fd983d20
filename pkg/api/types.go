package api

import "deckhand/pkg/model"

// ProtocolVersion is bumped on incompatible envelope changes.
const ProtocolVersion = 1

// Command names an agent operation.
type Command string

const (
	CommandApply    Command = "apply"
	CommandRemove   Command = "remove"
	CommandStatus   Command = "status"
	CommandCordon   Command = "cordon"
	CommandUncordon Command = "uncordon"
)

// Envelope is the single request the orchestrator writes to an agent's stdin.
type Envelope struct {
	Version int            `cbor:"v"`
	Command Command        `cbor:"cmd"`
	Node    string         `cbor:"node"`            // node the command is meant for
	Token   string         `cbor:"token,omitempty"` // signed command token, see pkg/auth
	Apply   *ApplyRequest  `cbor:"apply,omitempty"`
	Remove  *RemoveRequest `cbor:"remove,omitempty"`
}

// ApplyRequest carries a canonical manifest and its content hash.
type ApplyRequest struct {
	Kind      model.Kind `cbor:"kind"`
	Name      string     `cbor:"name"`
	Namespace string     `cbor:"ns"`
	Manifest  []byte     `cbor:"manifest"`
	Hash      string     `cbor:"hash"`
}

// Key is the resource identity of the request.
func (r ApplyRequest) Key() model.ResourceKey {
	return model.ResourceKey{Kind: r.Kind, Name: r.Name, Namespace: r.Namespace}
}

// RemoveRequest identifies a resource to delete.
type RemoveRequest struct {
	Kind      model.Kind `cbor:"kind"`
	Name      string     `cbor:"name"`
	Namespace string     `cbor:"ns"`
}

// Key is the resource identity of the request.
func (r RemoveRequest) Key() model.ResourceKey {
	return model.ResourceKey{Kind: r.Kind, Name: r.Name, Namespace: r.Namespace}
}

// Reply is the single response an agent writes to stdout.
type Reply struct {
	Version int           `cbor:"v"`
	Outcome model.Outcome `cbor:"outcome,omitempty"`
	Message string        `cbor:"msg,omitempty"`
	Error   string        `cbor:"err,omitempty"`
	Status  *NodeStatus   `cbor:"status,omitempty"`
}

// NodeStatus is the agent's view of its own health and running resources.
type NodeStatus struct {
	Health   model.NodeHealth  `cbor:"health"`
	Cordoned bool              `cbor:"cordoned,omitempty"`
	Build    string            `cbor:"build,omitempty"`
	Running  []RunningResource `cbor:"running"`
}

// RunningResource is one resource an agent has applied.
type RunningResource struct {
	Kind      model.Kind `cbor:"kind"`
	Name      string     `cbor:"name"`
	Namespace string     `cbor:"ns"`
	Hash      string     `cbor:"hash"`
}

// Key is the resource identity.
func (r RunningResource) Key() model.ResourceKey {
	return model.ResourceKey{Kind: r.Kind, Name: r.Name, Namespace: r.Namespace}
}
