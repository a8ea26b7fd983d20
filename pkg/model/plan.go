package model

// PlacementDecision maps a resource to its target nodes. It is computed on
// every apply and never persisted.
type PlacementDecision struct {
	Key     ResourceKey `json:"key"`
	Targets []string    `json:"targets"`
	Sticky  bool        `json:"sticky,omitempty"` // reused an existing deployment entry
}
