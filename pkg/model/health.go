package model

// NodeHealth is the last known reachability of a node's agent.
type NodeHealth string

const (
	HealthUnknown   NodeHealth = "Unknown"
	HealthHealthy   NodeHealth = "Healthy"
	HealthUnhealthy NodeHealth = "Unhealthy"
)

// Dispatchable reports whether work should be sent to a node in this state.
// Unknown nodes are attempted; the attempt is how their health is learned.
func (h NodeHealth) Dispatchable() bool {
	return h != HealthUnhealthy
}
