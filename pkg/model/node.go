package model

import "time"

// Node is a registered host reachable over the remote execution transport.
type Node struct {
	Name        string            `json:"name"`
	Address     string            `json:"address"`               // host used to reach the agent
	PeerAddress string            `json:"peerAddress,omitempty"` // inter-node address; defaults to Address
	SubnetCIDR  string            `json:"subnetCidr"`            // one non-overlapping range per node
	Port        int               `json:"port,omitempty"`
	User        string            `json:"user,omitempty"`
	KeyRef      string            `json:"keyRef,omitempty"` // opaque credentials reference (key path)
	Labels      map[string]string `json:"labels,omitempty"` // matched by nodeSelector
	Health      NodeHealth        `json:"health"`
	Message     string            `json:"message,omitempty"` // last health detail
	Cordoned    bool              `json:"cordoned,omitempty"`
	AgentBuild  string            `json:"agentBuild,omitempty"`
	LastContact time.Time         `json:"lastContact,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Peer returns the inter-node address.
func (n Node) Peer() string {
	if n.PeerAddress != "" {
		return n.PeerAddress
	}
	return n.Address
}

// Schedulable reports whether new single-target resources may land here.
func (n Node) Schedulable() bool {
	return n.Health == HealthHealthy && !n.Cordoned
}
