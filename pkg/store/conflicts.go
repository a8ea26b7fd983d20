package store

import (
	"fmt"
	"net"
	"strings"

	"deckhand/pkg/model"
)

// checkNode validates n and checks it against the other registered nodes.
// It returns n with its subnet normalized to the network address.
func checkNode(existing []model.Node, n model.Node, replace bool) (model.Node, error) {
	n.Name = strings.TrimSpace(n.Name)
	n.Address = strings.TrimSpace(n.Address)
	if n.Name == "" {
		return n, invalidNode(n, "name is required")
	}
	if n.Address == "" {
		return n, invalidNode(n, "address is required")
	}
	_, subnet, err := net.ParseCIDR(strings.TrimSpace(n.SubnetCIDR))
	if err != nil {
		return n, invalidNode(n, fmt.Sprintf("subnet %q is not a CIDR", n.SubnetCIDR))
	}
	n.SubnetCIDR = subnet.String()

	for _, other := range existing {
		if other.Name == n.Name {
			if !replace {
				return n, &model.ConflictError{Field: "name", Value: n.Name, Existing: other.Name}
			}
			continue
		}
		if other.Address == n.Address {
			return n, &model.ConflictError{Field: "address", Value: n.Address, Existing: other.Name}
		}
		_, theirs, err := net.ParseCIDR(other.SubnetCIDR)
		if err != nil {
			continue
		}
		if theirs.Contains(subnet.IP) || subnet.Contains(theirs.IP) {
			return n, &model.ConflictError{Field: "subnetCidr", Value: n.SubnetCIDR, Existing: other.Name + " " + other.SubnetCIDR}
		}
	}
	return n, nil
}

func invalidNode(n model.Node, reason string) error {
	return &model.ValidationError{Index: -1, Reason: fmt.Sprintf("node %q: %s", n.Name, reason)}
}
