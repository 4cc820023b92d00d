// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package placement is the boundary to the workload placement
// service: the collaborator that actually runs a container group and
// reports the addresses it came up with. The orchestrator only needs
// the resolved addresses; everything else about deployment is outside
// its scope.
package placement

import "context"

// Placement describes where a workload should be attached when it is
// placed.
type Placement struct {
	// Workload identifies the container group.
	Workload string

	// PublicAddressID is the resource ID of a pre-created public
	// address to attach, for Direct exposure. Empty otherwise.
	PublicAddressID string

	// SubnetID is the resource ID of the subnet to join, when the
	// workload needs private connectivity. Empty otherwise.
	SubnetID string
}

// Resolved reports the addresses of a running workload.
type Resolved struct {
	// PrivateAddress is the workload's address within its subnet,
	// needed to finalise load-balancer backend pool membership.
	PrivateAddress string

	// PublicAddress is the workload's public address, when one is
	// attached.
	PublicAddress string
}

// Service places workloads. Place blocks until the workload is
// running and its addresses are known.
type Service interface {
	Place(ctx context.Context, p Placement) (*Resolved, error)
}
