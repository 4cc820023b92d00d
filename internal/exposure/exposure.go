// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package exposure defines the declarative intent the orchestrator
// acts on: which workload to expose, on which ports, through which
// public addresses, and by which strategy.
package exposure

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/netexpose/internal/portspec"
)

// Strategy is the mechanism used to make a workload reachable from
// outside its private network.
type Strategy string

const (
	// Direct attaches a provider-assigned public address to the
	// workload itself.
	Direct Strategy = "direct"

	// FirewallDNAT forwards traffic from public addresses on a
	// stateful firewall to the workload via DNAT rules.
	FirewallDNAT Strategy = "firewall-dnat"

	// LoadBalanced fronts the workload with a pre-provisioned load
	// balancer backend pool.
	LoadBalanced Strategy = "load-balanced"

	// EgressOnly exposes nothing inbound; the workload reuses the
	// existing shared egress infrastructure unchanged.
	EgressOnly Strategy = "egress-only"
)

// IsValid reports whether the strategy is one of the known values.
func (s Strategy) IsValid() bool {
	switch s {
	case Direct, FirewallDNAT, LoadBalanced, EgressOnly:
		return true
	}
	return false
}

const (
	// ErrFirewallRequired is raised when target addresses are given
	// for a bidirectional exposure but no firewall is configured to
	// carry the DNAT rules.
	ErrFirewallRequired = errors.ConstError("firewall required")

	// ErrPortsRequired is raised when a bidirectional exposure names
	// no ports at all.
	ErrPortsRequired = errors.ConstError("ports required")
)

// Request is the input to the orchestrator. It is transient,
// constructed per invocation by the caller; the orchestrator never
// reads ambient state.
type Request struct {
	// Workload identifies the container group being exposed.
	Workload string

	// StrategyHint, when set, names the strategy the caller expects.
	// Selection mismatches are an error rather than a silent
	// override.
	StrategyHint Strategy

	// Bidirectional is false for egress-only workloads.
	Bidirectional bool

	// Ports are the parsed port specifications to expose.
	Ports []portspec.PortSpec

	// Addresses are the target public address identifiers. Empty for
	// Direct exposure, where the provider assigns the address.
	Addresses []string

	// Firewall names the firewall carrying DNAT rules, when set.
	Firewall string

	// LoadBalancer names a pre-provisioned load balancer, when set.
	LoadBalancer string

	// PrivateConnectivity asks for subnet membership alongside a
	// Direct exposure, for workloads that also talk privately.
	PrivateConnectivity bool
}

// SelectStrategy maps the request onto exactly one strategy, or one
// named error. It is a pure, total function evaluated before any
// remote call; the orchestrator applies it even when the CLI claims
// to have validated already.
func SelectStrategy(req Request) (Strategy, error) {
	strategy, err := selectStrategy(
		req.Bidirectional,
		len(req.Addresses) > 0,
		req.Firewall != "",
		req.LoadBalancer != "",
		len(req.Ports) > 0,
	)
	if err != nil {
		return "", errors.Trace(err)
	}
	if req.StrategyHint != "" {
		if !req.StrategyHint.IsValid() {
			return "", errors.NotValidf("strategy %q", req.StrategyHint)
		}
		if req.StrategyHint != strategy {
			return "", errors.NotValidf("strategy %q for a %s request", req.StrategyHint, strategy)
		}
	}
	return strategy, nil
}

func selectStrategy(bidirectional, hasAddresses, hasFirewall, hasLoadBalancer, hasPorts bool) (Strategy, error) {
	switch {
	case !bidirectional:
		return EgressOnly, nil
	case hasLoadBalancer:
		return LoadBalanced, nil
	case hasAddresses && hasFirewall:
		return FirewallDNAT, nil
	case hasAddresses:
		return "", errors.Trace(ErrFirewallRequired)
	case !hasPorts:
		return "", errors.Trace(ErrPortsRequired)
	default:
		return Direct, nil
	}
}

// Validate checks the per-strategy invariants on the request. The
// strategy must be the one SelectStrategy chose.
func (req Request) Validate(strategy Strategy) error {
	if req.Workload == "" {
		return errors.NotValidf("request with empty workload")
	}
	for _, spec := range req.Ports {
		if err := spec.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	switch strategy {
	case Direct:
		if len(req.Ports) == 0 {
			return fmt.Errorf("direct exposure of %q%w", req.Workload, errors.Hide(ErrPortsRequired))
		}
	case FirewallDNAT:
		if len(req.Ports) == 0 {
			return fmt.Errorf("DNAT exposure of %q%w", req.Workload, errors.Hide(ErrPortsRequired))
		}
		if len(req.Addresses) == 0 {
			return errors.NotValidf("DNAT exposure of %q without target addresses", req.Workload)
		}
		if req.Firewall == "" {
			return fmt.Errorf("DNAT exposure of %q%w", req.Workload, errors.Hide(ErrFirewallRequired))
		}
	case LoadBalanced:
		if req.LoadBalancer == "" {
			return errors.NotValidf("load-balanced exposure of %q without a load balancer", req.Workload)
		}
		if len(req.Ports) == 0 {
			return fmt.Errorf("load-balanced exposure of %q%w", req.Workload, errors.Hide(ErrPortsRequired))
		}
	case EgressOnly:
		// Nothing to provision, nothing to check.
	default:
		return errors.NotValidf("strategy %q", strategy)
	}
	return nil
}
