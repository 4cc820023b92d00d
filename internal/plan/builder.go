// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package plan

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/netexpose/internal/exposure"
	"github.com/juju/netexpose/internal/naming"
	"github.com/juju/netexpose/internal/portspec"
)

var logger = loggo.GetLogger("netexpose.plan")

const (
	// ErrPlanTooLarge is raised when the cross product of addresses
	// and port bindings would exceed the rule ceiling.
	ErrPlanTooLarge = errors.ConstError("plan too large")

	// DefaultRuleCeiling bounds the total number of rule entries in
	// one plan, keeping collections within the remote API's
	// per-collection rule limits.
	DefaultRuleCeiling = 1000

	// DefaultVNetCIDR is the address space of a virtual network the
	// orchestrator creates itself.
	DefaultVNetCIDR = "10.70.0.0/16"

	// DefaultSubnetCIDR is the workload subnet within DefaultVNetCIDR.
	DefaultSubnetCIDR = "10.70.1.0/24"

	natCollectionPriority     = 1000
	networkCollectionPriority = 2000
)

// Builder constructs resource plans. The zero value uses the default
// rule ceiling and address spaces.
type Builder struct {
	RuleCeiling int
	VNetCIDR    string
	SubnetCIDR  string
}

func (b Builder) ruleCeiling() int {
	if b.RuleCeiling > 0 {
		return b.RuleCeiling
	}
	return DefaultRuleCeiling
}

func (b Builder) vnetCIDR() string {
	if b.VNetCIDR != "" {
		return b.VNetCIDR
	}
	return DefaultVNetCIDR
}

func (b Builder) subnetCIDR() string {
	if b.SubnetCIDR != "" {
		return b.SubnetCIDR
	}
	return DefaultSubnetCIDR
}

// Build produces the resource plan for the request under the given
// strategy. Bindings must be the expanded ports of the request.
// Construction is deterministic: descriptors are emitted in the
// creation order the reconciler will follow, and the same inputs
// always produce an identical plan.
func (b Builder) Build(req exposure.Request, strategy exposure.Strategy, bindings []portspec.PortBinding) (*Plan, error) {
	if err := req.Validate(strategy); err != nil {
		return nil, errors.Trace(err)
	}
	p := NewPlan()
	var err error
	switch strategy {
	case exposure.EgressOnly:
		// Existing shared egress infrastructure is reused unchanged.
	case exposure.Direct:
		err = b.buildDirect(p, req, bindings)
	case exposure.FirewallDNAT:
		err = b.buildFirewallDNAT(p, req, bindings)
	case exposure.LoadBalanced:
		err = b.buildLoadBalanced(p, req, bindings)
	default:
		err = errors.NotValidf("strategy %q", strategy)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("built %s for workload %q", p, req.Workload)
	return p, nil
}

func (b Builder) buildDirect(p *Plan, req exposure.Request, bindings []portspec.PortBinding) error {
	addrName := naming.ForResource(naming.RolePublicAddress, req.Workload)
	if err := p.Add(Descriptor{
		Name: addrName,
		Kind: KindPublicAddress,
		Payload: PublicAddressPayload{
			Workload: req.Workload,
			Ports:    bindings,
		},
	}); err != nil {
		return errors.Trace(err)
	}
	if !req.PrivateConnectivity {
		return nil
	}
	// Private connectivity wants subnet membership, but no route
	// table: traffic still leaves via the default system routes.
	vnetName := naming.ForResource(naming.RoleVirtualNetwork, req.Workload)
	if err := p.Add(Descriptor{
		Name:    vnetName,
		Kind:    KindVirtualNetwork,
		Payload: VirtualNetworkPayload{CIDR: b.vnetCIDR()},
	}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.Add(Descriptor{
		Name:      naming.ForResource(naming.RoleSubnet, req.Workload),
		Kind:      KindSubnet,
		DependsOn: []string{vnetName},
		Payload: SubnetPayload{
			VirtualNetwork: vnetName,
			CIDR:           b.subnetCIDR(),
		},
	}))
}

func (b Builder) buildFirewallDNAT(p *Plan, req exposure.Request, bindings []portspec.PortBinding) error {
	ruleCount := len(req.Addresses) * len(bindings)
	if ceiling := b.ruleCeiling(); ruleCount+1 > ceiling {
		return fmt.Errorf(
			"%d addresses x %d bindings needs %d rules, ceiling is %d%w",
			len(req.Addresses), len(bindings), ruleCount+1, ceiling, errors.Hide(ErrPlanTooLarge))
	}

	// The virtual network, subnet and route table are seeded by the
	// firewall name: every workload behind the same firewall
	// re-derives the same names and shares the resources.
	vnetName := naming.ForResource(naming.RoleVirtualNetwork, req.Firewall)
	subnetName := naming.ForResource(naming.RoleSubnet, req.Firewall)
	rtName := naming.ForResource(naming.RoleRouteTable, req.Firewall)
	if err := p.Add(Descriptor{
		Name:    vnetName,
		Kind:    KindVirtualNetwork,
		Payload: VirtualNetworkPayload{CIDR: b.vnetCIDR()},
	}); err != nil {
		return errors.Trace(err)
	}
	if err := p.Add(Descriptor{
		Name:      subnetName,
		Kind:      KindSubnet,
		DependsOn: []string{vnetName},
		Payload: SubnetPayload{
			VirtualNetwork: vnetName,
			CIDR:           b.subnetCIDR(),
			RouteTable:     rtName,
		},
	}); err != nil {
		return errors.Trace(err)
	}
	if err := p.Add(Descriptor{
		Name:      rtName,
		Kind:      KindRouteTable,
		DependsOn: []string{subnetName},
		Payload:   RouteTablePayload{Firewall: req.Firewall},
	}); err != nil {
		return errors.Trace(err)
	}

	natCollection := naming.ForCollection(req.Workload, naming.RoleNATRule)
	if err := p.Add(Descriptor{
		Name:      natCollection,
		Kind:      KindRuleCollection,
		DependsOn: []string{rtName},
		Payload: RuleCollectionPayload{
			Firewall: req.Firewall,
			Priority: natCollectionPriority,
			NAT:      true,
		},
	}); err != nil {
		return errors.Trace(err)
	}
	// One DNAT rule per (address x binding) pair.
	for _, address := range req.Addresses {
		for _, binding := range bindings {
			if err := p.Add(Descriptor{
				Name:      naming.ForRule(naming.RoleNATRule, req.Workload, address, binding.Port, binding.Protocol),
				Kind:      KindNATRule,
				DependsOn: []string{natCollection},
				Payload: NATRulePayload{
					Firewall:      req.Firewall,
					Collection:    natCollection,
					PublicAddress: address,
					Port:          binding.Port,
					Protocol:      binding.Protocol,
					Workload:      req.Workload,
				},
			}); err != nil {
				return errors.Trace(err)
			}
		}
	}

	netCollection := naming.ForCollection(req.Workload, naming.RoleNetworkRule)
	if err := p.Add(Descriptor{
		Name:      netCollection,
		Kind:      KindRuleCollection,
		DependsOn: []string{rtName},
		Payload: RuleCollectionPayload{
			Firewall: req.Firewall,
			Priority: networkCollectionPriority,
		},
	}); err != nil {
		return errors.Trace(err)
	}
	// A single egress rule covering the whole expanded port set.
	return errors.Trace(p.Add(Descriptor{
		Name:      naming.ForRule(naming.RoleNetworkRule, req.Workload, req.Firewall, 0, "any"),
		Kind:      KindNetworkRule,
		DependsOn: []string{netCollection},
		Payload: NetworkRulePayload{
			Firewall:   req.Firewall,
			Collection: netCollection,
			Workload:   req.Workload,
			Ports:      bindings,
		},
	}))
}

func (b Builder) buildLoadBalanced(p *Plan, req exposure.Request, bindings []portspec.PortBinding) error {
	poolName := naming.ForResource(naming.RoleBackendPool, req.Workload)
	if err := p.Add(Descriptor{
		Name: poolName,
		Kind: KindBackendPool,
		Payload: BackendPoolPayload{
			LoadBalancer: req.LoadBalancer,
			Workload:     req.Workload,
			// BackendAddress is patched in once placement has
			// resolved the workload's private address.
		},
	}); err != nil {
		return errors.Trace(err)
	}

	// One TCP probe per distinct port, shared by the rules for that
	// port regardless of protocol.
	probeFor := make(map[int]string)
	for _, binding := range bindings {
		if _, ok := probeFor[binding.Port]; ok {
			continue
		}
		probeName := naming.ForRule(naming.RoleHealthProbe, req.Workload, req.LoadBalancer, binding.Port, "tcp")
		probeFor[binding.Port] = probeName
		if err := p.Add(Descriptor{
			Name:      probeName,
			Kind:      KindHealthProbe,
			DependsOn: []string{poolName},
			Payload: HealthProbePayload{
				LoadBalancer: req.LoadBalancer,
				Port:         binding.Port,
			},
		}); err != nil {
			return errors.Trace(err)
		}
	}
	for _, binding := range bindings {
		if err := p.Add(Descriptor{
			Name:      naming.ForRule(naming.RoleLBRule, req.Workload, req.LoadBalancer, binding.Port, binding.Protocol),
			Kind:      KindLoadBalancingRule,
			DependsOn: []string{poolName, probeFor[binding.Port]},
			Payload: LoadBalancingRulePayload{
				LoadBalancer: req.LoadBalancer,
				Pool:         poolName,
				Probe:        probeFor[binding.Port],
				Port:         binding.Port,
				Protocol:     binding.Protocol,
			},
		}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// PatchBackendAddress finalises the placement-dependent part of a
// LoadBalanced plan once the workload's private address is known.
func PatchBackendAddress(p *Plan, workload, privateAddress string) error {
	poolName := naming.ForResource(naming.RoleBackendPool, workload)
	desc, err := p.Get(poolName)
	if err != nil {
		return errors.Trace(err)
	}
	payload, ok := desc.Payload.(BackendPoolPayload)
	if !ok {
		return errors.NotValidf("descriptor %q payload %T", poolName, desc.Payload)
	}
	payload.BackendAddress = privateAddress
	return errors.Trace(p.Patch(poolName, payload))
}
