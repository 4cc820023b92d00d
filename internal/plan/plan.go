// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package plan models the desired network resources for one exposure
// request as an ordered, named collection of resource descriptors, and
// builds those plans from a strategy and a set of port bindings. A
// plan is transient: it is computed, then either applied by the
// reconciler or discarded.
package plan

import (
	"fmt"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/netexpose/internal/portspec"
)

// Kind enumerates the resource shapes a descriptor can take.
type Kind string

const (
	KindPublicAddress     Kind = "public-address"
	KindVirtualNetwork    Kind = "virtual-network"
	KindSubnet            Kind = "subnet"
	KindRouteTable        Kind = "route-table"
	KindRuleCollection    Kind = "rule-collection"
	KindNATRule           Kind = "nat-rule"
	KindNetworkRule       Kind = "network-rule"
	KindBackendPool       Kind = "backend-pool"
	KindHealthProbe       Kind = "health-probe"
	KindLoadBalancingRule Kind = "load-balancing-rule"
)

// Descriptor is one desired resource: a deterministic name, the
// resource kind, the names of the descriptors it depends on, and the
// desired-state payload the remote API is driven towards.
type Descriptor struct {
	Name      string
	Kind      Kind
	DependsOn []string
	Payload   Payload
}

// Payload is the desired-state document of a descriptor. Concrete
// payload types are plain comparable structs; the reconciler treats
// payload equality as "remote state already matches".
type Payload interface {
	// Equal reports whether the other payload describes the same
	// desired state.
	Equal(other Payload) bool
}

// PublicAddressPayload describes a provider-assigned public address
// attached directly to the workload. The concrete address value is
// unknown until the plan is applied.
type PublicAddressPayload struct {
	Workload string
	Ports    []portspec.PortBinding
}

// Equal implements Payload.
func (p PublicAddressPayload) Equal(other Payload) bool {
	o, ok := other.(PublicAddressPayload)
	return ok && p.Workload == o.Workload && equalBindings(p.Ports, o.Ports)
}

// VirtualNetworkPayload describes a virtual network.
type VirtualNetworkPayload struct {
	CIDR string
}

// Equal implements Payload.
func (p VirtualNetworkPayload) Equal(other Payload) bool {
	o, ok := other.(VirtualNetworkPayload)
	return ok && p == o
}

// SubnetPayload describes a subnet within a virtual network. An empty
// RouteTable means no route table is associated.
type SubnetPayload struct {
	VirtualNetwork string
	CIDR           string
	RouteTable     string
}

// Equal implements Payload.
func (p SubnetPayload) Equal(other Payload) bool {
	o, ok := other.(SubnetPayload)
	return ok && p == o
}

// RouteTablePayload describes a route table with a single default
// route pointing at the firewall's internal address. The firewall is
// named here; the apply layer resolves its private address.
type RouteTablePayload struct {
	Firewall string
}

// Equal implements Payload.
func (p RouteTablePayload) Equal(other Payload) bool {
	o, ok := other.(RouteTablePayload)
	return ok && p == o
}

// RuleCollectionPayload describes a named, prioritised rule container
// on a firewall. The rules themselves are separate descriptors
// depending on the collection.
type RuleCollectionPayload struct {
	Firewall string
	Priority int
	NAT      bool
}

// Equal implements Payload.
func (p RuleCollectionPayload) Equal(other Payload) bool {
	o, ok := other.(RuleCollectionPayload)
	return ok && p == o
}

// NATRulePayload describes one DNAT rule forwarding a public
// (address, port, protocol) tuple to the workload.
type NATRulePayload struct {
	Firewall      string
	Collection    string
	PublicAddress string
	Port          int
	Protocol      string
	Workload      string
}

// Equal implements Payload.
func (p NATRulePayload) Equal(other Payload) bool {
	o, ok := other.(NATRulePayload)
	return ok && p == o
}

// NetworkRulePayload describes one network rule permitting egress
// from the workload subnet to any destination on the given ports.
type NetworkRulePayload struct {
	Firewall   string
	Collection string
	Workload   string
	Ports      []portspec.PortBinding
}

// Equal implements Payload.
func (p NetworkRulePayload) Equal(other Payload) bool {
	o, ok := other.(NetworkRulePayload)
	return ok && p.Firewall == o.Firewall && p.Collection == o.Collection &&
		p.Workload == o.Workload && equalBindings(p.Ports, o.Ports)
}

// BackendPoolPayload describes the workload's membership of a load
// balancer backend pool. BackendAddress is empty until workload
// placement resolves the private address; the plan is patched with
// the resolved value before the final apply.
type BackendPoolPayload struct {
	LoadBalancer   string
	Workload       string
	BackendAddress string
}

// Equal implements Payload.
func (p BackendPoolPayload) Equal(other Payload) bool {
	o, ok := other.(BackendPoolPayload)
	return ok && p == o
}

// HealthProbePayload describes a TCP health probe on one port.
type HealthProbePayload struct {
	LoadBalancer string
	Port         int
}

// Equal implements Payload.
func (p HealthProbePayload) Equal(other Payload) bool {
	o, ok := other.(HealthProbePayload)
	return ok && p == o
}

// LoadBalancingRulePayload describes one load balancing rule mapping
// a frontend port to the backend pool on the same port.
type LoadBalancingRulePayload struct {
	LoadBalancer string
	Pool         string
	Probe        string
	Port         int
	Protocol     string
}

// Equal implements Payload.
func (p LoadBalancingRulePayload) Equal(other Payload) bool {
	o, ok := other.(LoadBalancingRulePayload)
	return ok && p == o
}

func equalBindings(a, b []portspec.PortBinding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Plan is an ordered collection of descriptors. Descriptors are held
// in required creation sequence: every dependency precedes its
// dependents, so the reconciler can walk the slice front to back on
// apply and back to front on teardown.
type Plan struct {
	descriptors []Descriptor
	byName      map[string]int
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{byName: make(map[string]int)}
}

// Add appends a descriptor. Names are unique within a plan, and a
// descriptor may only depend on descriptors added before it, which
// keeps the dependency edges acyclic by construction.
func (p *Plan) Add(d Descriptor) error {
	if d.Name == "" {
		return errors.NotValidf("descriptor with empty name")
	}
	if _, ok := p.byName[d.Name]; ok {
		return errors.AlreadyExistsf("descriptor %q", d.Name)
	}
	for _, dep := range d.DependsOn {
		if _, ok := p.byName[dep]; !ok {
			return errors.NotValidf("descriptor %q depending on unplanned %q", d.Name, dep)
		}
	}
	p.byName[d.Name] = len(p.descriptors)
	p.descriptors = append(p.descriptors, d)
	return nil
}

// Descriptors returns the descriptors in creation order. The returned
// slice is shared; callers must not mutate it.
func (p *Plan) Descriptors() []Descriptor {
	return p.descriptors
}

// Get returns the named descriptor.
func (p *Plan) Get(name string) (Descriptor, error) {
	i, ok := p.byName[name]
	if !ok {
		return Descriptor{}, errors.NotFoundf("descriptor %q", name)
	}
	return p.descriptors[i], nil
}

// Len returns the number of descriptors in the plan.
func (p *Plan) Len() int {
	return len(p.descriptors)
}

// IsEmpty reports whether the plan holds no descriptors at all.
func (p *Plan) IsEmpty() bool {
	return len(p.descriptors) == 0
}

// KindCount returns how many descriptors of the given kind the plan
// holds.
func (p *Plan) KindCount(kind Kind) int {
	n := 0
	for _, d := range p.descriptors {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Names returns the set of descriptor names in the plan.
func (p *Plan) Names() set.Strings {
	names := set.NewStrings()
	for _, d := range p.descriptors {
		names.Add(d.Name)
	}
	return names
}

// Patch replaces the payload of the named descriptor. It is used for
// placement-dependent descriptors whose desired state is only known
// once the workload is running.
func (p *Plan) Patch(name string, payload Payload) error {
	i, ok := p.byName[name]
	if !ok {
		return errors.NotFoundf("descriptor %q", name)
	}
	p.descriptors[i].Payload = payload
	return nil
}

// String summarises the plan for logging.
func (p *Plan) String() string {
	counts := make(map[Kind]int)
	for _, d := range p.descriptors {
		counts[d.Kind]++
	}
	return fmt.Sprintf("plan of %d descriptors %v", len(p.descriptors), counts)
}
