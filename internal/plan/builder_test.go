// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package plan_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/netexpose/internal/exposure"
	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/portspec"
)

type builderSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&builderSuite{})

func mustExpand(c *gc.C, specs ...string) []portspec.PortBinding {
	parsed, err := portspec.ParseAll(specs)
	c.Assert(err, jc.ErrorIsNil)
	bindings, err := portspec.Expand(parsed)
	c.Assert(err, jc.ErrorIsNil)
	return bindings
}

// TestFirewallDNATVoIPScenario builds the documented VoIP plan: a
// 5060-5062/udp range against one address yields exactly three DNAT
// rules, one network rule and one route table.
func (*builderSuite) TestFirewallDNATVoIPScenario(c *gc.C) {
	req := exposure.Request{
		Workload:      "voip",
		Bidirectional: true,
		Ports:         []portspec.PortSpec{{FromPort: 5060, ToPort: 5062, Protocol: "udp"}},
		Addresses:     []string{"20.1.1.1"},
		Firewall:      "edge-fw",
	}
	bindings := mustExpand(c, "5060-5062:udp")
	c.Assert(bindings, gc.HasLen, 3)

	p, err := plan.Builder{}.Build(req, exposure.FirewallDNAT, bindings)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(p.KindCount(plan.KindNATRule), gc.Equals, 3)
	c.Check(p.KindCount(plan.KindNetworkRule), gc.Equals, 1)
	c.Check(p.KindCount(plan.KindRouteTable), gc.Equals, 1)
	c.Check(p.KindCount(plan.KindRuleCollection), gc.Equals, 2)
	c.Check(p.KindCount(plan.KindVirtualNetwork), gc.Equals, 1)
	c.Check(p.KindCount(plan.KindSubnet), gc.Equals, 1)
	c.Check(p.KindCount(plan.KindPublicAddress), gc.Equals, 0)

	d, err := p.Get("nx-dnat-voip-20-1-1-1-ded9af-5061-udp")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(d.Payload, gc.Equals, plan.NATRulePayload{
		Firewall:      "edge-fw",
		Collection:    "nx-rc-voip-dnat",
		PublicAddress: "20.1.1.1",
		Port:          5061,
		Protocol:      "udp",
		Workload:      "voip",
	})
}

func (*builderSuite) TestFirewallDNATCrossProduct(c *gc.C) {
	req := exposure.Request{
		Workload:      "web",
		Bidirectional: true,
		Ports:         []portspec.PortSpec{{FromPort: 80, ToPort: 81, Protocol: "tcp"}},
		Addresses:     []string{"20.1.1.1", "20.1.1.2", "20.1.1.3"},
		Firewall:      "edge-fw",
	}
	p, err := plan.Builder{}.Build(req, exposure.FirewallDNAT, mustExpand(c, "80-81:tcp"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p.KindCount(plan.KindNATRule), gc.Equals, 6)
}

func (*builderSuite) TestFirewallDNATSharedSeedsDerivedFromFirewall(c *gc.C) {
	build := func(workload string) *plan.Plan {
		req := exposure.Request{
			Workload:      workload,
			Bidirectional: true,
			Ports:         []portspec.PortSpec{{FromPort: 80, ToPort: 80, Protocol: "tcp"}},
			Addresses:     []string{"20.1.1.1"},
			Firewall:      "edge-fw",
		}
		p, err := plan.Builder{}.Build(req, exposure.FirewallDNAT, mustExpand(c, "80:tcp"))
		c.Assert(err, jc.ErrorIsNil)
		return p
	}
	first := build("alpha")
	second := build("beta")
	// Both workloads behind the same firewall share the virtual
	// network, subnet and route table by re-deriving the same names.
	for _, shared := range []string{"nx-vnet-edge-fw", "nx-subnet-edge-fw", "nx-rt-edge-fw"} {
		_, err := first.Get(shared)
		c.Check(err, jc.ErrorIsNil)
		_, err = second.Get(shared)
		c.Check(err, jc.ErrorIsNil)
	}
	// Rule names never collide across workloads.
	c.Check(first.Names().Intersection(second.Names()).SortedValues(), jc.DeepEquals,
		[]string{"nx-rt-edge-fw", "nx-subnet-edge-fw", "nx-vnet-edge-fw"})
}

func (*builderSuite) TestFirewallDNATCeiling(c *gc.C) {
	req := exposure.Request{
		Workload:      "wide",
		Bidirectional: true,
		Ports:         []portspec.PortSpec{{FromPort: 1000, ToPort: 1099, Protocol: "tcp"}},
		Addresses:     []string{"20.1.1.1", "20.1.1.2"},
		Firewall:      "edge-fw",
	}
	bindings := mustExpand(c, "1000-1099:tcp")
	_, err := plan.Builder{RuleCeiling: 150}.Build(req, exposure.FirewallDNAT, bindings)
	c.Assert(err, jc.ErrorIs, plan.ErrPlanTooLarge)
	c.Assert(err, gc.ErrorMatches, "2 addresses x 100 bindings needs 201 rules, ceiling is 150")

	// The same request passes under the default ceiling.
	_, err = plan.Builder{}.Build(req, exposure.FirewallDNAT, bindings)
	c.Assert(err, jc.ErrorIsNil)
}

// TestDirectTwoPorts covers the documented scenario: two ports yield
// one public address descriptor carrying both bindings, and no rule
// collections.
func (*builderSuite) TestDirectTwoPorts(c *gc.C) {
	req := exposure.Request{
		Workload:      "web",
		Bidirectional: true,
		Ports: []portspec.PortSpec{
			{FromPort: 80, ToPort: 80, Protocol: "tcp"},
			{FromPort: 443, ToPort: 443, Protocol: "tcp"},
		},
	}
	p, err := plan.Builder{}.Build(req, exposure.Direct, mustExpand(c, "80:tcp", "443:tcp"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p.Len(), gc.Equals, 1)
	c.Check(p.KindCount(plan.KindRuleCollection), gc.Equals, 0)

	d, err := p.Get("nx-pip-web")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(d.Kind, gc.Equals, plan.KindPublicAddress)
	c.Assert(d.Payload, jc.DeepEquals, plan.PublicAddressPayload{
		Workload: "web",
		Ports: []portspec.PortBinding{
			{Port: 80, Protocol: "tcp"},
			{Port: 443, Protocol: "tcp"},
		},
	})
}

func (*builderSuite) TestDirectWithPrivateConnectivity(c *gc.C) {
	req := exposure.Request{
		Workload:            "web",
		Bidirectional:       true,
		Ports:               []portspec.PortSpec{{FromPort: 80, ToPort: 80, Protocol: "tcp"}},
		PrivateConnectivity: true,
	}
	p, err := plan.Builder{}.Build(req, exposure.Direct, mustExpand(c, "80:tcp"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(p.KindCount(plan.KindSubnet), gc.Equals, 1)
	c.Check(p.KindCount(plan.KindRouteTable), gc.Equals, 0)

	d, err := p.Get("nx-subnet-web")
	c.Assert(err, jc.ErrorIsNil)
	payload := d.Payload.(plan.SubnetPayload)
	c.Check(payload.RouteTable, gc.Equals, "")
}

func (*builderSuite) TestLoadBalancedPlanShape(c *gc.C) {
	req := exposure.Request{
		Workload:      "api",
		Bidirectional: true,
		Ports: []portspec.PortSpec{
			{FromPort: 53, ToPort: 53, Protocol: "tcp"},
			{FromPort: 53, ToPort: 53, Protocol: "udp"},
			{FromPort: 8080, ToPort: 8080, Protocol: "tcp"},
		},
		LoadBalancer: "front-lb",
	}
	p, err := plan.Builder{}.Build(req, exposure.LoadBalanced, mustExpand(c, "53:tcp", "53:udp", "8080:tcp"))
	c.Assert(err, jc.ErrorIsNil)

	c.Check(p.KindCount(plan.KindBackendPool), gc.Equals, 1)
	// One rule per binding, one probe per distinct port: 53/tcp and
	// 53/udp share the port 53 probe.
	c.Check(p.KindCount(plan.KindLoadBalancingRule), gc.Equals, 3)
	c.Check(p.KindCount(plan.KindHealthProbe), gc.Equals, 2)

	d, err := p.Get("nx-lbrule-api-front-lb-53-udp")
	c.Assert(err, jc.ErrorIsNil)
	payload := d.Payload.(plan.LoadBalancingRulePayload)
	c.Check(payload.Probe, gc.Equals, "nx-probe-api-front-lb-53-tcp")
	c.Check(payload.Pool, gc.Equals, "nx-pool-api")
}

func (*builderSuite) TestLoadBalancedPatchBackendAddress(c *gc.C) {
	req := exposure.Request{
		Workload:      "api",
		Bidirectional: true,
		Ports:         []portspec.PortSpec{{FromPort: 80, ToPort: 80, Protocol: "tcp"}},
		LoadBalancer:  "front-lb",
	}
	p, err := plan.Builder{}.Build(req, exposure.LoadBalanced, mustExpand(c, "80:tcp"))
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(plan.PatchBackendAddress(p, "api", "10.70.1.9"), jc.ErrorIsNil)
	d, err := p.Get("nx-pool-api")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(d.Payload, gc.Equals, plan.BackendPoolPayload{
		LoadBalancer:   "front-lb",
		Workload:       "api",
		BackendAddress: "10.70.1.9",
	})
}

func (*builderSuite) TestEgressOnlyEmptyPlan(c *gc.C) {
	req := exposure.Request{Workload: "batch"}
	p, err := plan.Builder{}.Build(req, exposure.EgressOnly, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(p.IsEmpty(), jc.IsTrue)
}

func (*builderSuite) TestBuildIsDeterministic(c *gc.C) {
	req := exposure.Request{
		Workload:      "voip",
		Bidirectional: true,
		Ports:         []portspec.PortSpec{{FromPort: 5060, ToPort: 5062, Protocol: "udp"}},
		Addresses:     []string{"20.1.1.1"},
		Firewall:      "edge-fw",
	}
	bindings := mustExpand(c, "5060-5062:udp")
	first, err := plan.Builder{}.Build(req, exposure.FirewallDNAT, bindings)
	c.Assert(err, jc.ErrorIsNil)
	second, err := plan.Builder{}.Build(req, exposure.FirewallDNAT, bindings)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(second.Descriptors(), jc.DeepEquals, first.Descriptors())
}

func (*builderSuite) TestBuildRevalidatesRequest(c *gc.C) {
	req := exposure.Request{
		Workload:      "voip",
		Bidirectional: true,
		Ports:         []portspec.PortSpec{{FromPort: 80, ToPort: 80, Protocol: "tcp"}},
		Addresses:     []string{"20.1.1.1"},
	}
	_, err := plan.Builder{}.Build(req, exposure.FirewallDNAT, mustExpand(c, "80:tcp"))
	c.Assert(err, jc.ErrorIs, exposure.ErrFirewallRequired)
}
