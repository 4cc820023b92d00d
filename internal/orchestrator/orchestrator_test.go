// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator_test

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/netexpose/internal/exposure"
	"github.com/juju/netexpose/internal/naming"
	"github.com/juju/netexpose/internal/orchestrator"
	"github.com/juju/netexpose/internal/ownership"
	"github.com/juju/netexpose/internal/placement"
	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/portspec"
	"github.com/juju/netexpose/internal/reconcile"
)

type fakeAPI struct {
	mu        sync.Mutex
	resources map[string]*reconcile.RemoteResource
	creates   map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		resources: make(map[string]*reconcile.RemoteResource),
		creates:   make(map[string]int),
	}
}

func (f *fakeAPI) Get(ctx context.Context, desc plan.Descriptor) (*reconcile.RemoteResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.resources[desc.Name]; ok {
		return res, nil
	}
	return nil, errors.NotFoundf("resource %q", desc.Name)
}

func (f *fakeAPI) CreateOrUpdate(ctx context.Context, desc plan.Descriptor) (*reconcile.RemoteResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[desc.Name]++
	res := &reconcile.RemoteResource{
		Name:    desc.Name,
		Kind:    desc.Kind,
		ID:      "/fake/" + desc.Name,
		Payload: desc.Payload,
	}
	if desc.Kind == plan.KindPublicAddress {
		res.Address = "51.105.0.7"
	}
	f.resources[desc.Name] = res
	return res, nil
}

func (f *fakeAPI) Delete(ctx context.Context, res ownership.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[res.Name]; !ok {
		return errors.NotFoundf("resource %q", res.Name)
	}
	delete(f.resources, res.Name)
	return nil
}

type fakePlacement struct {
	mu       sync.Mutex
	placed   []placement.Placement
	resolved placement.Resolved
	err      error
}

func (f *fakePlacement) Place(ctx context.Context, p placement.Placement) (*placement.Resolved, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, p)
	if f.err != nil {
		return nil, f.err
	}
	resolved := f.resolved
	return &resolved, nil
}

type orchestratorSuite struct {
	testing.IsolationSuite

	api    *fakeAPI
	placer *fakePlacement
	store  *ownership.Store
	orch   *orchestrator.Orchestrator
}

var _ = gc.Suite(&orchestratorSuite{})

func (s *orchestratorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.api = newFakeAPI()
	s.placer = &fakePlacement{resolved: placement.Resolved{PrivateAddress: "10.70.1.12"}}
	store, err := ownership.NewStore(c.MkDir(), clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	s.store = store
	s.orch = &orchestrator.Orchestrator{
		API:       s.api,
		Store:     store,
		Placement: s.placer,
		Clock:     clock.WallClock,
	}
}

func mustParse(c *gc.C, specs ...string) []portspec.PortSpec {
	parsed, err := portspec.ParseAll(specs)
	c.Assert(err, jc.ErrorIsNil)
	return parsed
}

func (s *orchestratorSuite) TestDirectExpose(c *gc.C) {
	result, err := s.orch.Expose(context.Background(), exposure.Request{
		Workload:      "web",
		Bidirectional: true,
		Ports:         mustParse(c, "443:tcp"),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Strategy, gc.Equals, exposure.Direct)

	pip := naming.ForResource(naming.RolePublicAddress, "web")
	c.Check(s.api.resources[pip], gc.NotNil)
	c.Check(result.Addresses[pip], gc.Equals, "51.105.0.7")
	c.Check(result.PrivateAddress, gc.Equals, "10.70.1.12")

	// Placement is handed the provisioned address identifier.
	c.Assert(s.placer.placed, gc.HasLen, 1)
	c.Check(s.placer.placed[0].Workload, gc.Equals, "web")
	c.Check(s.placer.placed[0].PublicAddressID, gc.Equals, "/fake/"+pip)
}

func (s *orchestratorSuite) TestEgressOnlyProvisionsNothing(c *gc.C) {
	result, err := s.orch.Expose(context.Background(), exposure.Request{
		Workload: "batch",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Strategy, gc.Equals, exposure.EgressOnly)
	c.Check(s.api.resources, gc.HasLen, 0)
	c.Assert(s.placer.placed, gc.HasLen, 1)
}

func (s *orchestratorSuite) TestInvalidRequestNeverReachesRemote(c *gc.C) {
	_, err := s.orch.Expose(context.Background(), exposure.Request{
		Workload:      "voip",
		Bidirectional: true,
		Ports:         mustParse(c, "5060:udp"),
		Addresses:     []string{"203.0.113.9"},
	})
	c.Assert(err, jc.ErrorIs, exposure.ErrFirewallRequired)
	c.Check(s.api.creates, gc.HasLen, 0)
	c.Check(s.placer.placed, gc.HasLen, 0)
}

func (s *orchestratorSuite) TestLoadBalancedTwoPhase(c *gc.C) {
	result, err := s.orch.Expose(context.Background(), exposure.Request{
		Workload:      "api",
		Bidirectional: true,
		Ports:         mustParse(c, "8080:tcp"),
		LoadBalancer:  "edge-lb",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Strategy, gc.Equals, exposure.LoadBalanced)

	// The backend pool is written twice: once empty, once with the
	// placed workload's private address.
	pool := naming.ForResource(naming.RoleBackendPool, "api")
	c.Check(s.api.creates[pool], gc.Equals, 2)
	payload, ok := s.api.resources[pool].Payload.(plan.BackendPoolPayload)
	c.Assert(ok, jc.IsTrue)
	c.Check(payload.BackendAddress, gc.Equals, "10.70.1.12")
}

func (s *orchestratorSuite) TestFirewallSharedResourcesRecordedUnderBothOwners(c *gc.C) {
	_, err := s.orch.Expose(context.Background(), exposure.Request{
		Workload:      "voip",
		Bidirectional: true,
		Ports:         mustParse(c, "5060:udp"),
		Addresses:     []string{"203.0.113.9"},
		Firewall:      "edge-fw",
	})
	c.Assert(err, jc.ErrorIsNil)

	vnet := naming.ForResource(naming.RoleVirtualNetwork, "edge-fw")
	owners, err := s.store.ReferencingOwners(vnet)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(owners.SortedValues(), gc.DeepEquals, []string{"edge-fw", "voip"})

	// The NAT rules belong to the workload alone.
	rule := naming.ForRule(naming.RoleNATRule, "voip", "203.0.113.9", 5060, "udp")
	owners, err = s.store.ReferencingOwners(rule)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(owners.SortedValues(), gc.DeepEquals, []string{"voip"})
}

func (s *orchestratorSuite) TestUnexposeKeepsSharedUntilLastOwner(c *gc.C) {
	expose := func(workload, addr string) {
		_, err := s.orch.Expose(context.Background(), exposure.Request{
			Workload:      workload,
			Bidirectional: true,
			Ports:         mustParse(c, "5060:udp"),
			Addresses:     []string{addr},
			Firewall:      "edge-fw",
		})
		c.Assert(err, jc.ErrorIsNil)
	}
	expose("voip", "203.0.113.9")
	expose("sip", "203.0.113.10")

	vnet := naming.ForResource(naming.RoleVirtualNetwork, "edge-fw")

	result, err := s.orch.Unexpose(context.Background(), "voip")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(set.NewStrings(result.Kept...).Contains(vnet), jc.IsTrue)
	c.Check(s.api.resources[vnet], gc.NotNil)

	_, err = s.orch.Unexpose(context.Background(), "sip")
	c.Assert(err, jc.ErrorIsNil)
	// Only the firewall owner still references the shared backbone.
	c.Check(s.api.resources[vnet], gc.NotNil)

	_, err = s.orch.Unexpose(context.Background(), "edge-fw")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.api.resources[vnet], gc.IsNil)
}

func (s *orchestratorSuite) TestPlacementFailureSurfacesAfterApply(c *gc.C) {
	s.placer.err = errors.New("no capacity")
	_, err := s.orch.Expose(context.Background(), exposure.Request{
		Workload:      "web",
		Bidirectional: true,
		Ports:         mustParse(c, "443:tcp"),
	})
	c.Assert(err, gc.ErrorMatches, `placing workload "web": no capacity`)

	// Remote resources stay applied for the caller to tear down.
	pip := naming.ForResource(naming.RolePublicAddress, "web")
	c.Check(s.api.resources[pip], gc.NotNil)
}

func (s *orchestratorSuite) TestOwnersListsLedger(c *gc.C) {
	_, err := s.orch.Expose(context.Background(), exposure.Request{
		Workload:      "web",
		Bidirectional: true,
		Ports:         mustParse(c, "443:tcp"),
	})
	c.Assert(err, jc.ErrorIsNil)

	owners, err := s.orch.Owners()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(owners, gc.DeepEquals, []string{"web"})
}
