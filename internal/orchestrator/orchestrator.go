// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package orchestrator wires the exposure pipeline together: expand
// the ports, select a strategy, build the resource plan, reconcile it
// against the remote API, and hand the workload to the placement
// service. It owns no policy of its own; each stage lives in its own
// package.
package orchestrator

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/netexpose/internal/exposure"
	"github.com/juju/netexpose/internal/naming"
	"github.com/juju/netexpose/internal/ownership"
	"github.com/juju/netexpose/internal/placement"
	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/portspec"
	"github.com/juju/netexpose/internal/reconcile"
	"github.com/juju/netexpose/internal/teardown"
)

var logger = loggo.GetLogger("netexpose.orchestrator")

// Orchestrator turns exposure requests into applied network state.
type Orchestrator struct {
	API       reconcile.API
	Store     *ownership.Store
	Placement placement.Service
	Builder   plan.Builder
	Clock     clock.Clock

	// Reconciler tuning, passed through per apply pass.
	ProvisioningTimeout time.Duration
	MaxAttempts         int
	Parallelism         int
}

// Result reports a completed exposure.
type Result struct {
	// Strategy is the strategy the selector chose.
	Strategy exposure.Strategy

	// Addresses are the concrete address values now reaching the
	// workload, keyed by resource name. For Direct exposure this is
	// the provider-assigned address; for DNAT the caller already
	// knows the targets it asked for.
	Addresses map[string]string

	// PrivateAddress is the workload's resolved private address,
	// when placement reported one.
	PrivateAddress string

	// Applied lists every reconciled resource.
	Applied []reconcile.Applied
}

func (o *Orchestrator) reconciler() *reconcile.Reconciler {
	return &reconcile.Reconciler{
		API:                 o.API,
		Store:               o.Store,
		Clock:               o.Clock,
		ProvisioningTimeout: o.ProvisioningTimeout,
		MaxAttempts:         o.MaxAttempts,
		Parallelism:         o.Parallelism,
	}
}

// Expose validates the request, provisions the network resources its
// strategy needs, and places the workload. It blocks until both the
// remote resources and the workload are up; cancelling the context
// stops new remote submissions but never aborts dispatched ones.
//
// Expose never trusts upstream validation: the strategy table and the
// per-strategy invariants are re-checked before the first remote call.
func (o *Orchestrator) Expose(ctx context.Context, req exposure.Request) (*Result, error) {
	bindings, err := portspec.Expand(req.Ports)
	if err != nil {
		return nil, errors.Trace(err)
	}
	strategy, err := exposure.SelectStrategy(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("exposing workload %q via %s", req.Workload, strategy)

	p, err := o.Builder.Build(req, strategy, bindings)
	if err != nil {
		return nil, errors.Trace(err)
	}

	r := o.reconciler()
	applied, err := r.Apply(ctx, p, ownersFor(req, strategy))
	if err != nil {
		return nil, errors.Trace(err)
	}

	result := &Result{
		Strategy:  strategy,
		Addresses: applied.AssignedAddresses(),
		Applied:   applied.Applied,
	}
	if o.Placement == nil {
		return result, nil
	}

	resolved, err := o.Placement.Place(ctx, o.placementFor(req, strategy, applied))
	if err != nil {
		// The network resources stay applied; undoing them is an
		// explicit teardown decision for the caller.
		return nil, errors.Annotatef(err, "placing workload %q", req.Workload)
	}
	result.PrivateAddress = resolved.PrivateAddress
	if resolved.PublicAddress != "" {
		result.Addresses[naming.ForResource(naming.RolePublicAddress, req.Workload)] = resolved.PublicAddress
	}

	if strategy == exposure.LoadBalanced {
		// Second phase: the backend pool membership needs the
		// placed workload's private address.
		if err := plan.PatchBackendAddress(p, req.Workload, resolved.PrivateAddress); err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := r.Apply(ctx, p, ownersFor(req, strategy)); err != nil {
			return nil, errors.Annotate(err, "finalising backend pool membership")
		}
	}
	return result, nil
}

// ownersFor assigns descriptors to ledger owners. Firewall-seeded
// shared resources are recorded under the firewall as well as the
// workload, so they survive any single workload's teardown and die
// with the last reference.
func ownersFor(req exposure.Request, strategy exposure.Strategy) reconcile.OwnerFunc {
	return func(d plan.Descriptor) []string {
		if strategy == exposure.FirewallDNAT {
			switch d.Kind {
			case plan.KindVirtualNetwork, plan.KindSubnet, plan.KindRouteTable:
				return []string{req.Workload, req.Firewall}
			}
		}
		return []string{req.Workload}
	}
}

func (o *Orchestrator) placementFor(req exposure.Request, strategy exposure.Strategy, applied *reconcile.Result) placement.Placement {
	p := placement.Placement{Workload: req.Workload}
	byName := make(map[string]reconcile.Applied)
	for _, a := range applied.Applied {
		byName[a.Name] = a
	}
	switch strategy {
	case exposure.Direct:
		if a, ok := byName[naming.ForResource(naming.RolePublicAddress, req.Workload)]; ok {
			p.PublicAddressID = a.ID
		}
		if a, ok := byName[naming.ForResource(naming.RoleSubnet, req.Workload)]; ok {
			p.SubnetID = a.ID
		}
	case exposure.FirewallDNAT:
		if a, ok := byName[naming.ForResource(naming.RoleSubnet, req.Firewall)]; ok {
			p.SubnetID = a.ID
		}
	case exposure.LoadBalanced:
		// The pool reaches the workload by private address; the
		// workload joins the load balancer's existing subnet out of
		// band, so nothing extra is attached here.
	}
	return p
}

// Unexpose tears down everything the owner caused to exist, keeping
// resources still referenced by other owners.
func (o *Orchestrator) Unexpose(ctx context.Context, owner string) (*teardown.Result, error) {
	t := &teardown.Teardown{API: o.API, Store: o.Store}
	result, err := t.Run(ctx, owner)
	if err != nil {
		return result, errors.Trace(err)
	}
	logger.Infof("tore down %d resources for %q, kept %d shared", len(result.Deleted), owner, len(result.Kept))
	return result, nil
}

// Owners lists every owner with recorded resources.
func (o *Orchestrator) Owners() ([]string, error) {
	owners, err := o.Store.Owners()
	return owners, errors.Trace(err)
}

// Record returns the ledger record for one owner.
func (o *Orchestrator) Record(owner string) (ownership.Record, error) {
	record, err := o.Store.Record(owner)
	return record, errors.Trace(err)
}
