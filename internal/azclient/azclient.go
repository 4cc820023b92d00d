// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package azclient implements the remote resource API against Azure's
// resource manager. Every mutating call drives a long-running
// operation and blocks until the service reports completion. Nested
// resources that Azure models as fragments of a parent document
// (firewall rule collections and their rules, load balancer probes
// and rules) are reconciled by rewriting the parent document; the
// reconciler serialises writes to any one document, so concurrent
// fragment updates never race within a process.
package azclient

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/netexpose/internal/azclient/errorutils"
	"github.com/juju/netexpose/internal/ownership"
	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/reconcile"
)

var logger = loggo.GetLogger("netexpose.azclient")

// Resource tag and description keys marking state this orchestrator
// wrote, and carrying the desired-state fields Azure has no native
// slot for.
const (
	tagWorkload = "netexpose-workload"
	tagPorts    = "netexpose-ports"
	tagFirewall = "netexpose-firewall"
)

// Config holds what the client needs to reach one subscription.
type Config struct {
	SubscriptionID string
	ResourceGroup  string
	Location       string
	Credential     azcore.TokenCredential

	// ClientOptions is passed to every SDK client; tests use it to
	// point the clients at a stub transport.
	ClientOptions *arm.ClientOptions
}

// Validate returns an error if the config is incomplete.
func (cfg Config) Validate() error {
	if cfg.SubscriptionID == "" {
		return errors.NotValidf("empty subscription ID")
	}
	if cfg.ResourceGroup == "" {
		return errors.NotValidf("empty resource group")
	}
	if cfg.Location == "" {
		return errors.NotValidf("empty location")
	}
	if cfg.Credential == nil {
		return errors.NotValidf("nil credential")
	}
	return nil
}

// Client implements reconcile.API against the Azure network resource
// provider.
type Client struct {
	subscription  string
	resourceGroup string
	location      string

	publicAddresses *armnetwork.PublicIPAddressesClient
	virtualNetworks *armnetwork.VirtualNetworksClient
	subnets         *armnetwork.SubnetsClient
	routeTables     *armnetwork.RouteTablesClient
	firewalls       *armnetwork.AzureFirewallsClient
	loadBalancers   *armnetwork.LoadBalancersClient
	backendPools    *armnetwork.LoadBalancerBackendAddressPoolsClient
}

var _ reconcile.API = (*Client)(nil)

// New returns a client bound to one subscription and resource group.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Client{
		subscription:  cfg.SubscriptionID,
		resourceGroup: cfg.ResourceGroup,
		location:      cfg.Location,
	}
	var err error
	if c.publicAddresses, err = armnetwork.NewPublicIPAddressesClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions); err != nil {
		return nil, errors.Trace(err)
	}
	if c.virtualNetworks, err = armnetwork.NewVirtualNetworksClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions); err != nil {
		return nil, errors.Trace(err)
	}
	if c.subnets, err = armnetwork.NewSubnetsClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions); err != nil {
		return nil, errors.Trace(err)
	}
	if c.routeTables, err = armnetwork.NewRouteTablesClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions); err != nil {
		return nil, errors.Trace(err)
	}
	if c.firewalls, err = armnetwork.NewAzureFirewallsClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions); err != nil {
		return nil, errors.Trace(err)
	}
	if c.loadBalancers, err = armnetwork.NewLoadBalancersClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions); err != nil {
		return nil, errors.Trace(err)
	}
	if c.backendPools, err = armnetwork.NewLoadBalancerBackendAddressPoolsClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Get implements reconcile.API.
func (c *Client) Get(ctx context.Context, desc plan.Descriptor) (*reconcile.RemoteResource, error) {
	var (
		res *reconcile.RemoteResource
		err error
	)
	switch payload := desc.Payload.(type) {
	case plan.PublicAddressPayload:
		res, err = c.getPublicAddress(ctx, desc.Name)
	case plan.VirtualNetworkPayload:
		res, err = c.getVirtualNetwork(ctx, desc.Name)
	case plan.SubnetPayload:
		res, err = c.getSubnet(ctx, payload.VirtualNetwork, desc.Name)
	case plan.RouteTablePayload:
		res, err = c.getRouteTable(ctx, desc.Name)
	case plan.RuleCollectionPayload:
		res, err = c.getRuleCollection(ctx, payload.Firewall, desc.Name)
	case plan.NATRulePayload:
		res, err = c.getNATRule(ctx, payload.Firewall, payload.Collection, desc.Name)
	case plan.NetworkRulePayload:
		res, err = c.getNetworkRule(ctx, payload.Firewall, payload.Collection, desc.Name)
	case plan.BackendPoolPayload:
		res, err = c.getBackendPool(ctx, payload.LoadBalancer, payload.Workload, desc.Name)
	case plan.HealthProbePayload:
		res, err = c.getHealthProbe(ctx, payload.LoadBalancer, desc.Name)
	case plan.LoadBalancingRulePayload:
		res, err = c.getLoadBalancingRule(ctx, payload.LoadBalancer, desc.Name)
	default:
		return nil, errors.NotSupportedf("resource kind %q", desc.Kind)
	}
	if err != nil {
		return nil, classify(err, "reading %q", desc.Name)
	}
	return res, nil
}

// CreateOrUpdate implements reconcile.API.
func (c *Client) CreateOrUpdate(ctx context.Context, desc plan.Descriptor) (*reconcile.RemoteResource, error) {
	logger.Debugf("creating or updating %s %q", desc.Kind, desc.Name)
	var (
		res *reconcile.RemoteResource
		err error
	)
	switch payload := desc.Payload.(type) {
	case plan.PublicAddressPayload:
		res, err = c.createPublicAddress(ctx, desc.Name, payload)
	case plan.VirtualNetworkPayload:
		res, err = c.createVirtualNetwork(ctx, desc.Name, payload)
	case plan.SubnetPayload:
		res, err = c.createSubnet(ctx, desc.Name, payload)
	case plan.RouteTablePayload:
		res, err = c.createRouteTable(ctx, desc.Name, payload)
	case plan.RuleCollectionPayload:
		res, err = c.createRuleCollection(ctx, desc.Name, payload)
	case plan.NATRulePayload:
		res, err = c.createNATRule(ctx, desc.Name, payload)
	case plan.NetworkRulePayload:
		res, err = c.createNetworkRule(ctx, desc.Name, payload)
	case plan.BackendPoolPayload:
		res, err = c.createBackendPool(ctx, desc.Name, payload)
	case plan.HealthProbePayload:
		res, err = c.createHealthProbe(ctx, desc.Name, payload)
	case plan.LoadBalancingRulePayload:
		res, err = c.createLoadBalancingRule(ctx, desc.Name, payload)
	default:
		return nil, errors.NotSupportedf("resource kind %q", desc.Kind)
	}
	if err != nil {
		return nil, classify(err, "creating %q", desc.Name)
	}
	return res, nil
}

// Delete implements reconcile.API.
func (c *Client) Delete(ctx context.Context, res ownership.Resource) error {
	logger.Debugf("deleting %s %q", res.Kind, res.Name)
	var err error
	switch plan.Kind(res.Kind) {
	case plan.KindPublicAddress:
		err = c.deletePublicAddress(ctx, res.Name)
	case plan.KindVirtualNetwork:
		err = c.deleteVirtualNetwork(ctx, res.Name)
	case plan.KindSubnet:
		err = c.deleteSubnet(ctx, scopeAt(res, 0), res.Name)
	case plan.KindRouteTable:
		err = c.deleteRouteTable(ctx, res.Name)
	case plan.KindRuleCollection:
		err = c.deleteRuleCollection(ctx, scopeAt(res, 0), res.Name)
	case plan.KindNATRule, plan.KindNetworkRule:
		err = c.deleteFirewallRule(ctx, scopeAt(res, 0), scopeAt(res, 1), res.Name)
	case plan.KindBackendPool:
		err = c.deleteBackendPool(ctx, scopeAt(res, 0), res.Name)
	case plan.KindHealthProbe:
		err = c.deleteHealthProbe(ctx, scopeAt(res, 0), res.Name)
	case plan.KindLoadBalancingRule:
		err = c.deleteLoadBalancingRule(ctx, scopeAt(res, 0), res.Name)
	default:
		return errors.NotSupportedf("resource kind %q", res.Kind)
	}
	if err != nil {
		return classify(err, "deleting %q", res.Name)
	}
	return nil
}

func scopeAt(res ownership.Resource, i int) string {
	if i < len(res.Scope) {
		return res.Scope[i]
	}
	return ""
}

// classify maps SDK errors onto the orchestrator's error taxonomy so
// callers can decide between retrying, failing fast, and treating an
// absence as success.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errorutils.IsNotFoundError(err):
		return fmt.Errorf("%s: %v%w", msg, err, errors.Hide(errors.NotFound))
	case errorutils.IsRetryableError(err):
		return fmt.Errorf("%s: %v%w", msg, err, errors.Hide(reconcile.ErrTransient))
	case errorutils.IsConflictError(err):
		return fmt.Errorf("%s: %v%w", msg, err, errors.Hide(reconcile.ErrNameCollision))
	case errorutils.StatusCode(err) >= 400 && errorutils.StatusCode(err) < 500:
		return fmt.Errorf("%s: %v%w", msg, err, errors.Hide(reconcile.ErrRemoteRejected))
	}
	return errors.Annotate(err, msg)
}

func toValue[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}
