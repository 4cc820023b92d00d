// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azclient

import (
	"context"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"

	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/reconcile"
)

// The load balancer is pre-existing infrastructure, like the firewall.
// Backend pools have their own sub-resource client; probes and load
// balancing rules only exist as fragments of the load balancer
// document and are reconciled by rewriting it.

func (c *Client) getBackendPool(ctx context.Context, lbName, workload, name string) (*reconcile.RemoteResource, error) {
	resp, err := c.backendPools.Get(ctx, c.resourceGroup, lbName, name, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pool := resp.BackendAddressPool
	// Pools carry no tags or description; the membership address is
	// the only observable desired-state field. The workload identity
	// is implied by the pool name, which the caller derived from the
	// same workload.
	payload := plan.BackendPoolPayload{LoadBalancer: lbName, Workload: workload}
	if pool.Properties != nil {
		for _, address := range pool.Properties.LoadBalancerBackendAddresses {
			if address.Properties == nil {
				continue
			}
			if ip := toValue(address.Properties.IPAddress); ip != "" {
				payload.BackendAddress = ip
				break
			}
		}
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindBackendPool,
		ID:      toValue(pool.ID),
		Payload: payload,
	}, nil
}

func (c *Client) createBackendPool(ctx context.Context, name string, payload plan.BackendPoolPayload) (*reconcile.RemoteResource, error) {
	properties := &armnetwork.BackendAddressPoolPropertiesFormat{}
	if payload.BackendAddress != "" {
		properties.LoadBalancerBackendAddresses = []*armnetwork.LoadBalancerBackendAddress{{
			Name: to.Ptr(payload.Workload),
			Properties: &armnetwork.LoadBalancerBackendAddressPropertiesFormat{
				IPAddress: to.Ptr(payload.BackendAddress),
			},
		}}
	}
	poller, err := c.backendPools.BeginCreateOrUpdate(ctx, c.resourceGroup, payload.LoadBalancer, name, armnetwork.BackendAddressPool{
		Name:       to.Ptr(name),
		Properties: properties,
	}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindBackendPool,
		ID:      toValue(resp.BackendAddressPool.ID),
		Payload: payload,
	}, nil
}

func (c *Client) deleteBackendPool(ctx context.Context, lbName, name string) error {
	poller, err := c.backendPools.BeginDelete(ctx, c.resourceGroup, lbName, name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return errors.Trace(err)
}

func (c *Client) loadBalancer(ctx context.Context, name string) (*armnetwork.LoadBalancer, error) {
	resp, err := c.loadBalancers.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lb := resp.LoadBalancer
	if lb.Properties == nil {
		lb.Properties = &armnetwork.LoadBalancerPropertiesFormat{}
	}
	return &lb, nil
}

func (c *Client) writeLoadBalancer(ctx context.Context, name string, lb *armnetwork.LoadBalancer) error {
	poller, err := c.loadBalancers.BeginCreateOrUpdate(ctx, c.resourceGroup, name, *lb, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return errors.Trace(err)
}

func (c *Client) getHealthProbe(ctx context.Context, lbName, name string) (*reconcile.RemoteResource, error) {
	lb, err := c.loadBalancer(ctx, lbName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, probe := range lb.Properties.Probes {
		if toValue(probe.Name) != name {
			continue
		}
		payload := plan.HealthProbePayload{LoadBalancer: lbName}
		if probe.Properties != nil {
			payload.Port = int(toValue(probe.Properties.Port))
		}
		return &reconcile.RemoteResource{
			Name:    name,
			Kind:    plan.KindHealthProbe,
			ID:      toValue(probe.ID),
			Payload: payload,
		}, nil
	}
	return nil, errors.NotFoundf("health probe %q", name)
}

func (c *Client) createHealthProbe(ctx context.Context, name string, payload plan.HealthProbePayload) (*reconcile.RemoteResource, error) {
	lb, err := c.loadBalancer(ctx, payload.LoadBalancer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	probe := &armnetwork.Probe{
		Name: to.Ptr(name),
		Properties: &armnetwork.ProbePropertiesFormat{
			Protocol:          to.Ptr(armnetwork.ProbeProtocolTCP),
			Port:              to.Ptr(int32(payload.Port)),
			IntervalInSeconds: to.Ptr(int32(5)),
			NumberOfProbes:    to.Ptr(int32(2)),
		},
	}
	replaced := false
	for i, existing := range lb.Properties.Probes {
		if toValue(existing.Name) == name {
			lb.Properties.Probes[i] = probe
			replaced = true
			break
		}
	}
	if !replaced {
		lb.Properties.Probes = append(lb.Properties.Probes, probe)
	}
	if err := c.writeLoadBalancer(ctx, payload.LoadBalancer, lb); err != nil {
		return nil, errors.Trace(err)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindHealthProbe,
		ID:      c.loadBalancerChildID(payload.LoadBalancer, "probes", name),
		Payload: payload,
	}, nil
}

func (c *Client) deleteHealthProbe(ctx context.Context, lbName, name string) error {
	lb, err := c.loadBalancer(ctx, lbName)
	if err != nil {
		return errors.Trace(err)
	}
	found := false
	probes := lb.Properties.Probes[:0]
	for _, probe := range lb.Properties.Probes {
		if toValue(probe.Name) == name {
			found = true
			continue
		}
		probes = append(probes, probe)
	}
	lb.Properties.Probes = probes
	if !found {
		return errors.NotFoundf("health probe %q", name)
	}
	return errors.Trace(c.writeLoadBalancer(ctx, lbName, lb))
}

func (c *Client) getLoadBalancingRule(ctx context.Context, lbName, name string) (*reconcile.RemoteResource, error) {
	lb, err := c.loadBalancer(ctx, lbName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, rule := range lb.Properties.LoadBalancingRules {
		if toValue(rule.Name) != name {
			continue
		}
		payload := plan.LoadBalancingRulePayload{LoadBalancer: lbName}
		if rule.Properties != nil {
			payload.Port = int(toValue(rule.Properties.FrontendPort))
			payload.Protocol = strings.ToLower(string(toValue(rule.Properties.Protocol)))
			if rule.Properties.BackendAddressPool != nil {
				payload.Pool = lastSegment(toValue(rule.Properties.BackendAddressPool.ID))
			}
			if rule.Properties.Probe != nil {
				payload.Probe = lastSegment(toValue(rule.Properties.Probe.ID))
			}
		}
		return &reconcile.RemoteResource{
			Name:    name,
			Kind:    plan.KindLoadBalancingRule,
			ID:      toValue(rule.ID),
			Payload: payload,
		}, nil
	}
	return nil, errors.NotFoundf("load balancing rule %q", name)
}

func (c *Client) createLoadBalancingRule(ctx context.Context, name string, payload plan.LoadBalancingRulePayload) (*reconcile.RemoteResource, error) {
	lb, err := c.loadBalancer(ctx, payload.LoadBalancer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var frontend *armnetwork.SubResource
	if configs := lb.Properties.FrontendIPConfigurations; len(configs) > 0 {
		frontend = &armnetwork.SubResource{ID: configs[0].ID}
	}
	protocol := armnetwork.TransportProtocolTCP
	if strings.EqualFold(payload.Protocol, "udp") {
		protocol = armnetwork.TransportProtocolUDP
	}
	rule := &armnetwork.LoadBalancingRule{
		Name: to.Ptr(name),
		Properties: &armnetwork.LoadBalancingRulePropertiesFormat{
			Protocol:                to.Ptr(protocol),
			FrontendPort:            to.Ptr(int32(payload.Port)),
			BackendPort:             to.Ptr(int32(payload.Port)),
			FrontendIPConfiguration: frontend,
			BackendAddressPool: &armnetwork.SubResource{
				ID: to.Ptr(c.loadBalancerChildID(payload.LoadBalancer, "backendAddressPools", payload.Pool)),
			},
			Probe: &armnetwork.SubResource{
				ID: to.Ptr(c.loadBalancerChildID(payload.LoadBalancer, "probes", payload.Probe)),
			},
		},
	}
	replaced := false
	for i, existing := range lb.Properties.LoadBalancingRules {
		if toValue(existing.Name) == name {
			lb.Properties.LoadBalancingRules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		lb.Properties.LoadBalancingRules = append(lb.Properties.LoadBalancingRules, rule)
	}
	if err := c.writeLoadBalancer(ctx, payload.LoadBalancer, lb); err != nil {
		return nil, errors.Trace(err)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindLoadBalancingRule,
		ID:      c.loadBalancerChildID(payload.LoadBalancer, "loadBalancingRules", name),
		Payload: payload,
	}, nil
}

func (c *Client) deleteLoadBalancingRule(ctx context.Context, lbName, name string) error {
	lb, err := c.loadBalancer(ctx, lbName)
	if err != nil {
		return errors.Trace(err)
	}
	found := false
	rules := lb.Properties.LoadBalancingRules[:0]
	for _, rule := range lb.Properties.LoadBalancingRules {
		if toValue(rule.Name) == name {
			found = true
			continue
		}
		rules = append(rules, rule)
	}
	lb.Properties.LoadBalancingRules = rules
	if !found {
		return errors.NotFoundf("load balancing rule %q", name)
	}
	return errors.Trace(c.writeLoadBalancer(ctx, lbName, lb))
}

func (c *Client) loadBalancerChildID(lbName, childType, name string) string {
	return c.resourceID("loadBalancers", lbName) + "/" + childType + "/" + name
}
