// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"

	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/portspec"
	"github.com/juju/netexpose/internal/reconcile"
)

func (c *Client) getPublicAddress(ctx context.Context, name string) (*reconcile.RemoteResource, error) {
	resp, err := c.publicAddresses.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pip := resp.PublicIPAddress
	var address string
	if pip.Properties != nil {
		address = toValue(pip.Properties.IPAddress)
	}
	bindings, err := decodeBindings(tag(pip.Tags, tagPorts))
	if err != nil {
		return nil, errors.Annotatef(err, "ports tag of %q", name)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindPublicAddress,
		ID:      toValue(pip.ID),
		Address: address,
		Payload: plan.PublicAddressPayload{
			Workload: tag(pip.Tags, tagWorkload),
			Ports:    bindings,
		},
	}, nil
}

func (c *Client) createPublicAddress(ctx context.Context, name string, payload plan.PublicAddressPayload) (*reconcile.RemoteResource, error) {
	poller, err := c.publicAddresses.BeginCreateOrUpdate(ctx, c.resourceGroup, name, armnetwork.PublicIPAddress{
		Location: to.Ptr(c.location),
		SKU: &armnetwork.PublicIPAddressSKU{
			Name: to.Ptr(armnetwork.PublicIPAddressSKUNameStandard),
		},
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
		},
		Tags: map[string]*string{
			tagWorkload: to.Ptr(payload.Workload),
			tagPorts:    to.Ptr(encodeBindings(payload.Ports)),
		},
	}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pip := resp.PublicIPAddress
	var address string
	if pip.Properties != nil {
		address = toValue(pip.Properties.IPAddress)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindPublicAddress,
		ID:      toValue(pip.ID),
		Address: address,
		Payload: payload,
	}, nil
}

func (c *Client) deletePublicAddress(ctx context.Context, name string) error {
	poller, err := c.publicAddresses.BeginDelete(ctx, c.resourceGroup, name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return errors.Trace(err)
}

func (c *Client) getVirtualNetwork(ctx context.Context, name string) (*reconcile.RemoteResource, error) {
	resp, err := c.virtualNetworks.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	vnet := resp.VirtualNetwork
	var cidr string
	if vnet.Properties != nil && vnet.Properties.AddressSpace != nil && len(vnet.Properties.AddressSpace.AddressPrefixes) > 0 {
		cidr = toValue(vnet.Properties.AddressSpace.AddressPrefixes[0])
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindVirtualNetwork,
		ID:      toValue(vnet.ID),
		Payload: plan.VirtualNetworkPayload{CIDR: cidr},
	}, nil
}

func (c *Client) createVirtualNetwork(ctx context.Context, name string, payload plan.VirtualNetworkPayload) (*reconcile.RemoteResource, error) {
	poller, err := c.virtualNetworks.BeginCreateOrUpdate(ctx, c.resourceGroup, name, armnetwork.VirtualNetwork{
		Location: to.Ptr(c.location),
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &armnetwork.AddressSpace{
				AddressPrefixes: []*string{to.Ptr(payload.CIDR)},
			},
		},
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
		Kind:    plan.KindVirtualNetwork,
		ID:      toValue(resp.VirtualNetwork.ID),
		Payload: payload,
	}, nil
}

func (c *Client) deleteVirtualNetwork(ctx context.Context, name string) error {
	poller, err := c.virtualNetworks.BeginDelete(ctx, c.resourceGroup, name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return errors.Trace(err)
}

func (c *Client) getSubnet(ctx context.Context, vnetName, name string) (*reconcile.RemoteResource, error) {
	resp, err := c.subnets.Get(ctx, c.resourceGroup, vnetName, name, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	subnet := resp.Subnet
	payload := plan.SubnetPayload{VirtualNetwork: vnetName}
	if subnet.Properties != nil {
		payload.CIDR = toValue(subnet.Properties.AddressPrefix)
		if subnet.Properties.RouteTable != nil {
			payload.RouteTable = lastSegment(toValue(subnet.Properties.RouteTable.ID))
		}
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindSubnet,
		ID:      toValue(subnet.ID),
		Payload: payload,
	}, nil
}

func (c *Client) createSubnet(ctx context.Context, name string, payload plan.SubnetPayload) (*reconcile.RemoteResource, error) {
	properties := &armnetwork.SubnetPropertiesFormat{
		AddressPrefix: to.Ptr(payload.CIDR),
	}
	if payload.RouteTable != "" {
		properties.RouteTable = &armnetwork.RouteTable{
			ID: to.Ptr(c.resourceID("routeTables", payload.RouteTable)),
		}
	}
	poller, err := c.subnets.BeginCreateOrUpdate(ctx, c.resourceGroup, payload.VirtualNetwork, name, armnetwork.Subnet{
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
		Kind:    plan.KindSubnet,
		ID:      toValue(resp.Subnet.ID),
		Payload: payload,
	}, nil
}

func (c *Client) deleteSubnet(ctx context.Context, vnetName, name string) error {
	poller, err := c.subnets.BeginDelete(ctx, c.resourceGroup, vnetName, name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return errors.Trace(err)
}

func (c *Client) getRouteTable(ctx context.Context, name string) (*reconcile.RemoteResource, error) {
	resp, err := c.routeTables.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rt := resp.RouteTable
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindRouteTable,
		ID:      toValue(rt.ID),
		Payload: plan.RouteTablePayload{Firewall: tag(rt.Tags, tagFirewall)},
	}, nil
}

// createRouteTable writes a table with one default route steering all
// egress through the firewall's private address.
func (c *Client) createRouteTable(ctx context.Context, name string, payload plan.RouteTablePayload) (*reconcile.RemoteResource, error) {
	firewallIP, err := c.firewallPrivateAddress(ctx, payload.Firewall)
	if err != nil {
		return nil, errors.Annotatef(err, "resolving private address of firewall %q", payload.Firewall)
	}
	poller, err := c.routeTables.BeginCreateOrUpdate(ctx, c.resourceGroup, name, armnetwork.RouteTable{
		Location: to.Ptr(c.location),
		Tags: map[string]*string{
			tagFirewall: to.Ptr(payload.Firewall),
		},
		Properties: &armnetwork.RouteTablePropertiesFormat{
			Routes: []*armnetwork.Route{{
				Name: to.Ptr("default-via-firewall"),
				Properties: &armnetwork.RoutePropertiesFormat{
					AddressPrefix:    to.Ptr("0.0.0.0/0"),
					NextHopType:      to.Ptr(armnetwork.RouteNextHopTypeVirtualAppliance),
					NextHopIPAddress: to.Ptr(firewallIP),
				},
			}},
		},
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
		Kind:    plan.KindRouteTable,
		ID:      toValue(resp.RouteTable.ID),
		Payload: payload,
	}, nil
}

func (c *Client) deleteRouteTable(ctx context.Context, name string) error {
	poller, err := c.routeTables.BeginDelete(ctx, c.resourceGroup, name, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return errors.Trace(err)
}

func (c *Client) resourceID(resourceType, name string) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/%s/%s",
		c.subscription, c.resourceGroup, resourceType, name)
}

func lastSegment(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func tag(tags map[string]*string, key string) string {
	return toValue(tags[key])
}

// encodeBindings renders port bindings as "5060/udp,5061/udp" for
// storage in a resource tag; decodeBindings reverses it.
func encodeBindings(bindings []portspec.PortBinding) string {
	parts := make([]string, len(bindings))
	for i, b := range bindings {
		parts[i] = fmt.Sprintf("%d/%s", b.Port, b.Protocol)
	}
	return strings.Join(parts, ",")
}

func decodeBindings(encoded string) ([]portspec.PortBinding, error) {
	if encoded == "" {
		return nil, nil
	}
	var bindings []portspec.PortBinding
	for _, part := range strings.Split(encoded, ",") {
		port, protocol, ok := strings.Cut(part, "/")
		if !ok {
			return nil, errors.NotValidf("port binding %q", part)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, errors.NotValidf("port %q", port)
		}
		bindings = append(bindings, portspec.PortBinding{Port: n, Protocol: protocol})
	}
	return bindings, nil
}
