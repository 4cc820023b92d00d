// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azclient

import (
	"context"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"

	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/portspec"
	"github.com/juju/netexpose/internal/reconcile"
)

// Azure models firewall rule collections and rules as fragments of
// the firewall document. Reconciling a fragment means reading the
// document, splicing the fragment in, and writing the document back.
// The firewall itself is pre-existing infrastructure: it is never
// created here, and a missing firewall is an error rather than an
// absence.

func (c *Client) firewall(ctx context.Context, name string) (*armnetwork.AzureFirewall, error) {
	resp, err := c.firewalls.Get(ctx, c.resourceGroup, name, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fw := resp.AzureFirewall
	if fw.Properties == nil {
		fw.Properties = &armnetwork.AzureFirewallPropertiesFormat{}
	}
	return &fw, nil
}

func (c *Client) writeFirewall(ctx context.Context, name string, fw *armnetwork.AzureFirewall) error {
	poller, err := c.firewalls.BeginCreateOrUpdate(ctx, c.resourceGroup, name, *fw, nil)
	if err == nil {
		_, err = poller.PollUntilDone(ctx, nil)
	}
	return errors.Trace(err)
}

func (c *Client) firewallPrivateAddress(ctx context.Context, name string) (string, error) {
	fw, err := c.firewall(ctx, name)
	if err != nil {
		return "", errors.Trace(err)
	}
	for _, ipConfig := range fw.Properties.IPConfigurations {
		if ipConfig.Properties == nil {
			continue
		}
		if address := toValue(ipConfig.Properties.PrivateIPAddress); address != "" {
			return address, nil
		}
	}
	return "", errors.NotFoundf("private address of firewall %q", name)
}

func findNATCollection(fw *armnetwork.AzureFirewall, name string) *armnetwork.AzureFirewallNatRuleCollection {
	for _, collection := range fw.Properties.NatRuleCollections {
		if toValue(collection.Name) == name {
			return collection
		}
	}
	return nil
}

func findNetworkCollection(fw *armnetwork.AzureFirewall, name string) *armnetwork.AzureFirewallNetworkRuleCollection {
	for _, collection := range fw.Properties.NetworkRuleCollections {
		if toValue(collection.Name) == name {
			return collection
		}
	}
	return nil
}

func (c *Client) getRuleCollection(ctx context.Context, firewallName, name string) (*reconcile.RemoteResource, error) {
	fw, err := c.firewall(ctx, firewallName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if collection := findNATCollection(fw, name); collection != nil {
		payload := plan.RuleCollectionPayload{Firewall: firewallName, NAT: true}
		if collection.Properties != nil {
			payload.Priority = int(toValue(collection.Properties.Priority))
		}
		return &reconcile.RemoteResource{
			Name:    name,
			Kind:    plan.KindRuleCollection,
			ID:      collectionID(toValue(fw.ID), name),
			Payload: payload,
		}, nil
	}
	if collection := findNetworkCollection(fw, name); collection != nil {
		payload := plan.RuleCollectionPayload{Firewall: firewallName}
		if collection.Properties != nil {
			payload.Priority = int(toValue(collection.Properties.Priority))
		}
		return &reconcile.RemoteResource{
			Name:    name,
			Kind:    plan.KindRuleCollection,
			ID:      collectionID(toValue(fw.ID), name),
			Payload: payload,
		}, nil
	}
	return nil, errors.NotFoundf("rule collection %q", name)
}

func (c *Client) createRuleCollection(ctx context.Context, name string, payload plan.RuleCollectionPayload) (*reconcile.RemoteResource, error) {
	fw, err := c.firewall(ctx, payload.Firewall)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if payload.NAT {
		collection := findNATCollection(fw, name)
		if collection == nil {
			collection = &armnetwork.AzureFirewallNatRuleCollection{
				Name:       to.Ptr(name),
				Properties: &armnetwork.AzureFirewallNatRuleCollectionProperties{},
			}
			fw.Properties.NatRuleCollections = append(fw.Properties.NatRuleCollections, collection)
		}
		collection.Properties.Priority = to.Ptr(int32(payload.Priority))
		collection.Properties.Action = &armnetwork.AzureFirewallNatRCAction{
			Type: to.Ptr(armnetwork.AzureFirewallNatRCActionTypeDnat),
		}
	} else {
		collection := findNetworkCollection(fw, name)
		if collection == nil {
			collection = &armnetwork.AzureFirewallNetworkRuleCollection{
				Name:       to.Ptr(name),
				Properties: &armnetwork.AzureFirewallNetworkRuleCollectionPropertiesFormat{},
			}
			fw.Properties.NetworkRuleCollections = append(fw.Properties.NetworkRuleCollections, collection)
		}
		collection.Properties.Priority = to.Ptr(int32(payload.Priority))
		collection.Properties.Action = &armnetwork.AzureFirewallRCAction{
			Type: to.Ptr(armnetwork.AzureFirewallRCActionTypeAllow),
		}
	}
	if err := c.writeFirewall(ctx, payload.Firewall, fw); err != nil {
		return nil, errors.Trace(err)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindRuleCollection,
		ID:      collectionID(toValue(fw.ID), name),
		Payload: payload,
	}, nil
}

func (c *Client) deleteRuleCollection(ctx context.Context, firewallName, name string) error {
	fw, err := c.firewall(ctx, firewallName)
	if err != nil {
		return errors.Trace(err)
	}
	found := false
	natCollections := fw.Properties.NatRuleCollections[:0]
	for _, collection := range fw.Properties.NatRuleCollections {
		if toValue(collection.Name) == name {
			found = true
			continue
		}
		natCollections = append(natCollections, collection)
	}
	fw.Properties.NatRuleCollections = natCollections
	netCollections := fw.Properties.NetworkRuleCollections[:0]
	for _, collection := range fw.Properties.NetworkRuleCollections {
		if toValue(collection.Name) == name {
			found = true
			continue
		}
		netCollections = append(netCollections, collection)
	}
	fw.Properties.NetworkRuleCollections = netCollections
	if !found {
		return errors.NotFoundf("rule collection %q", name)
	}
	return errors.Trace(c.writeFirewall(ctx, firewallName, fw))
}

func (c *Client) getNATRule(ctx context.Context, firewallName, collectionName, name string) (*reconcile.RemoteResource, error) {
	fw, err := c.firewall(ctx, firewallName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	collection := findNATCollection(fw, collectionName)
	if collection == nil || collection.Properties == nil {
		return nil, errors.NotFoundf("rule collection %q", collectionName)
	}
	for _, rule := range collection.Properties.Rules {
		if toValue(rule.Name) != name {
			continue
		}
		payload := plan.NATRulePayload{
			Firewall:   firewallName,
			Collection: collectionName,
			Workload:   toValue(rule.Description),
		}
		if len(rule.DestinationAddresses) > 0 {
			payload.PublicAddress = toValue(rule.DestinationAddresses[0])
		}
		if len(rule.DestinationPorts) > 0 {
			payload.Port, _ = strconv.Atoi(toValue(rule.DestinationPorts[0]))
		}
		if len(rule.Protocols) > 0 {
			payload.Protocol = strings.ToLower(string(toValue(rule.Protocols[0])))
		}
		return &reconcile.RemoteResource{
			Name:    name,
			Kind:    plan.KindNATRule,
			ID:      collectionID(toValue(fw.ID), collectionName) + "/rules/" + name,
			Payload: payload,
		}, nil
	}
	return nil, errors.NotFoundf("NAT rule %q", name)
}

func (c *Client) createNATRule(ctx context.Context, name string, payload plan.NATRulePayload) (*reconcile.RemoteResource, error) {
	fw, err := c.firewall(ctx, payload.Firewall)
	if err != nil {
		return nil, errors.Trace(err)
	}
	collection := findNATCollection(fw, payload.Collection)
	if collection == nil || collection.Properties == nil {
		return nil, errors.NotFoundf("rule collection %q", payload.Collection)
	}
	rule := &armnetwork.AzureFirewallNatRule{
		Name:                 to.Ptr(name),
		Description:          to.Ptr(payload.Workload),
		Protocols:            []*armnetwork.AzureFirewallNetworkRuleProtocol{to.Ptr(firewallProtocol(payload.Protocol))},
		SourceAddresses:      []*string{to.Ptr("*")},
		DestinationAddresses: []*string{to.Ptr(payload.PublicAddress)},
		DestinationPorts:     []*string{to.Ptr(strconv.Itoa(payload.Port))},
		TranslatedFqdn:       to.Ptr(payload.Workload),
		TranslatedPort:       to.Ptr(strconv.Itoa(payload.Port)),
	}
	replaced := false
	for i, existing := range collection.Properties.Rules {
		if toValue(existing.Name) == name {
			collection.Properties.Rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		collection.Properties.Rules = append(collection.Properties.Rules, rule)
	}
	if err := c.writeFirewall(ctx, payload.Firewall, fw); err != nil {
		return nil, errors.Trace(err)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindNATRule,
		ID:      collectionID(toValue(fw.ID), payload.Collection) + "/rules/" + name,
		Payload: payload,
	}, nil
}

func (c *Client) getNetworkRule(ctx context.Context, firewallName, collectionName, name string) (*reconcile.RemoteResource, error) {
	fw, err := c.firewall(ctx, firewallName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	collection := findNetworkCollection(fw, collectionName)
	if collection == nil || collection.Properties == nil {
		return nil, errors.NotFoundf("rule collection %q", collectionName)
	}
	for _, rule := range collection.Properties.Rules {
		if toValue(rule.Name) != name {
			continue
		}
		workload, bindings, err := decodeRuleDescription(toValue(rule.Description))
		if err != nil {
			return nil, errors.Annotatef(err, "description of rule %q", name)
		}
		return &reconcile.RemoteResource{
			Name: name,
			Kind: plan.KindNetworkRule,
			ID:   collectionID(toValue(fw.ID), collectionName) + "/rules/" + name,
			Payload: plan.NetworkRulePayload{
				Firewall:   firewallName,
				Collection: collectionName,
				Workload:   workload,
				Ports:      bindings,
			},
		}, nil
	}
	return nil, errors.NotFoundf("network rule %q", name)
}

func (c *Client) createNetworkRule(ctx context.Context, name string, payload plan.NetworkRulePayload) (*reconcile.RemoteResource, error) {
	fw, err := c.firewall(ctx, payload.Firewall)
	if err != nil {
		return nil, errors.Trace(err)
	}
	collection := findNetworkCollection(fw, payload.Collection)
	if collection == nil || collection.Properties == nil {
		return nil, errors.NotFoundf("rule collection %q", payload.Collection)
	}
	protocols := make([]*armnetwork.AzureFirewallNetworkRuleProtocol, 0, 2)
	seen := make(map[armnetwork.AzureFirewallNetworkRuleProtocol]bool)
	ports := make([]*string, 0, len(payload.Ports))
	for _, binding := range payload.Ports {
		protocol := firewallProtocol(binding.Protocol)
		if !seen[protocol] {
			seen[protocol] = true
			protocols = append(protocols, to.Ptr(protocol))
		}
		ports = append(ports, to.Ptr(strconv.Itoa(binding.Port)))
	}
	rule := &armnetwork.AzureFirewallNetworkRule{
		Name:                 to.Ptr(name),
		Description:          to.Ptr(encodeRuleDescription(payload.Workload, payload.Ports)),
		Protocols:            protocols,
		SourceAddresses:      []*string{to.Ptr("*")},
		DestinationAddresses: []*string{to.Ptr("*")},
		DestinationPorts:     ports,
	}
	replaced := false
	for i, existing := range collection.Properties.Rules {
		if toValue(existing.Name) == name {
			collection.Properties.Rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		collection.Properties.Rules = append(collection.Properties.Rules, rule)
	}
	if err := c.writeFirewall(ctx, payload.Firewall, fw); err != nil {
		return nil, errors.Trace(err)
	}
	return &reconcile.RemoteResource{
		Name:    name,
		Kind:    plan.KindNetworkRule,
		ID:      collectionID(toValue(fw.ID), payload.Collection) + "/rules/" + name,
		Payload: payload,
	}, nil
}

func (c *Client) deleteFirewallRule(ctx context.Context, firewallName, collectionName, name string) error {
	fw, err := c.firewall(ctx, firewallName)
	if err != nil {
		return errors.Trace(err)
	}
	found := false
	if collection := findNATCollection(fw, collectionName); collection != nil && collection.Properties != nil {
		rules := collection.Properties.Rules[:0]
		for _, rule := range collection.Properties.Rules {
			if toValue(rule.Name) == name {
				found = true
				continue
			}
			rules = append(rules, rule)
		}
		collection.Properties.Rules = rules
	}
	if collection := findNetworkCollection(fw, collectionName); collection != nil && collection.Properties != nil {
		rules := collection.Properties.Rules[:0]
		for _, rule := range collection.Properties.Rules {
			if toValue(rule.Name) == name {
				found = true
				continue
			}
			rules = append(rules, rule)
		}
		collection.Properties.Rules = rules
	}
	if !found {
		return errors.NotFoundf("firewall rule %q", name)
	}
	return errors.Trace(c.writeFirewall(ctx, firewallName, fw))
}

func firewallProtocol(protocol string) armnetwork.AzureFirewallNetworkRuleProtocol {
	if strings.EqualFold(protocol, "udp") {
		return armnetwork.AzureFirewallNetworkRuleProtocolUDP
	}
	return armnetwork.AzureFirewallNetworkRuleProtocolTCP
}

func collectionID(firewallID, collectionName string) string {
	return firewallID + "/ruleCollections/" + collectionName
}

// encodeRuleDescription stores the desired-state fields a network rule
// has no native slot for in the rule description, so observation can
// reconstruct the exact payload: "workload 5060/udp,5061/udp".
func encodeRuleDescription(workload string, bindings []portspec.PortBinding) string {
	return workload + " " + encodeBindings(bindings)
}

func decodeRuleDescription(description string) (string, []portspec.PortBinding, error) {
	workload, encoded, _ := strings.Cut(description, " ")
	bindings, err := decodeBindings(encoded)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	return workload, bindings, nil
}
