// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package naming derives the names of the network resources the
// orchestrator manages. Derivation is deterministic: the same logical
// identity always produces the same name, so a re-applied plan finds
// the resources it created previously, and names double as idempotency
// keys against the resource manager API.
package naming

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Role identifies the kind of resource a name is derived for.
type Role string

const (
	RoleVirtualNetwork Role = "vnet"
	RoleSubnet         Role = "subnet"
	RoleRouteTable     Role = "rt"
	RoleRuleCollection Role = "rc"
	RoleNetworkRule    Role = "rule"
	RoleNATRule        Role = "dnat"
	RoleBackendPool    Role = "pool"
	RoleHealthProbe    Role = "probe"
	RoleLBRule         Role = "lbrule"
	RolePublicAddress  Role = "pip"
)

// maxNameLength is the Microsoft.Network limit for most resource
// names. Anything longer is truncated by Truncate.
const maxNameLength = 80

// hashSuffixLength is the length of the stable hash suffix appended
// when a derived name must be truncated.
const hashSuffixLength = 8

// disambiguatorLength is the length of the stable hash suffix
// appended when normalisation folds characters out of a seed.
const disambiguatorLength = 6

// prefix marks every resource the orchestrator owns. Resources not
// carrying the prefix are never touched on teardown.
const prefix = "nx"

// ForResource derives the name of a seed-scoped resource, e.g. the
// virtual network or route table backing the public address "fw-pip":
// "nx-vnet-fw-pip". The seed is normalised first.
func ForResource(role Role, seed string) string {
	return Truncate(fmt.Sprintf("%s-%s-%s", prefix, role, Normalise(seed)))
}

// ForRule derives the name of a rule-level resource from its full
// logical identity: workload, target address, port and protocol. Two
// differing tuples never derive the same name, and the same tuple
// always re-derives identically.
func ForRule(role Role, workload, address string, port int, protocol string) string {
	return Truncate(fmt.Sprintf("%s-%s-%s-%s-%d-%s",
		prefix, role, Normalise(workload), Normalise(address), port, strings.ToLower(protocol)))
}

// ForCollection derives the name of a shared rule collection for a
// workload, e.g. "nx-rc-voip-dnat" for the automated NAT collection.
func ForCollection(workload string, role Role) string {
	return Truncate(fmt.Sprintf("%s-rc-%s-%s", prefix, Normalise(workload), role))
}

// Normalise maps a seed identifier onto the character set accepted by
// the resource manager: lower case, with separator characters such as
// the dots in a literal address replaced by dashes. Folding loses
// which separator the seed carried, so any seed the folding alters
// also gains a short stable hash of the raw seed; "a.b" and "a-b"
// derive distinct names. Case is not significant.
func Normalise(seed string) string {
	lowered := strings.ToLower(seed)
	folded := fold(lowered)
	if folded == lowered {
		return folded
	}
	digest := sha256.Sum256([]byte(lowered))
	return folded + "-" + fmt.Sprintf("%x", digest)[:disambiguatorLength]
}

func fold(seed string) string {
	var b strings.Builder
	for _, r := range seed {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Truncate enforces the resource name length limit. Names within the
// limit pass through untouched. Longer names keep their leading
// characters and replace the tail with a short stable hash of the
// whole name, so identical logical identity always truncates
// identically and distinct identities keep distinct names rather than
// silently losing the distinguishing suffix.
func Truncate(name string) string {
	if len(name) <= maxNameLength {
		return name
	}
	digest := sha256.Sum256([]byte(name))
	suffix := fmt.Sprintf("%x", digest)[:hashSuffixLength]
	return name[:maxNameLength-hashSuffixLength-1] + "-" + suffix
}
