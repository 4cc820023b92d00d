// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package portspec parses user-supplied port specifications of the
// form "start[-end]:protocol" and expands them into concrete
// (port, protocol) bindings. All validation is local and synchronous;
// expansion is pure, so the same input always yields the same output.
package portspec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	// ErrInvalidPortSpec is raised when a specification names a port
	// outside 1-65535, a protocol other than tcp or udp, or cannot be
	// parsed at all.
	ErrInvalidPortSpec = errors.ConstError("invalid port spec")

	// ErrRangeTooLarge is raised when a single range would expand to
	// more than MaxRangeWidth bindings. Callers wanting a wider span
	// must split it across several specifications.
	ErrRangeTooLarge = errors.ConstError("port range too large")
)

// MaxRangeWidth bounds the expansion of a single range. It keeps the
// cross product of addresses and ports in a rule plan within the
// remote API's per-collection rule limits.
const MaxRangeWidth = 100

// PortSpec is a single parsed specification: an inclusive port range
// and a protocol. A single port is a range with FromPort == ToPort.
type PortSpec struct {
	FromPort int
	ToPort   int
	Protocol string
}

// String returns the spec in its parseable form.
func (p PortSpec) String() string {
	if p.FromPort == p.ToPort {
		return fmt.Sprintf("%d:%s", p.FromPort, p.Protocol)
	}
	return fmt.Sprintf("%d-%d:%s", p.FromPort, p.ToPort, p.Protocol)
}

// Length returns the number of bindings the spec expands to.
func (p PortSpec) Length() int {
	return p.ToPort - p.FromPort + 1
}

// Validate checks the spec against the port and protocol bounds.
func (p PortSpec) Validate() error {
	proto := strings.ToLower(p.Protocol)
	if proto != "tcp" && proto != "udp" {
		return fmt.Errorf("protocol %q not valid%w", p.Protocol, errors.Hide(ErrInvalidPortSpec))
	}
	if p.FromPort > p.ToPort {
		return fmt.Errorf("invalid port range %d-%d%w", p.FromPort, p.ToPort, errors.Hide(ErrInvalidPortSpec))
	}
	if p.FromPort <= 0 || p.FromPort > 65535 ||
		p.ToPort <= 0 || p.ToPort > 65535 {
		return fmt.Errorf(
			"port range bounds must be between 1 and 65535, got %d-%d%w",
			p.FromPort, p.ToPort, errors.Hide(ErrInvalidPortSpec))
	}
	if p.Length() > MaxRangeWidth {
		return fmt.Errorf(
			"port range %d-%d spans %d ports, maximum is %d%w",
			p.FromPort, p.ToPort, p.Length(), MaxRangeWidth, errors.Hide(ErrRangeTooLarge))
	}
	return nil
}

// Parse parses a "start[-end]:protocol" specification. The protocol
// part is mandatory; the end port defaults to the start port.
func Parse(spec string) (PortSpec, error) {
	portPart, protocol, ok := strings.Cut(spec, ":")
	if !ok {
		return PortSpec{}, fmt.Errorf("%q missing protocol%w", spec, errors.Hide(ErrInvalidPortSpec))
	}
	fromStr, toStr, isRange := strings.Cut(portPart, "-")
	from, err := strconv.Atoi(fromStr)
	if err != nil {
		return PortSpec{}, fmt.Errorf("%q has non-numeric port %q%w", spec, fromStr, errors.Hide(ErrInvalidPortSpec))
	}
	to := from
	if isRange {
		if to, err = strconv.Atoi(toStr); err != nil {
			return PortSpec{}, fmt.Errorf("%q has non-numeric port %q%w", spec, toStr, errors.Hide(ErrInvalidPortSpec))
		}
	}
	p := PortSpec{
		FromPort: from,
		ToPort:   to,
		Protocol: strings.ToLower(protocol),
	}
	if err := p.Validate(); err != nil {
		return PortSpec{}, errors.Trace(err)
	}
	return p, nil
}

// ParseAll parses each raw specification in order. The first invalid
// specification fails the whole call.
func ParseAll(specs []string) ([]PortSpec, error) {
	parsed := make([]PortSpec, 0, len(specs))
	for _, raw := range specs {
		p, err := Parse(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		parsed = append(parsed, p)
	}
	return parsed, nil
}

// PortBinding is one concrete (port, protocol) pair produced by
// expanding a PortSpec. Bindings are the atomic unit the rule plan
// builder works with.
type PortBinding struct {
	Port     int
	Protocol string
}

// String implements fmt.Stringer.
func (b PortBinding) String() string {
	return fmt.Sprintf("%d/%s", b.Port, b.Protocol)
}

// Expand expands the given specs into an order-preserving, de-duplicated
// sequence of bindings, one per integer in each inclusive range.
func Expand(specs []PortSpec) ([]PortBinding, error) {
	seen := make(map[PortBinding]bool)
	var bindings []PortBinding
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		for port := spec.FromPort; port <= spec.ToPort; port++ {
			b := PortBinding{Port: port, Protocol: strings.ToLower(spec.Protocol)}
			if seen[b] {
				continue
			}
			seen[b] = true
			bindings = append(bindings, b)
		}
	}
	return bindings, nil
}
