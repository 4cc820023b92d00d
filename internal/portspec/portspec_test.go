// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package portspec_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/netexpose/internal/portspec"
)

type portSpecSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&portSpecSuite{})

func (*portSpecSuite) TestParseSinglePort(c *gc.C) {
	spec, err := portspec.Parse("8080:tcp")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(spec, gc.Equals, portspec.PortSpec{FromPort: 8080, ToPort: 8080, Protocol: "tcp"})
}

func (*portSpecSuite) TestParseRange(c *gc.C) {
	spec, err := portspec.Parse("5060-5062:udp")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(spec, gc.Equals, portspec.PortSpec{FromPort: 5060, ToPort: 5062, Protocol: "udp"})
	c.Assert(spec.Length(), gc.Equals, 3)
}

func (*portSpecSuite) TestParseNormalisesProtocolCase(c *gc.C) {
	spec, err := portspec.Parse("53:UDP")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(spec.Protocol, gc.Equals, "udp")
}

func (*portSpecSuite) TestParseErrors(c *gc.C) {
	for _, t := range []struct {
		spec string
		err  error
		msg  string
	}{
		{"8080", portspec.ErrInvalidPortSpec, `"8080" missing protocol`},
		{"eight:tcp", portspec.ErrInvalidPortSpec, `"eight:tcp" has non-numeric port "eight"`},
		{"80-eol:tcp", portspec.ErrInvalidPortSpec, `"80-eol:tcp" has non-numeric port "eol"`},
		{"8080:icmp", portspec.ErrInvalidPortSpec, `protocol "icmp" not valid`},
		{"8080:sctp", portspec.ErrInvalidPortSpec, `protocol "sctp" not valid`},
		{"0:tcp", portspec.ErrInvalidPortSpec, "port range bounds must be between 1 and 65535, got 0-0"},
		{"70000:tcp", portspec.ErrInvalidPortSpec, "port range bounds must be between 1 and 65535, got 70000-70000"},
		{"100-80:tcp", portspec.ErrInvalidPortSpec, "invalid port range 100-80"},
		{"1000-1100:tcp", portspec.ErrRangeTooLarge, "port range 1000-1100 spans 101 ports, maximum is 100"},
	} {
		c.Logf("parsing %q", t.spec)
		_, err := portspec.Parse(t.spec)
		c.Check(err, jc.ErrorIs, t.err)
		c.Check(err, gc.ErrorMatches, t.msg)
	}
}

func (*portSpecSuite) TestParseAllStopsAtFirstError(c *gc.C) {
	specs, err := portspec.ParseAll([]string{"80:tcp", "443:tcp"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(specs, gc.HasLen, 2)

	_, err = portspec.ParseAll([]string{"80:tcp", "nope"})
	c.Assert(err, jc.ErrorIs, portspec.ErrInvalidPortSpec)
}

func (*portSpecSuite) TestExpandInclusive(c *gc.C) {
	bindings, err := portspec.Expand([]portspec.PortSpec{
		{FromPort: 5060, ToPort: 5062, Protocol: "udp"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(bindings, jc.DeepEquals, []portspec.PortBinding{
		{Port: 5060, Protocol: "udp"},
		{Port: 5061, Protocol: "udp"},
		{Port: 5062, Protocol: "udp"},
	})
}

func (*portSpecSuite) TestExpandCount(c *gc.C) {
	for _, t := range []struct {
		spec  portspec.PortSpec
		count int
	}{
		{portspec.PortSpec{FromPort: 80, ToPort: 80, Protocol: "tcp"}, 1},
		{portspec.PortSpec{FromPort: 8000, ToPort: 8009, Protocol: "tcp"}, 10},
		{portspec.PortSpec{FromPort: 1, ToPort: 100, Protocol: "udp"}, 100},
	} {
		bindings, err := portspec.Expand([]portspec.PortSpec{t.spec})
		c.Assert(err, jc.ErrorIsNil)
		c.Check(bindings, gc.HasLen, t.count)
		seen := make(map[portspec.PortBinding]bool)
		for _, b := range bindings {
			c.Check(seen[b], jc.IsFalse)
			seen[b] = true
			c.Check(b.Protocol, gc.Equals, t.spec.Protocol)
		}
	}
}

func (*portSpecSuite) TestExpandDeduplicatesAcrossSpecs(c *gc.C) {
	bindings, err := portspec.Expand([]portspec.PortSpec{
		{FromPort: 80, ToPort: 82, Protocol: "tcp"},
		{FromPort: 81, ToPort: 83, Protocol: "tcp"},
		{FromPort: 81, ToPort: 81, Protocol: "udp"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(bindings, jc.DeepEquals, []portspec.PortBinding{
		{Port: 80, Protocol: "tcp"},
		{Port: 81, Protocol: "tcp"},
		{Port: 82, Protocol: "tcp"},
		{Port: 83, Protocol: "tcp"},
		{Port: 81, Protocol: "udp"},
	})
}

func (*portSpecSuite) TestExpandIsPure(c *gc.C) {
	specs := []portspec.PortSpec{
		{FromPort: 1000, ToPort: 1009, Protocol: "udp"},
		{FromPort: 22, ToPort: 22, Protocol: "tcp"},
	}
	first, err := portspec.Expand(specs)
	c.Assert(err, jc.ErrorIsNil)
	second, err := portspec.Expand(specs)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(second, jc.DeepEquals, first)
}

func (*portSpecSuite) TestExpandRejectsWideRange(c *gc.C) {
	bindings, err := portspec.Expand([]portspec.PortSpec{
		{FromPort: 1, ToPort: 102, Protocol: "tcp"},
	})
	c.Assert(err, jc.ErrorIs, portspec.ErrRangeTooLarge)
	c.Assert(bindings, gc.IsNil)
}

func (*portSpecSuite) TestSpecString(c *gc.C) {
	c.Check(portspec.PortSpec{FromPort: 80, ToPort: 80, Protocol: "tcp"}.String(), gc.Equals, "80:tcp")
	c.Check(portspec.PortSpec{FromPort: 80, ToPort: 90, Protocol: "udp"}.String(), gc.Equals, "80-90:udp")
	c.Check(portspec.PortBinding{Port: 53, Protocol: "udp"}.String(), gc.Equals, "53/udp")
}
