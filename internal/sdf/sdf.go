// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package sdf implements the per-direction ACL contexts that select a
// PDR for a packet. A context is an ordered rule list; classification
// returns the 1-based index of the first matching rule, 0 on miss,
// mirroring the ACL engine result convention the classifier expects.
package sdf

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/emflex/upf/internal/errors"
)

// PortRange matches inclusive [Lo, Hi]. The zero value matches any port.
type PortRange struct {
	Lo, Hi uint16
}

func (p PortRange) matches(port uint16) bool {
	if p.Lo == 0 && p.Hi == 0 {
		return true
	}
	return port >= p.Lo && port <= p.Hi
}

// Rule is one ACL entry. Zero-valued prefixes and port ranges match
// anything; protocol and TEID match anything only when AnyProto or
// AnyTEID is set.
type Rule struct {
	Proto    uint8
	AnyProto bool

	Src netip.Prefix // invalid prefix matches any source
	Dst netip.Prefix

	SrcPorts PortRange
	DstPorts PortRange

	TEID    uint32
	AnyTEID bool

	// Result is the 1-based value reported on match.
	Result uint32
}

func (r *Rule) matches(proto uint8, src, dst netip.Addr, srcPort, dstPort uint16, teid uint32) bool {
	if !r.AnyProto && r.Proto != proto {
		return false
	}
	if r.Src.IsValid() && !r.Src.Contains(src) {
		return false
	}
	if r.Dst.IsValid() && !r.Dst.Contains(dst) {
		return false
	}
	if !r.SrcPorts.matches(srcPort) {
		return false
	}
	if !r.DstPorts.matches(dstPort) {
		return false
	}
	if !r.AnyTEID && r.TEID != teid {
		return false
	}
	return true
}

// Context is an ordered set of ACL rules for one direction.
type Context struct {
	rules []Rule
}

// New builds a context from rules in match order.
func New(rules []Rule) *Context {
	return &Context{rules: rules}
}

// Classify returns the Result of the first matching rule, or 0.
func (c *Context) Classify(proto uint8, src, dst netip.Addr, srcPort, dstPort uint16, teid uint32) uint32 {
	for i := range c.rules {
		if c.rules[i].matches(proto, src, dst, srcPort, dstPort, teid) {
			return c.rules[i].Result
		}
	}
	return 0
}

// Len reports the number of rules in the context.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// ParseFlowDescription parses the SDF filter flow-description grammar
// used by PFCP ("permit out <proto|ip> from <addr>[/<len>] [port[-port]]
// to <addr>[/<len>] [port[-port]]") into a Rule. The action must be
// "permit"; "deny" filters are not supported by this core.
func ParseFlowDescription(desc string) (Rule, error) {
	var r Rule

	fields := strings.Fields(desc)
	if len(fields) < 6 {
		return r, errors.Errorf(errors.KindInvalidArgument, "flow description %q too short", desc)
	}
	if fields[0] != "permit" {
		return r, errors.Errorf(errors.KindUnsupported, "flow description action %q", fields[0])
	}
	// fields[1] is the direction token ("in"/"out"); the caller binds
	// the rule to a direction context, so it is accepted and ignored.

	switch fields[2] {
	case "ip":
		r.AnyProto = true
	case "tcp":
		r.Proto = 6
	case "udp":
		r.Proto = 17
	default:
		n, err := strconv.ParseUint(fields[2], 10, 8)
		if err != nil {
			return r, errors.Errorf(errors.KindInvalidArgument, "flow description proto %q", fields[2])
		}
		r.Proto = uint8(n)
	}

	if fields[3] != "from" {
		return r, errors.Errorf(errors.KindInvalidArgument, "flow description %q: expected 'from'", desc)
	}

	rest := fields[4:]
	src, srcPorts, rest, err := parseEndpoint(rest)
	if err != nil {
		return r, err
	}
	if len(rest) == 0 || rest[0] != "to" {
		return r, errors.Errorf(errors.KindInvalidArgument, "flow description %q: expected 'to'", desc)
	}
	dst, dstPorts, rest, err := parseEndpoint(rest[1:])
	if err != nil {
		return r, err
	}
	if len(rest) != 0 {
		return r, errors.Errorf(errors.KindInvalidArgument, "flow description %q: trailing tokens", desc)
	}

	r.Src, r.Dst = src, dst
	r.SrcPorts, r.DstPorts = srcPorts, dstPorts
	r.AnyTEID = true
	return r, nil
}

func parseEndpoint(tokens []string) (netip.Prefix, PortRange, []string, error) {
	var pfx netip.Prefix
	var ports PortRange

	if len(tokens) == 0 {
		return pfx, ports, nil, errors.New(errors.KindInvalidArgument, "flow description truncated")
	}

	addr := tokens[0]
	tokens = tokens[1:]
	if addr != "any" {
		var err error
		if strings.Contains(addr, "/") {
			pfx, err = netip.ParsePrefix(addr)
		} else {
			var a netip.Addr
			a, err = netip.ParseAddr(addr)
			if err == nil {
				pfx = netip.PrefixFrom(a, a.BitLen())
			}
		}
		if err != nil {
			return pfx, ports, nil, errors.Wrapf(err, errors.KindInvalidArgument, "flow description address %q", addr)
		}
	}

	if len(tokens) > 0 && tokens[0] != "to" {
		lo, hi, err := parsePorts(tokens[0])
		if err != nil {
			return pfx, ports, nil, err
		}
		ports = PortRange{Lo: lo, Hi: hi}
		tokens = tokens[1:]
	}
	return pfx, ports, tokens, nil
}

func parsePorts(tok string) (uint16, uint16, error) {
	lo, hi, ok := strings.Cut(tok, "-")
	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, 0, errors.Errorf(errors.KindInvalidArgument, "flow description port %q", tok)
	}
	if !ok {
		return uint16(l), uint16(l), nil
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil || h < l {
		return 0, 0, errors.Errorf(errors.KindInvalidArgument, "flow description port range %q", tok)
	}
	return uint16(l), uint16(h), nil
}
