// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package predicate implements the header- and data-matching building
// blocks a Rule is composed of. A predicate that can't find the field it
// looks at (wrong IP version, no ULP header, non-IP ether type) simply
// fails to match: there is no predicate-level error, only a verdict.
package predicate

import (
	"fmt"
	"net/netip"

	"grimm.is/vpcdp/internal/engine/headers"
)

// HeaderPredicate matches fields decoded off the inner packet headers.
type HeaderPredicate interface {
	MatchHeader(inner *headers.Tier) bool
	String() string
}

// DataPredicate matches against the packet body rather than its headers
// (e.g. an ICMP echo identifier embedded past the ULP header).
type DataPredicate interface {
	MatchData(body []byte) bool
	String() string
}

// PortRange is an inclusive [Lo, Hi] port range; Lo == Hi matches a single
// port.
type PortRange struct {
	Lo, Hi uint16
}

// Contains reports whether port falls within the range.
func (r PortRange) Contains(port uint16) bool { return port >= r.Lo && port <= r.Hi }

func (r PortRange) String() string {
	if r.Lo == r.Hi {
		return fmt.Sprintf("%d", r.Lo)
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// InnerEtherType matches the inner frame's ether type against a set.
type InnerEtherType struct{ Types []headers.EtherType }

func (p InnerEtherType) MatchHeader(inner *headers.Tier) bool {
	for _, t := range p.Types {
		if inner.Ether.EtherType == t {
			return true
		}
	}
	return false
}

func (p InnerEtherType) String() string { return fmt.Sprintf("inner_ether_type=%v", p.Types) }

// InnerIpProto matches the inner IP protocol/next-header against a set.
// Fails to match if the packet has no inner IP header at all.
type InnerIpProto struct{ Protos []headers.IPProto }

func (p InnerIpProto) MatchHeader(inner *headers.Tier) bool {
	if inner.IP == nil {
		return false
	}
	proto := inner.IP.Proto()
	for _, want := range p.Protos {
		if proto == want {
			return true
		}
	}
	return false
}

func (p InnerIpProto) String() string { return fmt.Sprintf("inner_ip_proto=%v", p.Protos) }

func matchPrefixes(addr netip.Addr, prefixes []netip.Prefix) bool {
	if !addr.IsValid() {
		return false
	}
	for _, pfx := range prefixes {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// InnerSrcIp4 matches the inner IPv4 source address against a set of
// prefixes. Fails to match on non-IPv4 packets.
type InnerSrcIp4 struct{ Prefixes []netip.Prefix }

func (p InnerSrcIp4) MatchHeader(inner *headers.Tier) bool {
	if inner.IP == nil || inner.IP.V4 == nil {
		return false
	}
	return matchPrefixes(inner.IP.V4.Src, p.Prefixes)
}

func (p InnerSrcIp4) String() string { return fmt.Sprintf("inner_src_ip4=%v", p.Prefixes) }

// InnerDstIp4 matches the inner IPv4 destination address against a set of
// prefixes. Fails to match on non-IPv4 packets.
type InnerDstIp4 struct{ Prefixes []netip.Prefix }

func (p InnerDstIp4) MatchHeader(inner *headers.Tier) bool {
	if inner.IP == nil || inner.IP.V4 == nil {
		return false
	}
	return matchPrefixes(inner.IP.V4.Dst, p.Prefixes)
}

func (p InnerDstIp4) String() string { return fmt.Sprintf("inner_dst_ip4=%v", p.Prefixes) }

// InnerSrcIp6 matches the inner IPv6 source address against a set of
// prefixes. Fails to match on non-IPv6 packets.
type InnerSrcIp6 struct{ Prefixes []netip.Prefix }

func (p InnerSrcIp6) MatchHeader(inner *headers.Tier) bool {
	if inner.IP == nil || inner.IP.V6 == nil {
		return false
	}
	return matchPrefixes(inner.IP.V6.Src, p.Prefixes)
}

func (p InnerSrcIp6) String() string { return fmt.Sprintf("inner_src_ip6=%v", p.Prefixes) }

// InnerDstIp6 matches the inner IPv6 destination address against a set of
// prefixes. Fails to match on non-IPv6 packets.
type InnerDstIp6 struct{ Prefixes []netip.Prefix }

func (p InnerDstIp6) MatchHeader(inner *headers.Tier) bool {
	if inner.IP == nil || inner.IP.V6 == nil {
		return false
	}
	return matchPrefixes(inner.IP.V6.Dst, p.Prefixes)
}

func (p InnerDstIp6) String() string { return fmt.Sprintf("inner_dst_ip6=%v", p.Prefixes) }

// InnerSrcPort matches the inner ULP source port against a set of ranges.
// Fails to match on protocols without a source port (ICMP, or no ULP at
// all).
type InnerSrcPort struct{ Ranges []PortRange }

func (p InnerSrcPort) MatchHeader(inner *headers.Tier) bool {
	if inner.Ulp == nil || (inner.Ulp.Tcp == nil && inner.Ulp.Udp == nil) {
		return false
	}
	port := inner.Ulp.SrcPort()
	for _, r := range p.Ranges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

func (p InnerSrcPort) String() string { return fmt.Sprintf("inner_src_port=%v", p.Ranges) }

// InnerDstPort matches the inner ULP destination port against a set of
// ranges. Fails to match on protocols without a destination port.
type InnerDstPort struct{ Ranges []PortRange }

func (p InnerDstPort) MatchHeader(inner *headers.Tier) bool {
	if inner.Ulp == nil || (inner.Ulp.Tcp == nil && inner.Ulp.Udp == nil) {
		return false
	}
	port := inner.Ulp.DstPort()
	for _, r := range p.Ranges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

func (p InnerDstPort) String() string { return fmt.Sprintf("inner_dst_port=%v", p.Ranges) }

// InnerIcmpEchoIdent matches the ICMP echo identifier embedded in the ULP
// header. Fails to match on non-ICMP protocols.
type InnerIcmpEchoIdent struct{ Ident uint16 }

func (p InnerIcmpEchoIdent) MatchHeader(inner *headers.Tier) bool {
	if inner.Ulp == nil || inner.Ulp.Icmp == nil {
		return false
	}
	return inner.Ulp.Icmp.Ident == p.Ident
}

func (p InnerIcmpEchoIdent) String() string { return fmt.Sprintf("inner_icmp_echo_ident=%d", p.Ident) }

// InnerIcmpType matches the inner ICMP message type against a set. Fails
// to match on non-ICMP protocols.
type InnerIcmpType struct{ Types []uint8 }

func (p InnerIcmpType) MatchHeader(inner *headers.Tier) bool {
	if inner.Ulp == nil || inner.Ulp.Icmp == nil {
		return false
	}
	for _, t := range p.Types {
		if inner.Ulp.Icmp.Type == t {
			return true
		}
	}
	return false
}

func (p InnerIcmpType) String() string { return fmt.Sprintf("inner_icmp_type=%v", p.Types) }

// MatchAllHeaders reports whether inner matches every predicate in preds;
// an empty predicate set always matches (a Rule with no predicates
// applies unconditionally).
func MatchAllHeaders(preds []HeaderPredicate, inner *headers.Tier) bool {
	for _, p := range preds {
		if !p.MatchHeader(inner) {
			return false
		}
	}
	return true
}

// MatchAllData reports whether body matches every data predicate in preds.
func MatchAllData(preds []DataPredicate, body []byte) bool {
	for _, p := range preds {
		if !p.MatchData(body) {
			return false
		}
	}
	return true
}
