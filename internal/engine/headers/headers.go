// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package headers holds the decoded packet metadata the parser produces:
// per-tier (outer/inner) Ethernet, IP, and upper-layer-protocol fields, the
// byte offsets each was found at, and the canonical flow key derived from
// the inner headers. Nothing here touches packet bytes; that's parser and
// packet's job.
package headers

import (
	"fmt"
	"net/netip"
)

// MacAddr is a 6-byte Ethernet hardware address.
type MacAddr [6]byte

func (m MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MacAddr) IsBroadcast() bool {
	return m == MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// EtherType is the 16-bit Ethernet payload type field.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

func (e EtherType) String() string {
	switch e {
	case EtherTypeIPv4:
		return "ipv4"
	case EtherTypeARP:
		return "arp"
	case EtherTypeIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("0x%04x", uint16(e))
	}
}

// IPProto is an IP protocol number (IPv4 "protocol" / IPv6 "next header").
type IPProto uint8

const (
	ProtoICMP   IPProto = 1
	ProtoTCP    IPProto = 6
	ProtoUDP    IPProto = 17
	ProtoICMPv6 IPProto = 58
)

func (p IPProto) String() string {
	switch p {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoICMPv6:
		return "ICMPv6"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// GeneveUDPPort is the IANA well-known UDP destination port for Geneve.
const GeneveUDPPort = 6081

// EtherMeta is a decoded Ethernet header.
type EtherMeta struct {
	Dst       MacAddr
	Src       MacAddr
	EtherType EtherType
}

// Ip4Meta is a decoded IPv4 header.
type Ip4Meta struct {
	Src      netip.Addr
	Dst      netip.Addr
	Proto    IPProto
	TotalLen uint16
	Ttl      uint8
	Ident    uint16
}

// Ip6Meta is a decoded IPv6 header.
type Ip6Meta struct {
	Src        netip.Addr
	Dst        netip.Addr
	NextHeader IPProto
	PayloadLen uint16
	HopLimit   uint8
}

// IpMeta is a one-of IPv4/IPv6 decoded header. Exactly one of V4/V6 is set.
type IpMeta struct {
	V4 *Ip4Meta
	V6 *Ip6Meta
}

// Proto returns the ULP/next-header protocol regardless of IP version.
func (m *IpMeta) Proto() IPProto {
	if m == nil {
		return 0
	}
	if m.V4 != nil {
		return m.V4.Proto
	}
	if m.V6 != nil {
		return m.V6.NextHeader
	}
	return 0
}

// Src returns the source address regardless of IP version.
func (m *IpMeta) Src() netip.Addr {
	if m == nil {
		return netip.Addr{}
	}
	if m.V4 != nil {
		return m.V4.Src
	}
	if m.V6 != nil {
		return m.V6.Src
	}
	return netip.Addr{}
}

// Dst returns the destination address regardless of IP version.
func (m *IpMeta) Dst() netip.Addr {
	if m == nil {
		return netip.Addr{}
	}
	if m.V4 != nil {
		return m.V4.Dst
	}
	if m.V6 != nil {
		return m.V6.Dst
	}
	return netip.Addr{}
}

// TcpFlags are the TCP control bits relevant to the state tracker.
type TcpFlags uint8

const (
	TcpFlagFin TcpFlags = 1 << 0
	TcpFlagSyn TcpFlags = 1 << 1
	TcpFlagRst TcpFlags = 1 << 2
	TcpFlagAck TcpFlags = 1 << 4
)

func (f TcpFlags) Has(bit TcpFlags) bool { return f&bit != 0 }

// TcpMeta is a decoded TCP header.
type TcpMeta struct {
	Src   uint16
	Dst   uint16
	Seq   uint32
	Ack   uint32
	Flags TcpFlags
	Csum  uint16
}

// UdpMeta is a decoded UDP header.
type UdpMeta struct {
	Src  uint16
	Dst  uint16
	Len  uint16
	Csum uint16
}

// IcmpMeta is a decoded ICMP(v4) echo request/reply header.
type IcmpMeta struct {
	Type  uint8
	Code  uint8
	Ident uint16
	Seq   uint16
	Csum  uint16
}

const (
	IcmpTypeEchoRequest uint8 = 8
	IcmpTypeEchoReply   uint8 = 0
)

// UlpMeta is a one-of TCP/UDP/ICMP decoded upper-layer-protocol header.
type UlpMeta struct {
	Tcp  *TcpMeta
	Udp  *UdpMeta
	Icmp *IcmpMeta
}

// SrcPort returns the ULP source port, or 0 for protocols without one
// (ICMP).
func (u *UlpMeta) SrcPort() uint16 {
	if u == nil {
		return 0
	}
	if u.Tcp != nil {
		return u.Tcp.Src
	}
	if u.Udp != nil {
		return u.Udp.Src
	}
	return 0
}

// DstPort returns the ULP destination port, or 0 for protocols without one.
func (u *UlpMeta) DstPort() uint16 {
	if u == nil {
		return 0
	}
	if u.Tcp != nil {
		return u.Tcp.Dst
	}
	if u.Udp != nil {
		return u.Udp.Dst
	}
	return 0
}

// EncapMeta is the outer-tier encapsulation header. Geneve is the only
// variant this engine speaks.
type EncapMeta struct {
	Vni Vni
}

// ArpMeta is a decoded Ethernet/IPv4 ARP message. Populated instead of IP
// when the inner tier's ether type is ARP; there is no ULP tier to go
// with it.
type ArpMeta struct {
	Op  uint16
	Sha MacAddr
	Spa netip.Addr
	Tha MacAddr
	Tpa netip.Addr
}

const (
	ArpOpRequest uint16 = 1
	ArpOpReply   uint16 = 2
)

// Tier is the set of decoded headers at one nesting level (outer or
// inner) of a packet.
type Tier struct {
	Ether EtherMeta
	IP    *IpMeta
	Ulp   *UlpMeta
	// Arp is only ever populated on the inner tier, and only when Ether's
	// EtherType is ARP (IP and Ulp are both nil in that case).
	Arp *ArpMeta
	// Encap is only ever populated on the outer tier.
	Encap *EncapMeta
}

// PacketMeta is the full two-tier decode of a packet: outer (underlay,
// present only on encapsulated inbound traffic) and inner (the guest's own
// headers).
type PacketMeta struct {
	Outer Tier
	Inner Tier
}

// HeaderOffsets mirrors PacketMeta's layout with byte offsets instead of
// decoded values, so mutators can write header fields back in place.
type HeaderOffsets struct {
	Outer TierOffsets
	Inner TierOffsets
}

// HdrOffset is the byte offset and length of one header.
type HdrOffset struct {
	Offset int
	Len    int
}

func (o HdrOffset) End() int { return o.Offset + o.Len }

// TierOffsets mirrors Tier with byte offsets.
type TierOffsets struct {
	Ether HdrOffset
	IP    *HdrOffset
	Ulp   *HdrOffset
	Encap *HdrOffset
}

// InnerFlowId is the canonical 5-tuple flow key, derived from the inner
// L3/L4 headers. It is immutable once built and is the key used by every
// FlowTable in the system (per-layer and the Port's UFT).
type InnerFlowId struct {
	Proto   IPProto
	SrcIP   netip.Addr
	SrcPort uint16
	DstIP   netip.Addr
	DstPort uint16
}

// Reverse returns the flow id seen from the other direction (src/dst
// swapped), used to install or look up the dual of a flow.
func (f InnerFlowId) Reverse() InnerFlowId {
	return InnerFlowId{
		Proto:   f.Proto,
		SrcIP:   f.DstIP,
		SrcPort: f.DstPort,
		DstIP:   f.SrcIP,
		DstPort: f.SrcPort,
	}
}

func (f InnerFlowId) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, f.Proto)
}

// BuildInnerFlowId derives the canonical flow key from a tier's decoded
// inner headers. Ports are zero for non-ULP protocols (e.g. ICMP).
func BuildInnerFlowId(inner *Tier) InnerFlowId {
	return InnerFlowId{
		Proto:   inner.IP.Proto(),
		SrcIP:   inner.IP.Src(),
		SrcPort: inner.Ulp.SrcPort(),
		DstIP:   inner.IP.Dst(),
		DstPort: inner.Ulp.DstPort(),
	}
}
