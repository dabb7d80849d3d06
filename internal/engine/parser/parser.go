// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package parser

import (
	"encoding/binary"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/packet"
)

// Parser decodes raw Packets into ParsedPackets. A single Parser is shared
// by every Port on a VpcNetwork; it holds no per-packet state.
type Parser struct {
	// ProxyArpEnable lets ParseInbound recognize a bare (non-Geneve-
	// encapsulated) ARP frame arriving off the underlay link, so the
	// gateway can answer it directly instead of treating it as malformed
	// overlay traffic.
	ProxyArpEnable bool
}

// NewParser returns a Parser with the given proxy-ARP behavior.
func NewParser(proxyArpEnable bool) *Parser {
	return &Parser{ProxyArpEnable: proxyArpEnable}
}

// parseInner decodes the guest-facing Ethernet/IP/ULP tier: the only tier
// present on outbound traffic, and the tier nested inside Geneve on
// inbound traffic.
func (p *Parser) parseInner(r *packet.Reader) (headers.Tier, headers.TierOffsets, *headers.Csum16, error) {
	etherMeta, etherOff, err := decodeEther(r)
	if err != nil {
		return headers.Tier{}, headers.TierOffsets{}, nil, err
	}
	tier := headers.Tier{Ether: etherMeta}
	tierOff := headers.TierOffsets{Ether: etherOff}

	switch etherMeta.EtherType {
	case headers.EtherTypeARP:
		arp, err := DecodeArp(r)
		if err != nil {
			return headers.Tier{}, headers.TierOffsets{}, nil, err
		}
		tier.Arp = &headers.ArpMeta{
			Op:  arp.Op,
			Sha: arp.Sha,
			Spa: arp.Spa,
			Tha: arp.Tha,
			Tpa: arp.Tpa,
		}
		return tier, tierOff, nil, nil
	case headers.EtherTypeIPv4:
		ip4, ipOff, pseudo, err := decodeIp4(r)
		if err != nil {
			return headers.Tier{}, headers.TierOffsets{}, nil, err
		}
		tier.IP = &headers.IpMeta{V4: &ip4}
		tierOff.IP = &ipOff
		ulp, ulpOff, bodyCsum, err := p.parseUlp(r, ip4.Proto, pseudo)
		if err != nil {
			return headers.Tier{}, headers.TierOffsets{}, nil, err
		}
		tier.Ulp = ulp
		tierOff.Ulp = ulpOff
		return tier, tierOff, bodyCsum, nil
	case headers.EtherTypeIPv6:
		ip6, ipOff, pseudo, err := decodeIp6(r)
		if err != nil {
			return headers.Tier{}, headers.TierOffsets{}, nil, err
		}
		tier.IP = &headers.IpMeta{V6: &ip6}
		tierOff.IP = &ipOff
		ulp, ulpOff, bodyCsum, err := p.parseUlp(r, ip6.NextHeader, pseudo)
		if err != nil {
			return headers.Tier{}, headers.TierOffsets{}, nil, err
		}
		tier.Ulp = ulp
		tierOff.Ulp = ulpOff
		return tier, tierOff, bodyCsum, nil
	default:
		return headers.Tier{}, headers.TierOffsets{}, nil, errUnexpectedEtherType(etherMeta.EtherType)
	}
}

// parseUlp decodes the upper-layer-protocol header for proto, if this
// engine tracks one. Protocols it doesn't track (anything but ICMP(v6),
// TCP, UDP) yield a nil UlpMeta rather than an error: the IP tier alone is
// still enough for Firewall/Router/NAT to classify the packet against.
func (p *Parser) parseUlp(r *packet.Reader, proto headers.IPProto, pseudo headers.Csum16) (*headers.UlpMeta, *headers.HdrOffset, *headers.Csum16, error) {
	switch proto {
	case headers.ProtoTCP:
		tcp, off, bc, err := decodeTcp(r, pseudo)
		if err != nil {
			return nil, nil, nil, err
		}
		return &headers.UlpMeta{Tcp: &tcp}, &off, bc, nil
	case headers.ProtoUDP:
		udp, off, bc, err := decodeUdp(r, pseudo)
		if err != nil {
			return nil, nil, nil, err
		}
		return &headers.UlpMeta{Udp: &udp}, &off, bc, nil
	case headers.ProtoICMP, headers.ProtoICMPv6:
		icmp, off, err := decodeIcmp(r)
		if err != nil {
			return nil, nil, nil, err
		}
		return &headers.UlpMeta{Icmp: &icmp}, &off, nil, nil
	default:
		return nil, nil, nil, nil
	}
}

// ParseOutbound decodes a guest-originated packet. Outbound traffic never
// arrives pre-encapsulated: only the inner (guest) tier is present.
func (p *Parser) ParseOutbound(pkt packet.Packet) (*packet.ParsedPacket, error) {
	r := packet.NewReader(pkt)
	inner, innerOff, bodyCsum, err := p.parseInner(r)
	if err != nil {
		return nil, err
	}
	return &packet.ParsedPacket{
		Pkt:      pkt,
		Dir:      headers.Out,
		Meta:     headers.PacketMeta{Inner: inner},
		Offsets:  headers.HeaderOffsets{Inner: innerOff},
		BodyCsum: bodyCsum,
	}, nil
}

// ParseInbound decodes a packet arriving off the underlay link. Normally
// that means a Geneve-encapsulated frame (outer Ether/IPv6/UDP/Geneve
// wrapping the guest's own Ether/IP/ULP); with ProxyArpEnable set, a bare
// ARP frame is also accepted and treated as inner-only, mirroring
// ParseOutbound.
func (p *Parser) ParseInbound(pkt packet.Packet) (*packet.ParsedPacket, error) {
	r := packet.NewReader(pkt)

	if p.ProxyArpEnable {
		if peek, err := r.Peek(etherHdrLen); err == nil {
			if headers.EtherType(binary.BigEndian.Uint16(peek[12:14])) == headers.EtherTypeARP {
				inner, innerOff, _, err := p.parseInner(r)
				if err != nil {
					return nil, err
				}
				return &packet.ParsedPacket{
					Pkt:     pkt,
					Dir:     headers.In,
					Meta:    headers.PacketMeta{Inner: inner},
					Offsets: headers.HeaderOffsets{Inner: innerOff},
				}, nil
			}
		}
	}

	outerEther, outerEtherOff, err := decodeEther(r)
	if err != nil {
		return nil, err
	}
	if outerEther.EtherType != headers.EtherTypeIPv6 {
		return nil, errUnexpectedEtherType(outerEther.EtherType)
	}
	outerIp6, outerIp6Off, _, err := decodeIp6(r)
	if err != nil {
		return nil, err
	}
	if outerIp6.NextHeader != headers.ProtoUDP {
		return nil, errUnexpectedProtocol(outerIp6.NextHeader)
	}
	outerUdp, outerUdpOff, _, err := decodeUdp(r, 0)
	if err != nil {
		return nil, err
	}
	if outerUdp.Dst != headers.GeneveUDPPort {
		return nil, errBadHeader("overlay UDP dst port %d, want %d", outerUdp.Dst, headers.GeneveUDPPort)
	}
	encap, encapOff, err := decodeGeneve(r)
	if err != nil {
		return nil, err
	}
	inner, innerOff, bodyCsum, err := p.parseInner(r)
	if err != nil {
		return nil, err
	}

	outerTier := headers.Tier{
		Ether: outerEther,
		IP:    &headers.IpMeta{V6: &outerIp6},
		Ulp:   &headers.UlpMeta{Udp: &outerUdp},
		Encap: &encap,
	}
	outerOff := headers.TierOffsets{
		Ether: outerEtherOff,
		IP:    &outerIp6Off,
		Ulp:   &outerUdpOff,
		Encap: &encapOff,
	}
	return &packet.ParsedPacket{
		Pkt:      pkt,
		Dir:      headers.In,
		Meta:     headers.PacketMeta{Outer: outerTier, Inner: inner},
		Offsets:  headers.HeaderOffsets{Outer: outerOff, Inner: innerOff},
		BodyCsum: bodyCsum,
	}, nil
}
