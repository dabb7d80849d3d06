// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package port

import (
	"encoding/binary"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/packet"
	"grimm.is/vpcdp/internal/engine/parser"
)

// commit re-encodes a packet's final (possibly layer-mutated) metadata
// back onto the wire. Parsing stays zero-copy; a single whole-packet
// re-encode at the end of a successful pipeline walk is the one place
// bytes are rebuilt, and it reuses the body checksum accumulator
// captured at parse time so the (potentially large) body is never
// re-summed.
func commit(pkt packet.Packet, parsed *packet.ParsedPacket) error {
	body, err := parsed.ReadBody()
	if err != nil {
		return err
	}
	inner := encodeTier(parsed.Meta.Inner, body, parsed.BodyCsum)
	if parsed.Meta.Outer.Encap == nil {
		return pkt.Replace(inner)
	}
	outer := encodeOuterTier(parsed.Meta.Outer, inner)
	return pkt.Replace(outer)
}

func encodeEther(m headers.EtherMeta) []byte {
	b := make([]byte, 14)
	copy(b[0:6], m.Dst[:])
	copy(b[6:12], m.Src[:])
	binary.BigEndian.PutUint16(b[12:14], uint16(m.EtherType))
	return b
}

func encodeIp4(m headers.Ip4Meta, payload []byte) []byte {
	b := make([]byte, 20)
	b[0] = 0x45
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(20+len(payload)))
	binary.BigEndian.PutUint16(b[4:6], m.Ident)
	binary.BigEndian.PutUint16(b[6:8], 0)
	b[8] = m.Ttl
	b[9] = byte(m.Proto)
	binary.BigEndian.PutUint16(b[10:12], 0)
	src4 := m.Src.As4()
	dst4 := m.Dst.As4()
	copy(b[12:16], src4[:])
	copy(b[16:20], dst4[:])
	csum := headers.Ip4HeaderCsum(b)
	binary.BigEndian.PutUint16(b[10:12], csum)
	return append(b, payload...)
}

func encodeIp6(m headers.Ip6Meta, payload []byte) []byte {
	b := make([]byte, 40)
	b[0] = 0x60
	binary.BigEndian.PutUint16(b[4:6], uint16(len(payload)))
	b[6] = byte(m.NextHeader)
	b[7] = m.HopLimit
	src16 := m.Src.As16()
	dst16 := m.Dst.As16()
	copy(b[8:24], src16[:])
	copy(b[24:40], dst16[:])
	return append(b, payload...)
}

// encodeTcp rebuilds the TCP header and folds pseudo (already seeded with
// the correct ULP length by the caller) together with either the
// preserved body checksum accumulator or, lacking one, a fresh sum over
// body.
func encodeTcp(m headers.TcpMeta, pseudo headers.Csum16, body []byte, bodyCsum *headers.Csum16) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint16(b[0:2], m.Src)
	binary.BigEndian.PutUint16(b[2:4], m.Dst)
	binary.BigEndian.PutUint32(b[4:8], m.Seq)
	binary.BigEndian.PutUint32(b[8:12], m.Ack)
	b[12] = 5 << 4
	b[13] = byte(m.Flags)
	binary.BigEndian.PutUint16(b[14:16], 65535)
	binary.BigEndian.PutUint16(b[16:18], 0)
	binary.BigEndian.PutUint16(b[18:20], 0)

	acc := pseudo.AddBytes(b)
	if bodyCsum != nil {
		acc += *bodyCsum
	} else {
		acc = acc.AddBytes(body)
	}
	binary.BigEndian.PutUint16(b[16:18], acc.Fold())
	return append(b, body...)
}

// encodeUdp rebuilds the UDP header the same way encodeTcp does.
func encodeUdp(m headers.UdpMeta, pseudo headers.Csum16, body []byte, bodyCsum *headers.Csum16) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], m.Src)
	binary.BigEndian.PutUint16(b[2:4], m.Dst)
	binary.BigEndian.PutUint16(b[4:6], uint16(8+len(body)))
	binary.BigEndian.PutUint16(b[6:8], 0)

	acc := pseudo.AddBytes(b)
	if bodyCsum != nil {
		acc += *bodyCsum
	} else {
		acc = acc.AddBytes(body)
	}
	binary.BigEndian.PutUint16(b[6:8], acc.Fold())
	return append(b, body...)
}

func encodeIcmp(m headers.IcmpMeta, body []byte) []byte {
	b := make([]byte, 8)
	b[0] = m.Type
	b[1] = m.Code
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint16(b[4:6], m.Ident)
	binary.BigEndian.PutUint16(b[6:8], m.Seq)
	var acc headers.Csum16
	acc = acc.AddBytes(b)
	acc = acc.AddBytes(body)
	binary.BigEndian.PutUint16(b[2:4], acc.Fold())
	return append(b, body...)
}

// encodeTier re-encodes one tier (Ether + optional IP + optional ULP)
// plus the trailing body bytes.
func encodeTier(t headers.Tier, body []byte, bodyCsum *headers.Csum16) []byte {
	if t.IP == nil {
		return append(encodeEther(t.Ether), body...)
	}

	var ulpBytes []byte
	switch {
	case t.Ulp == nil:
		ulpBytes = body
	case t.Ulp.Tcp != nil:
		pseudo := headers.PseudoHeaderCsum(t.IP.Src(), t.IP.Dst(), t.IP.Proto(), 20+len(body))
		ulpBytes = encodeTcp(*t.Ulp.Tcp, pseudo, body, bodyCsum)
	case t.Ulp.Udp != nil:
		pseudo := headers.PseudoHeaderCsum(t.IP.Src(), t.IP.Dst(), t.IP.Proto(), 8+len(body))
		ulpBytes = encodeUdp(*t.Ulp.Udp, pseudo, body, bodyCsum)
	case t.Ulp.Icmp != nil:
		ulpBytes = encodeIcmp(*t.Ulp.Icmp, body)
	default:
		ulpBytes = body
	}

	var ipBytes []byte
	if t.IP.V4 != nil {
		ipBytes = encodeIp4(*t.IP.V4, ulpBytes)
	} else {
		ipBytes = encodeIp6(*t.IP.V6, ulpBytes)
	}
	return append(encodeEther(t.Ether), ipBytes...)
}

// encodeOuterTier wraps innerBytes in the outer Ether/IPv6/UDP/Geneve
// stack.
func encodeOuterTier(t headers.Tier, innerBytes []byte) []byte {
	geneve := parser.EncodeGeneve(t.Encap.Vni)
	geneveAndInner := append(geneve, innerBytes...)

	var udpMeta headers.UdpMeta
	if t.Ulp != nil && t.Ulp.Udp != nil {
		udpMeta = *t.Ulp.Udp
	}
	udpMeta.Dst = headers.GeneveUDPPort
	udpMeta.Len = uint16(8 + len(geneveAndInner))
	udpBytes := make([]byte, 8)
	binary.BigEndian.PutUint16(udpBytes[0:2], udpMeta.Src)
	binary.BigEndian.PutUint16(udpBytes[2:4], udpMeta.Dst)
	binary.BigEndian.PutUint16(udpBytes[4:6], udpMeta.Len)
	binary.BigEndian.PutUint16(udpBytes[6:8], 0)
	udpAndBeyond := append(udpBytes, geneveAndInner...)

	var ip6Meta headers.Ip6Meta
	if t.IP != nil && t.IP.V6 != nil {
		ip6Meta = *t.IP.V6
	}
	ip6Meta.NextHeader = headers.ProtoUDP
	ip6Bytes := encodeIp6(ip6Meta, udpAndBeyond)

	return append(encodeEther(t.Ether), ip6Bytes...)
}
