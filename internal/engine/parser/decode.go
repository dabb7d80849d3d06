// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package parser turns raw packet bytes into the decoded PacketMeta /
// HeaderOffsets the rest of the engine classifies against. It never
// copies more than one header at a time (the packet.Reader hands back
// short-lived slices), matching the zero-copy contract in spec §4.1.
package parser

import (
	"encoding/binary"
	"net/netip"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/packet"
)

const (
	etherHdrLen = 14
	arpHdrLen   = 28
	ip4HdrLen   = 20
	ip6HdrLen   = 40
	udpHdrLen   = 8
	tcpHdrLen   = 20
	icmpHdrLen  = 8
	geneveLen   = 8
)

func decodeEther(r *packet.Reader) (headers.EtherMeta, headers.HdrOffset, error) {
	start := r.Pos()
	b, err := r.Take(etherHdrLen)
	if err != nil {
		return headers.EtherMeta{}, headers.HdrOffset{}, errBadHeader("Ether: %v", err)
	}
	var m headers.EtherMeta
	copy(m.Dst[:], b[0:6])
	copy(m.Src[:], b[6:12])
	m.EtherType = headers.EtherType(binary.BigEndian.Uint16(b[12:14]))
	return m, headers.HdrOffset{Offset: start, Len: etherHdrLen}, nil
}

// ArpPacket is a decoded Ethernet/IPv4 ARP message.
type ArpPacket struct {
	Htype uint16
	Ptype uint16
	Op    uint16
	Sha   headers.MacAddr
	Spa   netip.Addr
	Tha   headers.MacAddr
	Tpa   netip.Addr
}

const (
	ArpOpRequest uint16 = 1
	ArpOpReply   uint16 = 2
	arpHtypeEth  uint16 = 1
)

// DecodeArp decodes an ARP message at the reader's current position.
func DecodeArp(r *packet.Reader) (ArpPacket, error) {
	b, err := r.Take(arpHdrLen)
	if err != nil {
		return ArpPacket{}, errBadHeader("Arp: %v", err)
	}
	var a ArpPacket
	a.Htype = binary.BigEndian.Uint16(b[0:2])
	a.Ptype = binary.BigEndian.Uint16(b[2:4])
	a.Op = binary.BigEndian.Uint16(b[6:8])
	copy(a.Sha[:], b[8:14])
	a.Spa = netip.AddrFrom4([4]byte(b[14:18]))
	copy(a.Tha[:], b[18:24])
	a.Tpa = netip.AddrFrom4([4]byte(b[24:28]))
	return a, nil
}

// IsRequest reports whether this is a well-formed Ethernet/IPv4 ARP
// request.
func (a ArpPacket) IsRequest() bool {
	return a.Htype == arpHtypeEth && a.Ptype == uint16(headers.EtherTypeIPv4) && a.Op == ArpOpRequest
}

// EncodeArp serializes an ARP message in Ethernet/IPv4 wire format.
func EncodeArp(a ArpPacket) []byte {
	b := make([]byte, arpHdrLen)
	binary.BigEndian.PutUint16(b[0:2], a.Htype)
	binary.BigEndian.PutUint16(b[2:4], a.Ptype)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], a.Op)
	copy(b[8:14], a.Sha[:])
	spa4 := a.Spa.As4()
	copy(b[14:18], spa4[:])
	copy(b[18:24], a.Tha[:])
	tpa4 := a.Tpa.As4()
	copy(b[24:28], tpa4[:])
	return b
}

func decodeIp4(r *packet.Reader) (headers.Ip4Meta, headers.HdrOffset, headers.Csum16, error) {
	start := r.Pos()
	b, err := r.Take(ip4HdrLen)
	if err != nil {
		return headers.Ip4Meta{}, headers.HdrOffset{}, 0, errBadHeader("IPv4: %v", err)
	}
	totalLen := binary.BigEndian.Uint16(b[2:4])
	if int(totalLen) < ip4HdrLen {
		return headers.Ip4Meta{}, headers.HdrOffset{}, 0, errBadHeader("IPv4: BadTotalLen{total_len:%d}", totalLen)
	}
	claimedPayload := int(totalLen) - ip4HdrLen
	actualRemaining := r.Remaining()
	if claimedPayload != actualRemaining {
		return headers.Ip4Meta{}, headers.HdrOffset{}, 0, errBadInnerIpLen(min(claimedPayload, actualRemaining), max(claimedPayload, actualRemaining))
	}
	m := headers.Ip4Meta{
		TotalLen: totalLen,
		Ident:    binary.BigEndian.Uint16(b[4:6]),
		Ttl:      b[8],
		Proto:    headers.IPProto(b[9]),
		Src:      netip.AddrFrom4([4]byte(b[12:16])),
		Dst:      netip.AddrFrom4([4]byte(b[16:20])),
	}
	pseudo := headers.PseudoHeaderCsum(m.Src, m.Dst, m.Proto, claimedPayload)
	return m, headers.HdrOffset{Offset: start, Len: ip4HdrLen}, pseudo, nil
}

func decodeIp6(r *packet.Reader) (headers.Ip6Meta, headers.HdrOffset, headers.Csum16, error) {
	start := r.Pos()
	b, err := r.Take(ip6HdrLen)
	if err != nil {
		return headers.Ip6Meta{}, headers.HdrOffset{}, 0, errBadHeader("IPv6: %v", err)
	}
	m := headers.Ip6Meta{
		PayloadLen: binary.BigEndian.Uint16(b[4:6]),
		NextHeader: headers.IPProto(b[6]),
		HopLimit:   b[7],
		Src:        netip.AddrFrom16([16]byte(b[8:24])),
		Dst:        netip.AddrFrom16([16]byte(b[24:40])),
	}
	pseudo := headers.PseudoHeaderCsum(m.Src, m.Dst, m.NextHeader, int(m.PayloadLen))
	return m, headers.HdrOffset{Offset: start, Len: ip6HdrLen}, pseudo, nil
}

func decodeTcp(r *packet.Reader, pseudo headers.Csum16) (headers.TcpMeta, headers.HdrOffset, *headers.Csum16, error) {
	start := r.Pos()
	b, err := r.Take(tcpHdrLen)
	if err != nil {
		return headers.TcpMeta{}, headers.HdrOffset{}, nil, errBadHeader("TCP: %v", err)
	}
	m := headers.TcpMeta{
		Src:   binary.BigEndian.Uint16(b[0:2]),
		Dst:   binary.BigEndian.Uint16(b[2:4]),
		Seq:   binary.BigEndian.Uint32(b[4:8]),
		Ack:   binary.BigEndian.Uint32(b[8:12]),
		Flags: headers.TcpFlags(b[13] & 0x3f),
		Csum:  binary.BigEndian.Uint16(b[16:18]),
	}
	body, err := r.Peek(r.Remaining())
	if err != nil {
		return headers.TcpMeta{}, headers.HdrOffset{}, nil, errBadHeader("TCP: %v", err)
	}
	var bc headers.Csum16
	bc = bc.AddBytes(body)
	_ = pseudo
	return m, headers.HdrOffset{Offset: start, Len: tcpHdrLen}, &bc, nil
}

func decodeUdp(r *packet.Reader, pseudo headers.Csum16) (headers.UdpMeta, headers.HdrOffset, *headers.Csum16, error) {
	start := r.Pos()
	b, err := r.Take(udpHdrLen)
	if err != nil {
		return headers.UdpMeta{}, headers.HdrOffset{}, nil, errBadHeader("UDP: %v", err)
	}
	m := headers.UdpMeta{
		Src:  binary.BigEndian.Uint16(b[0:2]),
		Dst:  binary.BigEndian.Uint16(b[2:4]),
		Len:  binary.BigEndian.Uint16(b[4:6]),
		Csum: binary.BigEndian.Uint16(b[6:8]),
	}
	body, err := r.Peek(r.Remaining())
	if err != nil {
		return headers.UdpMeta{}, headers.HdrOffset{}, nil, errBadHeader("UDP: %v", err)
	}
	var bc headers.Csum16
	bc = bc.AddBytes(body)
	_ = pseudo
	return m, headers.HdrOffset{Offset: start, Len: udpHdrLen}, &bc, nil
}

func decodeIcmp(r *packet.Reader) (headers.IcmpMeta, headers.HdrOffset, error) {
	start := r.Pos()
	b, err := r.Take(icmpHdrLen)
	if err != nil {
		return headers.IcmpMeta{}, headers.HdrOffset{}, errBadHeader("ICMP: %v", err)
	}
	m := headers.IcmpMeta{
		Type:  b[0],
		Code:  b[1],
		Csum:  binary.BigEndian.Uint16(b[2:4]),
		Ident: binary.BigEndian.Uint16(b[4:6]),
		Seq:   binary.BigEndian.Uint16(b[6:8]),
	}
	return m, headers.HdrOffset{Offset: start, Len: icmpHdrLen}, nil
}

func decodeGeneve(r *packet.Reader) (headers.EncapMeta, headers.HdrOffset, error) {
	start := r.Pos()
	b, err := r.Take(geneveLen)
	if err != nil {
		return headers.EncapMeta{}, headers.HdrOffset{}, errBadHeader("Geneve: %v", err)
	}
	version := b[0] >> 6
	optLen := b[0] & 0x3f
	protoType := binary.BigEndian.Uint16(b[2:4])
	if version != 0 {
		return headers.EncapMeta{}, headers.HdrOffset{}, errBadHeader("Geneve: unsupported version %d", version)
	}
	if optLen != 0 {
		return headers.EncapMeta{}, headers.HdrOffset{}, errBadHeader("Geneve: unsupported option length %d", optLen)
	}
	if protoType != 0x6558 {
		return headers.EncapMeta{}, headers.HdrOffset{}, errBadHeader("Geneve: unexpected protocol type 0x%04x", protoType)
	}
	vni := headers.VniFromBytes([3]byte(b[4:7]))
	return headers.EncapMeta{Vni: vni}, headers.HdrOffset{Offset: start, Len: geneveLen}, nil
}

// EncodeGeneve serializes a Geneve header (version 0, no options, Ethernet
// protocol type) for the given VNI.
func EncodeGeneve(vni headers.Vni) []byte {
	b := make([]byte, geneveLen)
	b[0] = 0
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], 0x6558)
	vb := vni.Bytes()
	copy(b[4:7], vb[:])
	b[7] = 0
	return b
}
