// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"grimm.is/vpcdp/internal/engine/headers"
)

// ParsedPacket pairs a Packet with the PacketMeta/HeaderOffsets a Parser
// decoded from it, plus the running body checksum delta the parser
// computed so mutators can apply incremental fix-ups instead of
// recomputing a checksum from scratch.
type ParsedPacket struct {
	Pkt     Packet
	Dir     headers.Direction
	Meta    headers.PacketMeta
	Offsets headers.HeaderOffsets
	// BodyCsum is the unfolded checksum accumulator over the body bytes
	// that follow the TCP/UDP header, captured at parse time; the
	// pseudo-header and the ULP header are not included (nil for
	// protocols without a checksum, e.g. ICMP framing we don't track, or
	// when parsing stopped before the ULP header).
	BodyCsum *headers.Csum16
}

// HdrOffsets returns the decoded header offsets.
func (p *ParsedPacket) HdrOffsets() headers.HeaderOffsets { return p.Offsets }

// MetaOf returns the decoded packet metadata.
func (p *ParsedPacket) MetaOf() *headers.PacketMeta { return &p.Meta }

// BodyOffset returns the byte offset the packet body starts at: the end of
// whichever header was parsed last (inner ULP, inner IP, or inner Ether,
// whichever is present).
func (p *ParsedPacket) BodyOffset() int {
	off := p.Offsets.Inner
	if off.Ulp != nil {
		return off.Ulp.End()
	}
	if off.IP != nil {
		return off.IP.End()
	}
	return off.Ether.End()
}

// BodySeg returns the packet's underlying body-segment marker, delegating
// to the wrapped Packet.
func (p *ParsedPacket) BodySeg() int { return p.Pkt.BodySeg() }

// ReadBody returns a copy of the packet body (the bytes after all parsed
// headers).
func (p *ParsedPacket) ReadBody() ([]byte, error) {
	off := p.BodyOffset()
	return p.Pkt.ReadAt(off, p.Pkt.Len()-off)
}
