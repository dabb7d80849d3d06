// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package headers

import "net/netip"

// Csum16 is a running ones'-complement checksum accumulator, used both to
// compute a fresh checksum and to apply an incremental delta to an existing
// one (RFC 1624) so header rewrites on the hot path never have to
// recompute a checksum from scratch.
type Csum16 uint32

// AddBytes folds b, two bytes at a time, into the accumulator.
func (c Csum16) AddBytes(b []byte) Csum16 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		c += Csum16(b[i])<<8 | Csum16(b[i+1])
	}
	if n%2 == 1 {
		c += Csum16(b[n-1]) << 8
	}
	return c
}

// AddU16 folds a single 16-bit word into the accumulator.
func (c Csum16) AddU16(v uint16) Csum16 { return c + Csum16(v) }

// SubU16 removes a 16-bit word previously added, the building block of an
// incremental checksum update: subtract the old field value, add the new
// one.
func (c Csum16) SubU16(v uint16) Csum16 { return c + Csum16(^v&0xffff) }

// Fold collapses the accumulator down to its final ones'-complement 16-bit
// checksum.
func (c Csum16) Fold() uint16 {
	for c>>16 != 0 {
		c = (c & 0xffff) + (c >> 16)
	}
	return ^uint16(c)
}

// PseudoHeaderCsum computes the IPv4/IPv6 TCP/UDP pseudo-header checksum
// contribution (src, dst, protocol, ULP length) as an unfolded
// accumulator, ready to be combined with the ULP header+body checksum.
func PseudoHeaderCsum(src, dst netip.Addr, proto IPProto, ulpLen int) Csum16 {
	var c Csum16
	if src.Is4() {
		s4 := src.As4()
		d4 := dst.As4()
		c = c.AddBytes(s4[:]).AddBytes(d4[:])
	} else {
		s16 := src.As16()
		d16 := dst.As16()
		c = c.AddBytes(s16[:]).AddBytes(d16[:])
	}
	c = c.AddU16(uint16(proto))
	c = c.AddU16(uint16(ulpLen))
	return c
}

// Ip4HeaderCsum computes the IPv4 header checksum over the raw 20(+option)
// byte header, assuming the checksum field itself is zeroed in b.
func Ip4HeaderCsum(b []byte) uint16 {
	var c Csum16
	return c.AddBytes(b).Fold()
}
