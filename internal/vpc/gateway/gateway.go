// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package gateway implements the VPC gateway layer: the virtual router's
// ICMP-echo responder. A guest pinging its gateway IP gets a synthesised
// Echo Reply without the packet ever leaving the port, the same hairpin
// shape the ARP handling in vpcnet uses for address resolution.
package gateway

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	vpcerrors "grimm.is/vpcdp/internal/errors"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/predicate"
	"grimm.is/vpcdp/internal/engine/rule"
)

// LayerName is the name this layer is registered under on every Port.
const LayerName = "gateway"

// Config identifies the gateway's own addressing, needed to build the
// Echo Reply's headers.
type Config struct {
	GatewayIp  netip.Addr
	GatewayMac headers.MacAddr
}

// New builds the gateway layer: a single outbound rule hairpinning ICMP
// Echo Requests addressed to cfg.GatewayIp, default-allow otherwise (the
// layer has no opinion on traffic that isn't pinging the gateway).
func New(cfg Config) *layer.Layer {
	l := layer.New(layer.Config{
		Name:       LayerName,
		DefaultIn:  rule.AllowAction{},
		DefaultOut: rule.AllowAction{},
	})
	l.AddRule(headers.Out, rule.Rule{
		Priority: 0,
		Predicates: []predicate.HeaderPredicate{
			predicate.InnerDstIp4{Prefixes: []netip.Prefix{netip.PrefixFrom(cfg.GatewayIp, 32)}},
			predicate.InnerIpProto{Protos: []headers.IPProto{headers.ProtoICMP}},
			predicate.InnerIcmpType{Types: []uint8{headers.IcmpTypeEchoRequest}},
		},
		Action: EchoReplyAction{Cfg: cfg},
	})
	return l
}

// EchoReplyAction hairpins an ICMP Echo Request into an Echo Reply
// carrying the same identifier, sequence number, and payload, addressed
// back to the requesting guest.
type EchoReplyAction struct {
	Cfg Config
}

func (a EchoReplyAction) Apply(dir headers.Direction, meta *headers.PacketMeta, body []byte, ctx rule.ActionMeta) (rule.ActionResult, error) {
	gen := rule.HairpinAction{Generate: a.generate}
	return gen.Apply(dir, meta, body, ctx)
}

func (EchoReplyAction) Name() string { return "gateway-echo-reply" }

// generate builds the Echo Reply: same identifier, sequence number, and
// payload as the request, source/destination swapped and re-addressed
// from the gateway's own identity.
func (a EchoReplyAction) generate(_ headers.Direction, meta *headers.PacketMeta, body []byte, _ rule.ActionMeta) ([]byte, error) {
	inner := meta.Inner
	if inner.IP == nil || inner.IP.V4 == nil || inner.Ulp == nil || inner.Ulp.Icmp == nil {
		return nil, vpcerrors.Errorf(vpcerrors.KindDrop, "HairpinGenFailed")
	}
	req := inner.Ulp.Icmp

	icmpMsg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(req.Ident),
			Seq:  int(req.Seq),
			Data: body,
		},
	}
	icmpBytes, err := icmpMsg.Marshal(nil)
	if err != nil {
		return nil, vpcerrors.Wrapf(err, vpcerrors.KindDrop, "HairpinGenFailed")
	}

	etherHdr := headers.EtherMeta{
		Dst:       inner.Ether.Src,
		Src:       a.Cfg.GatewayMac,
		EtherType: headers.EtherTypeIPv4,
	}
	ip4Hdr := headers.Ip4Meta{
		Src:   a.Cfg.GatewayIp,
		Dst:   inner.IP.V4.Src,
		Proto: headers.ProtoICMP,
		Ttl:   64,
	}
	return encodeEtherIp4(etherHdr, ip4Hdr, icmpBytes), nil
}

// encodeEtherIp4 builds a fresh Ethernet/IPv4 frame around payload, the
// way a synthesised reply (never read back through the parser) has to:
// there's no ParsedPacket to let the Port's own commit step do this.
func encodeEtherIp4(ether headers.EtherMeta, ip headers.Ip4Meta, payload []byte) []byte {
	b := make([]byte, 14+20+len(payload))
	copy(b[0:6], ether.Dst[:])
	copy(b[6:12], ether.Src[:])
	binary.BigEndian.PutUint16(b[12:14], uint16(ether.EtherType))

	ipHdr := b[14:34]
	ipHdr[0] = 0x45
	ipHdr[1] = 0
	binary.BigEndian.PutUint16(ipHdr[2:4], uint16(20+len(payload)))
	binary.BigEndian.PutUint16(ipHdr[4:6], ip.Ident)
	binary.BigEndian.PutUint16(ipHdr[6:8], 0)
	ipHdr[8] = ip.Ttl
	ipHdr[9] = byte(ip.Proto)
	binary.BigEndian.PutUint16(ipHdr[10:12], 0)
	src4 := ip.Src.As4()
	dst4 := ip.Dst.As4()
	copy(ipHdr[12:16], src4[:])
	copy(ipHdr[16:20], dst4[:])
	binary.BigEndian.PutUint16(ipHdr[10:12], headers.Ip4HeaderCsum(ipHdr))

	copy(b[34:], payload)
	return b
}
