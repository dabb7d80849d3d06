// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package overlay implements the VPC overlay layer: Geneve encapsulation
// on the way out, decapsulation (really just validation — the parser
// already decoded the outer tier) on the way in. It's the last stage of
// the outbound pipeline and the first of the inbound one, and the only
// layer that touches meta.Outer.
package overlay

import (
	"net/netip"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/rule"
	"grimm.is/vpcdp/internal/vpc/router"
	"grimm.is/vpcdp/internal/vpc/v2p"
)

// LayerName is the name this layer is registered under on every Port.
const LayerName = "overlay"

// defaultUdpSrcPort is the outer UDP source port stamped on every
// encapsulated packet this port originates; Geneve doesn't use it for
// anything but appears in capture traces, so a fixed value is as good as
// any entropy scheme the driver underneath doesn't need.
const defaultUdpSrcPort = 7777

// Config is one port's overlay addressing: its own VNI and physical
// (underlay) address, plus boundary services' address/VNI for traffic
// routed to the Internet Gateway.
type Config struct {
	OwnVni     headers.Vni
	OwnPhysIp  netip.Addr
	BsvcPhysIp netip.Addr
	BsvcVni    headers.Vni
	UdpSrcPort uint16
}

func (c Config) udpSrcPort() uint16 {
	if c.UdpSrcPort != 0 {
		return c.UdpSrcPort
	}
	return defaultUdpSrcPort
}

// New builds the overlay Layer: a single unconditional rule per
// direction, since whether (and how) to encapsulate is entirely decided
// by the Router layer's tag (outbound) or the already-decoded outer VNI
// (inbound), never by a header predicate of its own.
func New(cfg Config, registry *v2p.Registry) *layer.Layer {
	l := layer.New(layer.Config{
		Name:       LayerName,
		DefaultIn:  rule.AllowAction{},
		DefaultOut: rule.AllowAction{},
	})
	l.AddRule(headers.Out, rule.Rule{Action: PushAction{Cfg: cfg, Registry: registry}})
	l.AddRule(headers.In, rule.Rule{Action: PopAction{Cfg: cfg}})
	return l
}

// PushAction encapsulates an outbound packet per the "router-target" tag
// the Router layer left in ActionMeta: Internet Gateway traffic is
// wrapped toward boundary services, everything else is resolved through
// the Virt2Phys registry keyed by the inner destination address.
type PushAction struct {
	Cfg      Config
	Registry *v2p.Registry
}

func (a PushAction) Apply(_ headers.Direction, meta *headers.PacketMeta, _ []byte, ctx rule.ActionMeta) (rule.ActionResult, error) {
	tagStr, ok := ctx[router.MetaKey].(string)
	if !ok {
		return rule.ActionResult{Verdict: rule.Allow}, nil
	}
	target, err := router.Decode(tagStr)
	if err != nil {
		return rule.ActionResult{}, err
	}

	var physDst netip.Addr
	var vni headers.Vni
	switch target.Kind {
	case router.TargetInternetGateway:
		physDst = a.Cfg.BsvcPhysIp
		vni = a.Cfg.BsvcVni
	case router.TargetIp, router.TargetVpcSubnet:
		entry, ok := a.Registry.Get(meta.Inner.IP.Dst())
		if !ok || entry.Vni != a.Cfg.OwnVni {
			return rule.ActionResult{Verdict: rule.Deny}, nil
		}
		physDst = entry.PhysIp
		vni = entry.Vni
		// The Virt2Phys entry also carries the peer's own (inner) MAC:
		// real traffic never ARPs across the overlay, so this layer is
		// the one place that address gets resolved.
		meta.Inner.Ether.Dst = entry.PhysMac
	default:
		return rule.ActionResult{Verdict: rule.Deny}, nil
	}

	meta.Outer = headers.Tier{
		IP: &headers.IpMeta{V6: &headers.Ip6Meta{
			Src:        a.Cfg.OwnPhysIp,
			Dst:        physDst,
			NextHeader: headers.ProtoUDP,
		}},
		Ulp: &headers.UlpMeta{Udp: &headers.UdpMeta{
			Src: a.Cfg.udpSrcPort(),
			Dst: headers.GeneveUDPPort,
		}},
		Encap: &headers.EncapMeta{Vni: vni},
	}
	return rule.ActionResult{Verdict: rule.Allow}, nil
}

func (PushAction) Name() string { return "overlay-push" }

// PopAction validates an inbound packet's outer VNI and then strips the
// outer tier from meta so the Port's commit step writes only the inner
// frame back to the guest. The parser has already decoded (but not
// discarded) the outer headers by the time this runs.
type PopAction struct {
	Cfg Config
}

func (a PopAction) Apply(_ headers.Direction, meta *headers.PacketMeta, _ []byte, _ rule.ActionMeta) (rule.ActionResult, error) {
	if meta.Outer.Encap == nil || meta.Outer.Encap.Vni != a.Cfg.OwnVni {
		return rule.ActionResult{Verdict: rule.Deny}, nil
	}
	meta.Outer = headers.Tier{}
	return rule.ActionResult{Verdict: rule.Allow}, nil
}

func (PopAction) Name() string { return "overlay-pop" }
